// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package wrapper

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"syscall"

	"github.com/pkg/errors"

	"github.com/oVirt/v2v-conversion-host/pkg/hosts"
)

var (
	agentSockRe = regexp.MustCompile(`(?m)^SSH_AUTH_SOCK=([^;]+);`)
	agentPidRe  = regexp.MustCompile(`(?m)^echo Agent pid ([0-9]+);`)
)

// sshAgent is the ssh-agent instance serving the key for the ssh transport.
// The agent runs under the converter identity so that virt-v2v can reach
// the socket.
type sshAgent struct {
	pid  int
	sock string
}

// setprivCommand runs a command under the converter identity with
// supplementary groups cleared.
func setprivCommand(uid, gid int, args ...string) *exec.Cmd {
	setpriv := []string{
		fmt.Sprintf("--reuid=%d", uid),
		fmt.Sprintf("--regid=%d", gid),
		"--clear-groups",
	}
	return exec.Command("setpriv", append(setpriv, args...)...)
}

// startSSHAgent launches an ssh-agent and loads the key to the source
// host into it. Either the key from the request or the keys of the
// converter identity are used.
func startSSHAgent(req hosts.Request, uid, gid int) (*sshAgent, error) {
	out, err := setprivCommand(uid, gid, "ssh-agent").CombinedOutput()
	if err != nil {
		wrapLog.Errorf("Command failed with: %s", out)
		return nil, errors.Wrap(err, "failed to start ssh-agent")
	}
	wrapLog.Debugf("ssh-agent: %s", out)

	sock := agentSockRe.FindSubmatch(out)
	pid := agentPidRe.FindSubmatch(out)
	if sock == nil || pid == nil {
		wrapLog.Errorf("Incomplete match of ssh-agent output; sock=%v; pid=%v", sock, pid)
		return nil, errors.New("error starting ssh-agent")
	}
	agent := &sshAgent{sock: string(sock[1])}
	agent.pid, err = strconv.Atoi(string(pid[1]))
	if err != nil {
		return nil, errors.Wrap(err, "could not parse ssh-agent pid")
	}
	wrapLog.Infof("SSH Agent started with PID %d", agent.pid)

	cmd := setprivCommand(uid, gid, "ssh-add")
	if req.Has("ssh_key_file") {
		wrapLog.Info("Using custom SSH key")
		cmd.Args = append(cmd.Args, req.String("ssh_key_file"))
	} else {
		wrapLog.Info("Using SSH key(s) from ~/.ssh")
	}
	cmd.Env = hosts.SetEnv(os.Environ(), "SSH_AUTH_SOCK", agent.sock)
	out, err = cmd.CombinedOutput()
	if err != nil {
		wrapLog.Errorf("ssh-add output: %s", out)
		agent.kill()
		return nil, errors.Wrap(err, "failed to add SSH keys to the agent")
	}

	return agent, nil
}

// kill terminates the agent once the conversion is over.
func (a *sshAgent) kill() {
	if err := syscall.Kill(a.pid, syscall.SIGTERM); err != nil {
		wrapLog.WithError(err).Warning("Failed to stop ssh-agent")
	}
}
