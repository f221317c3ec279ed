// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package wrapper drives a single virt-v2v conversion. It reads the
// conversion request from standard input, validates it, reports the
// wrapper file paths as one JSON line on standard output and then runs
// the converter, publishing progress through the state file until the
// conversion is finished.
package wrapper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/oVirt/v2v-conversion-host/pkg/config"
	"github.com/oVirt/v2v-conversion-host/pkg/hosts"
	"github.com/oVirt/v2v-conversion-host/pkg/logparser"
	"github.com/oVirt/v2v-conversion-host/pkg/runner"
	"github.com/oVirt/v2v-conversion-host/pkg/state"
	"github.com/oVirt/v2v-conversion-host/pkg/version"
	"github.com/oVirt/v2v-conversion-host/pkg/wrapperlog"
)

var wrapLog = logrus.WithField("source", "wrapper")

const (
	// exitOK means the conversion succeeded.
	exitOK = 0

	// exitSetup is returned for errors before the conversion started,
	// when the state file may not exist yet. Details are on stderr.
	exitSetup = 1

	// exitFailed is returned when the conversion ran and failed. The
	// state file has the details.
	exitFailed = 2
)

// monitorInterval is the pause between state file refreshes while the
// converter runs.
const monitorInterval = 5 * time.Second

// daemonEnv marks the detached child. The child reads the handoff from
// standard input instead of a conversion request.
const daemonEnv = "V2V_WRAPPER_DAEMON"

// handoff is what the foreground process passes to its detached child:
// the validated request and everything derived from it that must not be
// created twice.
type handoff struct {
	Request     hosts.Request `json:"request"`
	Caps        []string      `json:"caps"`
	Tag         string        `json:"tag"`
	SecretFiles []string      `json:"secret_files"`
}

// conversion bundles everything needed to run and supervise the
// converter once validation is done.
type conversion struct {
	cfg  *config.Config
	host hosts.Host
	req  hosts.Request
	caps []string
	st   *state.Store
	sec  *secrets
}

// fatal reports an initialization error. At this stage the state file
// may not exist, stderr is the only channel back to the caller.
func fatal(err error) int {
	wrapLog.Error(err)
	fmt.Fprintln(os.Stderr, err)
	return exitSetup
}

// Run executes one conversion request read from standard input and
// returns the process exit code.
func Run(ctx context.Context, cfg *config.Config) int {
	if os.Getenv(daemonEnv) != "" {
		return runDetached(ctx, cfg)
	}

	var req hosts.Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return fatal(errors.Wrap(err, "could not parse conversion request"))
	}

	st := state.New()
	daemonize := st.Daemonize
	if req.Has("daemonize") {
		daemonize = req.Bool("daemonize")
		st.Daemonize = daemonize
	} else {
		req.Set("daemonize", daemonize)
	}

	typ, err := hosts.Detect(req, daemonize)
	if err != nil {
		return fatal(err)
	}
	host, err := hosts.New(typ, hosts.Settings{
		Converter: cfg.VirtV2V,
		Daemonize: daemonize,
	})
	if err != nil {
		return fatal(err)
	}

	wrapperLogPath, err := derivePaths(cfg, host, st)
	if err != nil {
		return fatal(err)
	}
	logFile, err := wrapperlog.Configure(wrapperLogPath)
	if err != nil {
		return fatal(errors.Wrap(err, "could not configure logging"))
	}
	defer logFile.Close()

	wrapLog.Infof("Wrapper version %s, uid=%d", version.Version, os.Getuid())
	wrapLog.Infof("Will store virt-v2v log in: %s", st.V2VLog)
	wrapLog.Infof("Will store state file in: %s", st.StateFile)
	wrapLog.Infof("Will read throttling limits from: %s", st.Internal.ThrottlingFile)

	caps, err := capabilities(cfg.VirtV2V)
	if err != nil {
		wrapLog.WithError(err).Error("Failed to start virt-v2v")
		return fatal(errors.New("Could not get virt-v2v capabilities."))
	}
	wrapLog.Debugf("virt-v2v capabilities: %q", caps)

	if err := validate(ctx, host, req, st); err != nil {
		return fatal(err)
	}

	sec := newSecrets(host.UID(), host.GID())
	wrapLog.Info("Writing password file(s)")
	err = sec.Stash(req)
	if err == nil {
		err = sec.LoadLUKSKeys(req)
	}
	if err != nil {
		if rmErr := sec.Remove(); rmErr != nil {
			wrapLog.WithError(rmErr).Error("Error removing password file(s)")
		}
		return fatal(err)
	}

	if err := seedDisks(req, st); err != nil {
		return fatal(err)
	}
	if err := st.Write(); err != nil {
		return fatal(err)
	}

	line, err := json.Marshal(struct {
		V2VLog         string `json:"v2v_log"`
		WrapperLog     string `json:"wrapper_log"`
		StateFile      string `json:"state_file"`
		ThrottlingFile string `json:"throttling_file"`
	}{st.V2VLog, wrapperLogPath, st.StateFile, st.Internal.ThrottlingFile})
	if err != nil {
		return fatal(errors.Wrap(err, "could not report wrapper paths"))
	}
	fmt.Println(string(line))

	if daemonize {
		wrapLog.Info("Daemonizing")
		if err := detach(req, caps, host.Tag(), sec.Files()); err != nil {
			wrapLog.WithError(err).Error("Failed to daemonize")
			st.Failed = true
			st.Finished = true
			st.Surface("Failed to daemonize")
			return exitFailed
		}
		return exitOK
	}

	wrapLog.Info("Staying in foreground as requested")
	wrapperlog.EchoToStdout()
	c := &conversion{cfg: cfg, host: host, req: req, caps: caps, st: st, sec: sec}
	return c.run(ctx)
}

// validate checks the back-end independent request keys and applies
// their defaults. Back-end keys are left to the host.
func validate(ctx context.Context, host hosts.Host, req hosts.Request, st *state.Store) error {
	if !req.Has("vm_name") {
		return errors.New("Missing vm_name")
	}

	if !req.Has("transport_method") {
		return errors.New("No transport method specified")
	}
	method := req.String("transport_method")
	if method != "ssh" && method != "vddk" {
		return errors.Errorf("Unknown transport method: %s", method)
	}
	if method == "vddk" {
		for _, key := range []string{
			"vmware_fingerprint",
			"vmware_uri",
			"vmware_password",
		} {
			if !req.Has(key) {
				return errors.Errorf("Missing argument: %s", key)
			}
		}
	}

	if req.Has("network_mappings") {
		mappings, err := req.NetworkMappings()
		if err != nil {
			return errors.New(`"network_mappings" must be an array`)
		}
		for _, mapping := range mappings {
			if mapping.Source == "" || mapping.Destination == "" {
				return errors.New(`Both "source" and "destination" must be provided in network mapping`)
			}
		}
	} else {
		req.Set("network_mappings", []interface{}{})
	}

	if req.Has("virtio_win") {
		req.Set("install_drivers", true)
	}
	if req.Has("install_drivers") {
		if err := host.CheckInstallDrivers(req, st); err != nil {
			return err
		}
	} else {
		req.Set("install_drivers", false)
	}

	return host.Validate(ctx, req)
}

// derivePaths computes the file paths for the run and stores them in
// the state. It returns the wrapper log path.
func derivePaths(cfg *config.Config, host hosts.Host, st *state.Store) (string, error) {
	converterDir, wrapperDir, err := host.LogDirs()
	if err != nil {
		return "", err
	}
	tag := host.Tag()
	st.V2VLog = filepath.Join(converterDir, fmt.Sprintf("v2v-import-%s.log", tag))
	st.MachineReadableLog = filepath.Join(converterDir, fmt.Sprintf("v2v-import-%s-mr.log", tag))
	st.StateFile = filepath.Join(cfg.StateDir, fmt.Sprintf("v2v-import-%s.state", tag))
	st.Internal.ThrottlingFile = filepath.Join(cfg.StateDir, fmt.Sprintf("v2v-import-%s.throttle", tag))
	return filepath.Join(wrapperDir, fmt.Sprintf("v2v-import-%s-wrapper.log", tag)), nil
}

// seedDisks initializes the disk list from the request so that progress
// is reported against the expected disk count from the start.
func seedDisks(req hosts.Request, st *state.Store) error {
	if !req.Has("source_disks") {
		return nil
	}
	disks, err := req.StringList("source_disks")
	if err != nil {
		return errors.New(`"source_disks" must be an array`)
	}
	wrapLog.Debugf("Initializing disk list from %q", disks)
	for _, path := range disks {
		st.Disks = append(st.Disks, state.Disk{Path: path})
	}
	st.DiskCount = len(disks)
	wrapLog.Debugf("Internal disk list: %v", st.Disks)
	return nil
}

// detach hands the conversion over to a copy of the wrapper running as
// session leader, so that this process can return to the caller while
// the conversion continues.
func detach(req hosts.Request, caps []string, tag string, secretFiles []string) error {
	payload, err := json.Marshal(handoff{
		Request:     req,
		Caps:        caps,
		Tag:         tag,
		SecretFiles: secretFiles,
	})
	if err != nil {
		return errors.Wrap(err, "could not encode handoff")
	}
	self, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "could not find wrapper binary")
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "could not open handoff pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "could not start detached wrapper")
	}
	if _, err := stdin.Write(payload); err != nil {
		return errors.Wrap(err, "could not hand over to detached wrapper")
	}
	if err := stdin.Close(); err != nil {
		return errors.Wrap(err, "could not hand over to detached wrapper")
	}
	return cmd.Process.Release()
}

// runDetached continues a conversion in the detached child. The request
// was already validated and the secret files written, the child only
// rebuilds its in-memory surroundings and runs the conversion.
func runDetached(ctx context.Context, cfg *config.Config) int {
	var h handoff
	if err := json.NewDecoder(os.Stdin).Decode(&h); err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "could not parse handoff"))
		return exitFailed
	}
	syscall.Umask(0)
	if err := os.Chdir("/"); err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "could not leave start directory"))
		return exitFailed
	}

	req := h.Request
	typ, err := hosts.Detect(req, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailed
	}
	host, err := hosts.New(typ, hosts.Settings{
		Converter: cfg.VirtV2V,
		Daemonize: true,
		Tag:       h.Tag,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailed
	}

	st := state.New()
	wrapperLogPath, err := derivePaths(cfg, host, st)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailed
	}
	logFile, err := wrapperlog.Configure(wrapperLogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailed
	}
	defer logFile.Close()
	wrapLog.Infof("Continuing detached, pid=%d", os.Getpid())

	// Validation ran before the handoff, a second run only restores the
	// host state derived from the request.
	if err := host.Validate(ctx, req); err != nil {
		wrapLog.WithError(err).Error("Validation failed after handoff")
		st.Failed = true
		st.Finished = true
		st.Surface(err.Error())
		sec := restoreSecrets(host.UID(), host.GID(), h.SecretFiles)
		if rmErr := sec.Remove(); rmErr != nil {
			wrapLog.WithError(rmErr).Error("Error removing password file(s)")
		}
		return exitFailed
	}
	if err := seedDisks(req, st); err != nil {
		wrapLog.WithError(err).Error("Failed to initialize disk list")
	}

	c := &conversion{
		cfg:  cfg,
		host: host,
		req:  req,
		caps: h.Caps,
		st:   st,
		sec:  restoreSecrets(host.UID(), host.GID(), h.SecretFiles),
	}
	return c.run(ctx)
}

// run performs the conversion and the finishing steps: finalization on
// success, cleanup on failure, secret removal always.
func (c *conversion) run(ctx context.Context) int {
	var agent *sshAgent
	if c.req.String("transport_method") == "ssh" {
		var err error
		agent, err = startSSHAgent(c.req, c.host.UID(), c.host.GID())
		if err != nil {
			wrapLog.WithError(err).Error("Failed to start ssh-agent")
			c.st.Failed = true
			c.st.Surface("Failed to start ssh-agent")
		}
	}

	if !c.st.Failed {
		c.convert(ctx, agent)
	}
	if agent != nil {
		agent.kill()
	}

	if !c.st.Failed {
		c.st.Failed = !c.host.Finalize(ctx, c.req, c.st)
	}
	if c.st.Failed {
		wrapLog.Debug("Cleanup phase")
		c.host.Cleanup(ctx, c.req, c.st)
		c.st.Finished = true
		c.writeState()
	}

	wrapLog.Info("Removing password files")
	if err := c.sec.Remove(); err != nil {
		wrapLog.WithError(err).Error("Error removing password file(s)")
		c.st.Surface("Error removing password file(s)")
	}

	c.st.Finished = true
	c.writeState()
	wrapLog.Info("Finished")
	if c.st.Failed {
		return exitFailed
	}
	return exitOK
}

// convert starts the converter and supervises it until it exits.
func (c *conversion) convert(ctx context.Context, agent *sshAgent) {
	sock := ""
	if agent != nil {
		sock = agent.sock
	}
	args, env := prepareCommand(c.cfg, c.req, c.caps, c.st, sock)
	args, env = c.host.BuildArgs(c.req, args, env)

	wrapLog.Info("Starting virt-v2v:")
	wrapperlog.LogCommand(wrapLog, append([]string{c.cfg.VirtV2V}, args...), env)

	run := c.host.CreateRunner(args, env, c.st.V2VLog)
	defer run.Close(ctx)
	if err := run.Run(ctx); err != nil {
		wrapLog.WithError(err).Error("Failed to start virt-v2v")
		c.st.Failed = true
		c.st.Surface("Failed to start virt-v2v")
		return
	}
	c.st.Pid = run.Pid()

	if c.req.Has("throttling") {
		var initial map[string]interface{}
		if err := c.req.Decode("throttling", &initial); err != nil {
			wrapLog.WithError(err).Error("Failed to parse initial throttling")
			c.st.Surface("Failed to parse initial throttling")
		} else {
			c.updateThrottling(ctx, run, initial)
		}
	}

	c.st.Started = true
	c.writeState()

	parser, err := logparser.New(c.st.V2VLog, c.st.MachineReadableLog, !c.st.Daemonize)
	if err == nil {
		defer parser.Close()
		err = c.monitor(ctx, run, parser)
	}
	if err != nil {
		c.st.Failed = true
		wrapLog.WithError(err).Error("Error while monitoring virt-v2v")
		c.st.Surface("Error while monitoring virt-v2v")
		wrapLog.Info("Killing virt-v2v process")
		if killErr := run.Kill(ctx); killErr != nil {
			wrapLog.WithError(killErr).Warning("Failed to kill virt-v2v")
		}
	}

	c.st.ReturnCode = run.ReturnCode(ctx)
	c.writeState()

	if c.st.ReturnCode != nil && *c.st.ReturnCode != 0 {
		c.st.Failed = true
		c.writeState()
	}
}

// monitor refreshes the state file while the converter runs and applies
// throttling limit changes dropped next to it.
func (c *conversion) monitor(ctx context.Context, run runner.Runner, parser *logparser.Parser) error {
	for run.IsRunning(ctx) {
		parser.Parse(c.st)
		if err := c.st.Write(); err != nil {
			return err
		}
		if err := c.host.UpdateProgress(ctx, c.st); err != nil {
			return err
		}
		c.updateThrottlingFromFile(ctx, run)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(monitorInterval):
		}
	}

	if code := run.ReturnCode(ctx); code != nil {
		wrapLog.Infof("virt-v2v terminated with return code %d", *code)
	}
	parser.ParseFinal(c.st)
	return nil
}

func (c *conversion) writeState() {
	if err := c.st.Write(); err != nil {
		wrapLog.WithError(err).Error("Failed to write state")
	}
}
