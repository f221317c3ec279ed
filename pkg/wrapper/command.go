// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package wrapper

import (
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/oVirt/v2v-conversion-host/pkg/config"
	"github.com/oVirt/v2v-conversion-host/pkg/hosts"
	"github.com/oVirt/v2v-conversion-host/pkg/state"
)

// capabilities probes the converter for its feature list, one capability
// per line.
func capabilities(converter string) ([]string, error) {
	out, err := exec.Command(converter, "--machine-readable").Output()
	if err != nil {
		return nil, errors.Wrap(err, "failed to run virt-v2v")
	}
	return strings.Split(strings.TrimSuffix(string(out), "\n"), "\n"), nil
}

// prepareCommand assembles the target independent converter arguments and
// environment. The back-end appends its own on top of these.
func prepareCommand(cfg *config.Config, req hosts.Request, caps []string, st *state.Store, agentSock string) ([]string, []string) {
	args := []string{
		"-v", "-x",
		req.String("vm_name"),
		"--root", "first",
		"--machine-readable=file:" + st.MachineReadableLog,
	}

	switch req.String("transport_method") {
	case "vddk":
		args = append(args,
			"-i", "libvirt",
			"-ic", req.String("vmware_uri"),
			"-it", "vddk",
			"-io", "vddk-libdir="+cfg.VDDKLibDir,
			"-io", "vddk-thumbprint="+req.String("vmware_fingerprint"),
			"--password-file", req.String("vmware_password_file"),
		)
	case "ssh":
		args = append(args,
			"-i", "vmx",
			"-it", "ssh",
		)
	}

	mappings, err := req.NetworkMappings()
	if err != nil {
		wrapLog.WithError(err).Error("Failed to decode network mappings")
	}
	for _, mapping := range mappings {
		if mapping.MACAddress != "" && slices.Contains(caps, "mac-option") {
			args = append(args, "--mac", fmt.Sprintf("%s:bridge:%s",
				mapping.MACAddress, mapping.Destination))
		} else {
			args = append(args, "--bridge", fmt.Sprintf("%s:%s",
				mapping.Source, mapping.Destination))
		}
	}

	keys, err := req.LUKSKeyFiles()
	if err != nil {
		wrapLog.WithError(err).Error("Failed to decode LUKS keys")
	}
	for _, key := range keys {
		args = append(args, "--key", fmt.Sprintf("%s:file:%s",
			key.Device, key.Filename))
	}

	env := hosts.SetEnv(os.Environ(), "LANG", "C")
	if backend := req.String("backend"); backend != "" {
		if backend == "direct" {
			wrapLog.Debug("Using direct backend. Hack, hack...")
		}
		env = hosts.SetEnv(env, "LIBGUESTFS_BACKEND", backend)
	}
	if virtioWin := req.String("virtio_win"); virtioWin != "" {
		env = hosts.SetEnv(env, "VIRTIO_WIN", virtioWin)
	}
	if agentSock != "" {
		env = hosts.SetEnv(env, "SSH_AUTH_SOCK", agentSock)
	}

	return args, env
}
