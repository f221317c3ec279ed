// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package wrapper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oVirt/v2v-conversion-host/pkg/config"
	"github.com/oVirt/v2v-conversion-host/pkg/hosts"
	"github.com/oVirt/v2v-conversion-host/pkg/state"
)

func TestCapabilities(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-virt-v2v")
	err := os.WriteFile(script,
		[]byte("#!/bin/sh\necho virt-v2v\necho mac-option\n"), 0o755)
	require.NoError(t, err)

	caps, err := capabilities(script)
	require.NoError(t, err)
	assert.Equal(t, []string{"virt-v2v", "mac-option"}, caps)
}

func TestCapabilitiesError(t *testing.T) {
	_, err := capabilities(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func commandState() *state.Store {
	st := state.New()
	st.MachineReadableLog = "/tmp/v2v-mr.log"
	return st
}

func TestPrepareCommandVDDK(t *testing.T) {
	cfg := &config.Config{VDDKLibDir: "/opt/vmware-vix-disklib-distrib"}
	req := hosts.Request{
		"vm_name":              "testvm",
		"transport_method":     "vddk",
		"vmware_uri":           "esx://root@esx.example.com",
		"vmware_fingerprint":   "01:23:45:67",
		"vmware_password_file": "/tmp/pwfile",
	}

	args, env := prepareCommand(cfg, req, nil, commandState(), "")

	assert.Equal(t, []string{
		"-v", "-x",
		"testvm",
		"--root", "first",
		"--machine-readable=file:/tmp/v2v-mr.log",
		"-i", "libvirt",
		"-ic", "esx://root@esx.example.com",
		"-it", "vddk",
		"-io", "vddk-libdir=/opt/vmware-vix-disklib-distrib",
		"-io", "vddk-thumbprint=01:23:45:67",
		"--password-file", "/tmp/pwfile",
	}, args)
	assert.Contains(t, env, "LANG=C")
	assert.False(t, hosts.HasEnv(env, "SSH_AUTH_SOCK"))
}

func TestPrepareCommandSSH(t *testing.T) {
	cfg := config.Default()
	req := hosts.Request{
		"vm_name":          "testvm",
		"transport_method": "ssh",
	}

	args, env := prepareCommand(cfg, req, nil, commandState(), "/run/user/0/agent.sock")

	assert.Equal(t, []string{
		"-v", "-x",
		"testvm",
		"--root", "first",
		"--machine-readable=file:/tmp/v2v-mr.log",
		"-i", "vmx",
		"-it", "ssh",
	}, args)
	assert.Contains(t, env, "SSH_AUTH_SOCK=/run/user/0/agent.sock")
}

func TestPrepareCommandNetworkMappings(t *testing.T) {
	cfg := config.Default()
	req := hosts.Request{
		"vm_name":          "testvm",
		"transport_method": "ssh",
		"network_mappings": []interface{}{
			map[string]interface{}{
				"source":      "VM Network",
				"destination": "ovirtmgmt",
				"mac_address": "00:11:22:33:44:55",
			},
			map[string]interface{}{
				"source":      "Other Network",
				"destination": "other",
			},
		},
	}

	// With the mac-option capability the NIC pinned mapping uses --mac.
	args, _ := prepareCommand(cfg, req, []string{"mac-option"}, commandState(), "")
	assert.Contains(t, args, "--mac")
	assert.Contains(t, args, "00:11:22:33:44:55:bridge:ovirtmgmt")
	assert.Contains(t, args, "--bridge")
	assert.Contains(t, args, "Other Network:other")

	// Without it every mapping falls back to --bridge.
	args, _ = prepareCommand(cfg, req, nil, commandState(), "")
	assert.NotContains(t, args, "--mac")
	assert.Contains(t, args, "VM Network:ovirtmgmt")
	assert.Contains(t, args, "Other Network:other")
}

func TestPrepareCommandLUKSKeys(t *testing.T) {
	cfg := config.Default()
	req := hosts.Request{
		"vm_name":          "testvm",
		"transport_method": "ssh",
		"luks_keys_files": []hosts.LUKSKeyFile{
			{Device: "/dev/sda1", Filename: "/tmp/key1.v2v"},
		},
	}

	args, _ := prepareCommand(cfg, req, nil, commandState(), "")

	assert.Contains(t, args, "--key")
	assert.Contains(t, args, "/dev/sda1:file:/tmp/key1.v2v")
}

func TestPrepareCommandEnvironment(t *testing.T) {
	cfg := config.Default()
	req := hosts.Request{
		"vm_name":          "testvm",
		"transport_method": "ssh",
		"backend":          "direct",
		"virtio_win":       "/usr/share/virtio-win/virtio-win.iso",
	}

	_, env := prepareCommand(cfg, req, nil, commandState(), "")

	assert.Contains(t, env, "LANG=C")
	assert.Contains(t, env, "LIBGUESTFS_BACKEND=direct")
	assert.Contains(t, env, "VIRTIO_WIN=/usr/share/virtio-win/virtio-win.iso")
}
