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

	"github.com/oVirt/v2v-conversion-host/pkg/hosts"
)

func TestSecretsStash(t *testing.T) {
	sec := newSecrets(os.Getuid(), os.Getgid())
	defer sec.Remove()
	req := hosts.Request{
		"vm_name":         "testvm",
		"vmware_password": "secret1",
		"ssh_key":         "PRIVATE KEY",
	}

	require.NoError(t, sec.Stash(req))

	path := req.String("vmware_password_file")
	require.NotEmpty(t, path)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret1", string(content))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	keyPath := req.String("ssh_key_file")
	require.NotEmpty(t, keyPath)
	content, err = os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.Equal(t, "PRIVATE KEY", string(content))

	assert.False(t, req.Has("rhv_password_file"))
	assert.Len(t, sec.Files(), 2)
}

func TestSecretsRemove(t *testing.T) {
	sec := newSecrets(os.Getuid(), os.Getgid())
	req := hosts.Request{"rhv_password": "secret1"}
	require.NoError(t, sec.Stash(req))
	path := req.String("rhv_password_file")
	require.FileExists(t, path)

	require.NoError(t, sec.Remove())

	assert.NoFileExists(t, path)
	assert.Empty(t, sec.Files())
}

func TestSecretsRemoveReportsAll(t *testing.T) {
	sec := restoreSecrets(os.Getuid(), os.Getgid(), []string{
		"/nonexistent/first.v2v",
		"/nonexistent/second.v2v",
	})

	err := sec.Remove()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "first.v2v")
	assert.Contains(t, err.Error(), "second.v2v")
	assert.Empty(t, sec.Files())
}

func writeVault(t *testing.T, perm os.FileMode, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.json")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLUKSKeysLoaded(t *testing.T) {
	vault := writeVault(t, 0o600, `{
		"testvm": [
			{"device": "/dev/sda1", "key": "first"},
			{"device": "/dev/sda2", "key": "second"},
			{"device": "/dev/sda1", "key": "replaced"}
		],
		"othervm": [
			{"device": "/dev/vda1", "key": "unrelated"}
		]
	}`)
	sec := newSecrets(os.Getuid(), os.Getgid())
	defer sec.Remove()
	req := hosts.Request{"vm_name": "testvm", "luks_keys_vault": vault}

	require.NoError(t, sec.LoadLUKSKeys(req))

	keys, err := req.LUKSKeyFiles()
	require.NoError(t, err)
	require.Len(t, keys, 2)

	// The last key recorded for a device wins.
	assert.Equal(t, "/dev/sda1", keys[0].Device)
	content, err := os.ReadFile(keys[0].Filename)
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(content))

	assert.Equal(t, "/dev/sda2", keys[1].Device)
	content, err = os.ReadFile(keys[1].Filename)
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))
}

func TestLUKSVaultMissing(t *testing.T) {
	sec := newSecrets(os.Getuid(), os.Getgid())
	req := hosts.Request{
		"vm_name":         "testvm",
		"luks_keys_vault": filepath.Join(t.TempDir(), "none.json"),
	}

	require.NoError(t, sec.LoadLUKSKeys(req))

	assert.False(t, req.Has("luks_keys_files"))
}

func TestLUKSVaultOtherVM(t *testing.T) {
	vault := writeVault(t, 0o600,
		`{"othervm": [{"device": "/dev/sda1", "key": "k"}]}`)
	sec := newSecrets(os.Getuid(), os.Getgid())
	req := hosts.Request{"vm_name": "testvm", "luks_keys_vault": vault}

	require.NoError(t, sec.LoadLUKSKeys(req))

	assert.False(t, req.Has("luks_keys_files"))
	assert.Empty(t, sec.Files())
}

func TestLUKSVaultOwnership(t *testing.T) {
	vault := writeVault(t, 0o600, `{}`)
	sec := newSecrets(os.Getuid()+1, os.Getgid())
	req := hosts.Request{"vm_name": "testvm", "luks_keys_vault": vault}

	assert.EqualError(t, sec.LoadLUKSKeys(req),
		"LUKS keys vault doesn't belong to user running virt-v2v-wrapper")
}

func TestLUKSVaultPermissions(t *testing.T) {
	sec := newSecrets(os.Getuid(), os.Getgid())

	vault := writeVault(t, 0o604, `{}`)
	req := hosts.Request{"vm_name": "testvm", "luks_keys_vault": vault}
	assert.EqualError(t, sec.LoadLUKSKeys(req),
		"LUKS keys vault is accessible to others")

	vault = writeVault(t, 0o640, `{}`)
	req = hosts.Request{"vm_name": "testvm", "luks_keys_vault": vault}
	assert.EqualError(t, sec.LoadLUKSKeys(req),
		"LUKS keys vault is accessible to group")
}

func TestLUKSVaultInvalid(t *testing.T) {
	vault := writeVault(t, 0o600, "not JSON")
	sec := newSecrets(os.Getuid(), os.Getgid())
	req := hosts.Request{"vm_name": "testvm", "luks_keys_vault": vault}

	err := sec.LoadLUKSKeys(req)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not parse the LUKS keys vault")
}
