// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package wrapper

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/oVirt/v2v-conversion-host/pkg/hosts"
)

// Default LUKS keys vault location, relative to the home directory of the
// user running the wrapper.
const luksVaultName = ".v2v_luks_keys_vault.json"

// secrets materializes password material from the request into files the
// converter identity can read, and removes them when the conversion is
// over.
type secrets struct {
	uid   int
	gid   int
	files []string
}

func newSecrets(uid, gid int) *secrets {
	return &secrets{uid: uid, gid: gid}
}

// restoreSecrets rebuilds the tracking list in the detached child from the
// paths recorded before the handover.
func restoreSecrets(uid, gid int, files []string) *secrets {
	return &secrets{uid: uid, gid: gid, files: files}
}

// write stores one secret in a fresh owner-only file and tracks it for
// removal.
func (s *secrets) write(content string) (string, error) {
	f, err := os.CreateTemp("", "*.v2v")
	if err != nil {
		return "", errors.Wrap(err, "could not create secret file")
	}
	s.files = append(s.files, f.Name())
	if err := f.Chown(s.uid, s.gid); err != nil {
		f.Close()
		return "", errors.Wrap(err, "could not hand over secret file")
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", errors.Wrap(err, "could not write secret file")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "could not write secret file")
	}
	return f.Name(), nil
}

// Stash moves the passwords out of the request into secret files, leaving
// the file path under the corresponding _file key.
func (s *secrets) Stash(req hosts.Request) error {
	for _, secret := range []struct{ key, fileKey string }{
		{"vmware_password", "vmware_password_file"},
		{"rhv_password", "rhv_password_file"},
		{"ssh_key", "ssh_key_file"},
	} {
		if !req.Has(secret.key) {
			continue
		}
		path, err := s.write(req.String(secret.key))
		if err != nil {
			return err
		}
		req.Set(secret.fileKey, path)
	}
	return nil
}

// LoadLUKSKeys reads the LUKS keys vault and materializes the keys for the
// VM being converted under the luks_keys_files request key. The vault must
// belong to the converter identity and be inaccessible to anybody else.
func (s *secrets) LoadLUKSKeys(req hosts.Request) error {
	vault := req.String("luks_keys_vault")
	if vault == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "could not locate the LUKS keys vault")
		}
		vault = filepath.Join(home, luksVaultName)
	}

	info, err := os.Stat(vault)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "could not access the LUKS keys vault")
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && int(stat.Uid) != s.uid {
		return errors.New("LUKS keys vault doesn't belong to user running virt-v2v-wrapper")
	}
	if info.Mode().Perm()&0o007 != 0 {
		return errors.New("LUKS keys vault is accessible to others")
	}
	if info.Mode().Perm()&0o070 != 0 {
		return errors.New("LUKS keys vault is accessible to group")
	}

	content, err := os.ReadFile(vault)
	if err != nil {
		return errors.Wrap(err, "could not read the LUKS keys vault")
	}
	var db map[string][]struct {
		Device string `json:"device"`
		Key    string `json:"key"`
	}
	if err := json.Unmarshal(content, &db); err != nil {
		return errors.Wrap(err, "could not parse the LUKS keys vault")
	}
	records, ok := db[req.String("vm_name")]
	if !ok {
		return nil
	}

	// The last key recorded for a device wins.
	keyByDevice := make(map[string]string, len(records))
	var devices []string
	for _, record := range records {
		if _, ok := keyByDevice[record.Device]; !ok {
			devices = append(devices, record.Device)
		}
		keyByDevice[record.Device] = record.Key
	}

	keys := make([]hosts.LUKSKeyFile, 0, len(devices))
	for _, device := range devices {
		path, err := s.write(keyByDevice[device])
		if err != nil {
			return err
		}
		keys = append(keys, hosts.LUKSKeyFile{Device: device, Filename: path})
	}
	req.Set("luks_keys_files", keys)
	return nil
}

// Files returns the paths of all written secret files, for the handover to
// the detached child.
func (s *secrets) Files() []string {
	return s.files
}

// Remove deletes all tracked secret files. Every file is attempted even
// when some removals fail.
func (s *secrets) Remove() error {
	var result *multierror.Error
	for _, path := range s.files {
		if err := os.Remove(path); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.files = nil
	return result.ErrorOrNil()
}
