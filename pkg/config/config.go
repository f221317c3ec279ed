// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config loads the optional wrapper configuration file. All values
// have built-in defaults matching the stock conversion host layout, so the
// file only needs to exist on hosts that deviate from it.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// confPathEnv overrides the configuration file location, mainly for tests.
const confPathEnv = "VIRT_V2V_WRAPPER_CONF"

const defaultConfigPath = "/etc/virt-v2v-wrapper/virt-v2v-wrapper.toml"

const (
	// DefaultStateDir is where state files, log files and the throttling
	// drop-file are created unless configured otherwise.
	DefaultStateDir = "/tmp"

	// DefaultVirtV2V is the converter binary path.
	DefaultVirtV2V = "/usr/bin/virt-v2v"

	// DefaultVDDKLibDir is where the VMware VDDK library is unpacked.
	DefaultVDDKLibDir = "/opt/vmware-vix-disklib-distrib"
)

type tomlConfig struct {
	Paths paths `toml:"paths"`
}

type paths struct {
	StateDir   string `toml:"state_dir"`
	VirtV2V    string `toml:"virt_v2v"`
	VDDKLibDir string `toml:"vddk_lib_dir"`
}

// Config carries the effective wrapper settings.
type Config struct {
	StateDir   string
	VirtV2V    string
	VDDKLibDir string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir:   DefaultStateDir,
		VirtV2V:    DefaultVirtV2V,
		VDDKLibDir: DefaultVDDKLibDir,
	}
}

// Load reads the wrapper configuration file. A missing file is not an
// error, the defaults apply. A file that exists but cannot be parsed is.
func Load() (*Config, error) {
	path := os.Getenv(confPathEnv)
	if path == "" {
		path = defaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile reads the configuration from path, filling in defaults for
// every value the file does not set.
func LoadFile(path string) (*Config, error) {
	config := Default()

	configData, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, errors.Wrapf(err, "could not read configuration file %q", path)
	}

	var tomlConf tomlConfig
	if _, err := toml.Decode(string(configData), &tomlConf); err != nil {
		return nil, errors.Wrapf(err, "could not parse configuration file %q", path)
	}

	if tomlConf.Paths.StateDir != "" {
		config.StateDir = tomlConf.Paths.StateDir
	}
	if tomlConf.Paths.VirtV2V != "" {
		config.VirtV2V = tomlConf.Paths.VirtV2V
	}
	if tomlConf.Paths.VDDKLibDir != "" {
		config.VDDKLibDir = tomlConf.Paths.VDDKLibDir
	}

	return config, nil
}
