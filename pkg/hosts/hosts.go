// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package hosts selects and drives the conversion host back-end. A host
// knows the identity to run the converter under, the target specific
// converter arguments, and how to finalize a conversion on the target
// platform or clean up after a failed one.
package hosts

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/oVirt/v2v-conversion-host/pkg/runner"
	"github.com/oVirt/v2v-conversion-host/pkg/state"
)

var hostLog = logrus.WithField("source", "host")

// Operations against the target platform have to finish within this
// deadline. It bounds the wait for disk removal during cleanup and for
// volumes becoming available during finalization.
const apiTimeout = 300 * time.Second

// Type identifies a conversion host back-end.
type Type string

const (
	// TypeVDSM is an oVirt/RHV host. The target is either an image
	// upload to a data domain or an export domain.
	TypeVDSM Type = "vdsm"

	// TypeOSP is an OpenStack conversion appliance, the guest disks
	// become Cinder volumes.
	TypeOSP Type = "osp"

	// TypeCNV is a pod on a KubeVirt cluster, the converter output
	// stays on a local volume.
	TypeCNV Type = "cnv"
)

// Host is the back-end specific part of a conversion.
type Host interface {
	// Tag uniquely identifies the run. It is part of every file name
	// the wrapper creates.
	Tag() string

	// UID and GID tell under which identity the converter runs.
	UID() int
	GID() int

	// LogDirs returns the directory for the converter logs and the
	// directory for the wrapper log.
	LogDirs() (converter string, wrapper string, err error)

	// Validate checks the request and fills in back-end defaults. It
	// may contact the target platform to infer them.
	Validate(ctx context.Context, req Request) error

	// CheckInstallDrivers resolves the guest tools ISO when driver
	// installation was requested.
	CheckInstallDrivers(req Request, st *state.Store) error

	// BuildArgs appends the target specific converter arguments and
	// adjusts the converter environment.
	BuildArgs(req Request, args []string, env []string) ([]string, []string)

	// CreateRunner returns the runner that supervises the converter.
	CreateRunner(args []string, env []string, logPath string) runner.Runner

	// Finalize creates the virtual machine on the target after a
	// successful conversion. It reports whether it succeeded.
	Finalize(ctx context.Context, req Request, st *state.Store) bool

	// Cleanup removes partially created target resources after a
	// failed conversion.
	Cleanup(ctx context.Context, req Request, st *state.Store)

	// UpdateProgress publishes the conversion progress. Called on
	// every monitor tick.
	UpdateProgress(ctx context.Context, st *state.Store) error
}

// Settings carries the wrapper level knobs the back-ends need.
type Settings struct {
	// Converter is the path to the virt-v2v binary.
	Converter string

	// Daemonize selects the systemd runner on back-ends that support
	// it.
	Daemonize bool

	// Tag overrides the generated run tag. Used when the daemonized
	// child must keep the identity chosen by its parent.
	Tag string
}

// Detect picks the back-end type from the request shape.
func Detect(req Request, daemonize bool) (Type, error) {
	switch {
	case req.Has("export_domain") || req.Has("rhv_url"):
		return TypeVDSM, nil
	case req.Has("osp_environment"):
		return TypeOSP, nil
	case !daemonize:
		return TypeCNV, nil
	}
	return "", errors.New("cannot detect conversion host type")
}

// New builds the back-end of the given type.
func New(typ Type, settings Settings) (Host, error) {
	if settings.Tag == "" {
		settings.Tag = fmt.Sprintf("%s-%d",
			time.Now().Format("20060102T150405"), os.Getpid())
	}
	switch typ {
	case TypeVDSM:
		return newVDSM(settings), nil
	case TypeOSP:
		return newOSP(settings), nil
	case TypeCNV:
		return newCNV(settings)
	}
	return nil, errors.Errorf("cannot build host of type %q", typ)
}

// base carries the behavior shared by all back-ends.
type base struct {
	settings Settings
}

func (b *base) Tag() string {
	return b.settings.Tag
}

func (b *base) UID() int {
	return os.Geteuid()
}

func (b *base) GID() int {
	return os.Getegid()
}

func (b *base) LogDirs() (string, string, error) {
	return "/tmp", "/tmp", nil
}

func (b *base) CheckInstallDrivers(req Request, st *state.Store) error {
	return nil
}

func (b *base) BuildArgs(req Request, args, env []string) ([]string, []string) {
	return args, env
}

func (b *base) Finalize(ctx context.Context, req Request, st *state.Store) bool {
	return true
}

func (b *base) Cleanup(ctx context.Context, req Request, st *state.Store) {
}

func (b *base) UpdateProgress(ctx context.Context, st *state.Store) error {
	return nil
}

// surface logs the message and records it as the last user visible error
// in the state file. Only the first error the user should act on belongs
// here, details go to the log.
func surface(st *state.Store, message string) {
	hostLog.Error(message)
	st.Surface(message)
}

// SetEnv sets name to value in an environment list, replacing any
// existing entry.
func SetEnv(env []string, name, value string) []string {
	prefix := name + "="
	for i, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// DropEnv removes name from an environment list.
func DropEnv(env []string, name string) []string {
	prefix := name + "="
	kept := env[:0]
	for _, entry := range env {
		if !strings.HasPrefix(entry, prefix) {
			kept = append(kept, entry)
		}
	}
	return kept
}

// HasEnv reports whether name is set in an environment list.
func HasEnv(env []string, name string) bool {
	prefix := name + "="
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			return true
		}
	}
	return false
}
