// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package runner starts and supervises the virt-v2v process. The plain
// subprocess runner is used where the wrapper already runs in the right
// context (e.g. inside a pod), the systemd runner launches the converter
// as a transient unit that can be throttled while it runs.
package runner

import (
	"context"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var runnerLog = logrus.WithField("source", "runner")

// Runner drives a single converter process.
type Runner interface {
	// Run starts the converter. The converter output is redirected to
	// the log file given at construction.
	Run(ctx context.Context) error

	// IsRunning reports whether the converter is still running.
	IsRunning(ctx context.Context) bool

	// Kill stops the converter.
	Kill(ctx context.Context) error

	// Pid returns the converter process id, valid after Run.
	Pid() int

	// ReturnCode returns the converter exit status, or nil while it is
	// still running.
	ReturnCode(ctx context.Context) *int

	// Close releases resources held for the conversion. To be called
	// once after the converter exited.
	Close(ctx context.Context)
}

// SubprocessRunner runs the converter as a direct child process.
type SubprocessRunner struct {
	converter string
	args      []string
	env       []string
	logPath   string

	cmd    *exec.Cmd
	waited chan struct{}
	code   int
}

// NewSubprocess returns a runner that executes converter with args and
// env, writing all converter output to logPath.
func NewSubprocess(converter string, args, env []string, logPath string) *SubprocessRunner {
	return &SubprocessRunner{
		converter: converter,
		args:      args,
		env:       env,
		logPath:   logPath,
	}
}

// Run starts the converter and collects its exit status in the
// background.
func (r *SubprocessRunner) Run(ctx context.Context) error {
	log, err := openLog(r.logPath)
	if err != nil {
		return err
	}

	cmd := exec.Command(r.converter, r.args...)
	cmd.Env = r.env
	cmd.Stdout = log
	cmd.Stderr = log

	if err := cmd.Start(); err != nil {
		log.Close()
		return errors.Wrap(err, "failed to start virt-v2v")
	}
	log.Close()

	r.cmd = cmd
	r.waited = make(chan struct{})
	go func() {
		r.code = exitStatus(cmd.Wait())
		close(r.waited)
	}()

	return nil
}

// IsRunning reports whether the converter has exited yet.
func (r *SubprocessRunner) IsRunning(ctx context.Context) bool {
	select {
	case <-r.waited:
		return false
	default:
		return true
	}
}

// Kill forcibly terminates the converter.
func (r *SubprocessRunner) Kill(ctx context.Context) error {
	return r.cmd.Process.Kill()
}

// Pid returns the converter process id.
func (r *SubprocessRunner) Pid() int {
	return r.cmd.Process.Pid
}

// ReturnCode returns the exit status once the converter exited.
func (r *SubprocessRunner) ReturnCode(ctx context.Context) *int {
	select {
	case <-r.waited:
		return &r.code
	default:
		return nil
	}
}

// Close is a no-op, the background wait already reaped the process.
func (r *SubprocessRunner) Close(ctx context.Context) {
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func openLog(path string) (*os.File, error) {
	log, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create virt-v2v log")
	}
	return log, nil
}
