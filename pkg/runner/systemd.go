// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package runner

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/oVirt/v2v-conversion-host/pkg/tc"
)

// unitNameRe extracts the transient unit name from systemd-run output.
// Old systemd versions print "Running as unit run-1234.service.", newer
// ones quote the name and use a "run-r..." form.
var unitNameRe = regexp.MustCompile(`\b(run-r?[0-9a-f]+\.service)\b`)

const (
	pidAttempts = 5
	pidDelay    = 5 * time.Second
)

// Identity describes the account the converter runs under and the tag
// naming its throttling resources.
type Identity interface {
	Tag() string
	UID() int
	GID() int
}

// SystemdRunner launches the converter as a transient systemd unit inside
// a net_cls cgroup, which makes CPU and network throttling of the running
// conversion possible.
type SystemdRunner struct {
	identity  Identity
	converter string
	args      []string
	env       []string
	logPath   string

	conn        *systemdDbus.Conn
	tc          *tc.Controller
	unit        string
	pid         int
	code        *int
	resetFailed bool
}

// NewSystemd returns a runner executing converter with args and env as a
// transient unit owned by identity, with all converter output redirected
// to logPath.
func NewSystemd(identity Identity, converter string, args, env []string, logPath string) *SystemdRunner {
	return &SystemdRunner{
		identity:  identity,
		converter: converter,
		args:      args,
		env:       env,
		logPath:   logPath,
	}
}

// Run prepares traffic shaping, starts the transient unit and waits for
// the converter PID to appear.
func (r *SystemdRunner) Run(ctx context.Context) error {
	tcController, err := tc.New(r.identity.Tag(), r.identity.UID(), r.identity.GID())
	if err != nil {
		return err
	}
	r.tc = tcController

	unit := []string{
		"systemd-run",
		"--description=virt-v2v conversion",
		fmt.Sprintf("--uid=%d", r.identity.UID()),
		fmt.Sprintf("--gid=%d", r.identity.GID()),
	}
	for _, kv := range r.env {
		unit = append(unit, "--setenv="+kv)
	}
	unit = append(unit,
		"cgexec", "-g", "net_cls:"+tcController.CgroupPath(),
		"/bin/sh", "-c",
		fmt.Sprintf(`exec "%s" "$@" > "%s" 2>&1`, r.converter, r.logPath),
		r.converter) // First argument is command name
	runnerLog.Infof("systemd-run invocation: %q", unit)
	unit = append(unit, r.args...)

	output, runErr := exec.Command(unit[0], unit[1:]...).CombinedOutput()
	runnerLog.Infof("systemd-run returned: %s", output)
	m := unitNameRe.FindSubmatch(output)
	if m == nil {
		if runErr != nil {
			return errors.Wrapf(runErr,
				"failed to find service name in output %q", output)
		}
		return errors.Errorf("failed to find service name in output %q", output)
	}
	r.unit = string(m[1])

	conn, err := systemdDbus.NewWithContext(ctx)
	if err != nil {
		return errors.Wrap(err, "could not connect to systemd")
	}
	r.conn = conn

	runnerLog.Info("Waiting for PID...")
	var pid uint32
	for i := 0; i < pidAttempts; i++ {
		property, err := conn.GetServicePropertyContext(ctx, r.unit, "ExecMainPID")
		if err != nil {
			runnerLog.WithError(err).Warning(
				"Failed to get ExecMainPID for virt-v2v service from systemd")
		} else if value, ok := property.Value.Value().(uint32); ok && value != 0 {
			pid = value
			break
		}
		time.Sleep(pidDelay)
	}
	if pid == 0 {
		return errors.New("failed to get PID for virt-v2v process")
	}
	runnerLog.Infof("Running with PID: %d", pid)
	r.pid = int(pid)

	return nil
}

// IsRunning reports whether the transient unit is still active.
func (r *SystemdRunner) IsRunning(ctx context.Context) bool {
	property, err := r.conn.GetUnitPropertyContext(ctx, r.unit, "ActiveState")
	if err != nil {
		runnerLog.WithError(err).Warning(
			"Failed to get ActiveState for virt-v2v service from systemd")
		return false
	}
	state, _ := property.Value.Value().(string)
	return state == "active"
}

// Kill sends SIGTERM to all processes of the unit.
func (r *SystemdRunner) Kill(ctx context.Context) error {
	err := r.conn.KillUnitWithTarget(ctx, r.unit, systemdDbus.All,
		int32(syscall.SIGTERM))
	if err != nil {
		return errors.Wrap(err, "failed to kill virt-v2v unit")
	}
	return nil
}

// Pid returns the converter process id.
func (r *SystemdRunner) Pid() int {
	return r.pid
}

// ReturnCode returns the converter exit status once the unit went
// inactive. A return of -1 means the status could not be determined.
func (r *SystemdRunner) ReturnCode(ctx context.Context) *int {
	if r.code != nil {
		return r.code
	}
	if r.IsRunning(ctx) {
		return nil
	}

	code := -1
	property, err := r.conn.GetServicePropertyContext(ctx, r.unit, "ExecMainStatus")
	if err != nil {
		runnerLog.WithError(err).Error(
			"Failed to get ExecMainStatus for virt-v2v service from systemd")
	} else if value, ok := property.Value.Value().(int32); ok {
		code = int(value)
	} else {
		runnerLog.Errorf("Unexpected ExecMainStatus value: %v", property.Value)
	}
	if code != 0 {
		// Clean up the failed unit on Close, otherwise it stays
		// around in systemctl listings forever.
		r.resetFailed = true
	}

	r.code = &code
	return r.code
}

// SetProperty applies a systemd resource property to the running unit.
// Returns true when the property was accepted.
func (r *SystemdRunner) SetProperty(ctx context.Context, name, value string) bool {
	switch name {
	case "CPUQuota":
		usec, err := cpuQuotaUSec(value)
		if err != nil {
			runnerLog.WithError(err).Errorf("Cannot parse CPU quota %q", value)
			return false
		}
		property := systemdDbus.Property{
			Name:  "CPUQuotaPerSecUSec",
			Value: dbus.MakeVariant(usec),
		}
		err = r.conn.SetUnitPropertiesContext(ctx, r.unit, true, property)
		if err != nil {
			runnerLog.WithError(err).Errorf(
				"Failed to set systemd property %q", name)
			return false
		}
		return true
	default:
		runnerLog.Errorf("Unsupported systemd property %q", name)
		return false
	}
}

// SetNetworkLimit changes the network rate limit of the conversion, in
// bytes per second.
func (r *SystemdRunner) SetNetworkLimit(limit string) bool {
	if r.tc == nil {
		return false
	}
	return r.tc.SetLimit(limit)
}

// Close reverts traffic shaping and drops the unit from the failed list
// if needed.
func (r *SystemdRunner) Close(ctx context.Context) {
	if r.resetFailed && r.conn != nil {
		if err := r.conn.ResetFailedUnitContext(ctx, r.unit); err != nil {
			runnerLog.WithError(err).Warningf(
				"Ignoring failed reset of unit %s", r.unit)
		}
	}
	if r.tc != nil {
		r.tc.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

// cpuQuotaUSec converts a CPU quota in percent ("50%") into the per
// second CPU time systemd expects. An empty value lifts the quota.
func cpuQuotaUSec(value string) (uint64, error) {
	if value == "" {
		// USEC_INFINITY
		return math.MaxUint64, nil
	}
	percent, err := strconv.ParseUint(strings.TrimSuffix(value, "%"), 10, 32)
	if err != nil {
		return 0, err
	}
	return percent * 10000, nil
}
