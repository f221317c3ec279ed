// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package wrapper

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/blang/semver/v4"

	"github.com/oVirt/v2v-conversion-host/pkg/hosts"
	"github.com/oVirt/v2v-conversion-host/pkg/state"
)

const (
	minVDSMVersion = "4.20.31"
	minRHVVersion  = "4.2.4"
)

// checks are the conversion host sanity checks exposed on the command
// line. Every check prints its findings and reports a verdict.
var checks = []struct {
	name string
	run  func() bool
}{
	{"rhv-guest-tools", checkGuestTools},
	{"rhv-version", checkRHVVersion},
}

// CheckNames lists the available sanity checks.
func CheckNames() []string {
	names := make([]string, len(checks))
	for i, check := range checks {
		names[i] = check.name
	}
	return names
}

// RunCheck runs the named sanity check. Unknown names fail.
func RunCheck(name string) bool {
	for _, check := range checks {
		if check.name == name {
			return check.run()
		}
	}
	wrapLog.Errorf("Unknown check: %s", name)
	return false
}

// checkGuestTools reports whether an ISO with Windows guest tools can be
// found on some ISO storage domain.
func checkGuestTools() bool {
	host, err := hosts.New(hosts.TypeVDSM, hosts.Settings{})
	if err != nil {
		wrapLog.WithError(err).Error("Failed to initialize host")
		return false
	}
	req := hosts.Request{"install_drivers": true}
	if err := host.CheckInstallDrivers(req, state.New()); err != nil {
		wrapLog.WithError(err).Error("Failed to locate guest tools ISO")
		return false
	}
	return req.Has("virtio_win")
}

// checkRHVVersion reports whether the VDSM on this host is recent enough
// to run conversions.
func checkRHVVersion() bool {
	out, err := exec.Command("rpm", "-q", "--queryformat", "%{VERSION}", "vdsm").Output()
	if err != nil {
		wrapLog.WithError(err).Error("Failed to query VDSM version")
		fmt.Printf("Minimal required oVirt/RHV version is %s\n", minRHVVersion)
		return false
	}
	version, err := semver.ParseTolerant(strings.TrimSpace(string(out)))
	if err != nil {
		wrapLog.WithError(err).Errorf("Failed to parse VDSM version: %s", out)
		fmt.Printf("Minimal required oVirt/RHV version is %s\n", minRHVVersion)
		return false
	}
	if version.GE(semver.MustParse(minVDSMVersion)) {
		return true
	}
	fmt.Printf("Version of VDSM on the host: %s\n", version)
	fmt.Printf("Minimal required oVirt/RHV version is %s\n", minRHVVersion)
	return false
}
