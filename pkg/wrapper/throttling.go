// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package wrapper

import (
	"context"
	"encoding/json"
	"os"
	"regexp"
	"sort"

	"github.com/oVirt/v2v-conversion-host/pkg/runner"
)

var (
	throttlingCPURe     = regexp.MustCompile(`^([+0-9]+)%?$`)
	throttlingNetworkRe = regexp.MustCompile(`^([+0-9]+)$`)
)

// updateThrottlingFromFile picks up new throttling limits dropped next to
// the state file. The file is consumed on every successful read, whether
// or not its content parses.
func (c *conversion) updateThrottlingFromFile(ctx context.Context, run runner.Runner) {
	path := c.st.Internal.ThrottlingFile
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		wrapLog.WithError(err).Error("Failed to read throttling file")
		c.st.Surface("Failed to read throttling file")
		return
	}
	if err := os.Remove(path); err != nil {
		wrapLog.WithError(err).Warning("Failed to remove throttling file")
	}
	wrapLog.Info("Fetched updated throttling info from file")

	var limits map[string]interface{}
	if err := json.Unmarshal(content, &limits); err != nil {
		wrapLog.WithError(err).Error("Failed to read throttling file")
		c.st.Surface("Failed to read throttling file")
		return
	}
	c.updateThrottling(ctx, run, limits)
}

// updateThrottling validates the requested limits and applies the ones
// that changed. Invalid values are reported and skipped, valid ones are
// still applied.
func (c *conversion) updateThrottling(ctx context.Context, run runner.Runner, limits map[string]interface{}) {
	systemd, ok := run.(*runner.SystemdRunner)
	if !ok {
		wrapLog.Warning("Not applying throttling because virt-v2v is not in systemd unit")
		return
	}

	keys := make([]string, 0, len(limits))
	for key := range limits {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		switch key {
		case "cpu":
			var val, setVal string
			switch limit := limits[key].(type) {
			case nil:
				val, setVal = "unlimited", ""
			case string:
				if limit == "unlimited" {
					val, setVal = "unlimited", ""
					break
				}
				m := throttlingCPURe.FindStringSubmatch(limit)
				if m == nil {
					wrapLog.Errorf("Failed to parse value for CPU limit: %v", limit)
					c.st.Surface("Failed to parse value for CPU limit")
					continue
				}
				val = m[1] + "%"
				setVal = val
			default:
				wrapLog.Errorf("Failed to parse value for CPU limit: %v", limit)
				c.st.Surface("Failed to parse value for CPU limit")
				continue
			}
			if c.st.Throttling.CPU != nil && *c.st.Throttling.CPU == val {
				wrapLog.Debugf("CPU limit already at %s", val)
				continue
			}
			if systemd.SetProperty(ctx, "CPUQuota", setVal) {
				c.st.Throttling.CPU = &val
			} else {
				wrapLog.Errorf("Failed to set CPU limit to %s", val)
				c.st.Surface("Failed to set CPU limit")
			}
		case "network":
			var val, setVal string
			switch limit := limits[key].(type) {
			case nil:
				val, setVal = "unlimited", "unlimited"
			case string:
				if limit == "unlimited" {
					val, setVal = "unlimited", "unlimited"
					break
				}
				m := throttlingNetworkRe.FindStringSubmatch(limit)
				if m == nil {
					wrapLog.Errorf("Failed to parse value for network limit: %v", limit)
					c.st.Surface("Failed to parse value for network limit")
					continue
				}
				val = m[1]
				setVal = val
			default:
				wrapLog.Errorf("Failed to parse value for network limit: %v", limit)
				c.st.Surface("Failed to parse value for network limit")
				continue
			}
			if c.st.Throttling.Network != nil && *c.st.Throttling.Network == val {
				wrapLog.Debugf("Network limit already at %s", val)
				continue
			}
			previous := limitLabel(c.st.Throttling.Network)
			if systemd.SetNetworkLimit(setVal) {
				wrapLog.Debugf("Changing network throttling to %s (previous: %s)", val, previous)
				c.st.Throttling.Network = &val
			} else {
				wrapLog.Errorf("Failed to set network limit to %s", val)
				c.st.Surface("Failed to set network limit")
			}
		default:
			wrapLog.Debugf("Ignoring unknown throttling request: %s", key)
		}
	}

	wrapLog.Infof("New throttling setup: cpu=%s, network=%s",
		limitLabel(c.st.Throttling.CPU), limitLabel(c.st.Throttling.Network))
}

func limitLabel(limit *string) string {
	if limit == nil {
		return "<none>"
	}
	return *limit
}
