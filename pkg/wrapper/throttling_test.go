// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package wrapper

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oVirt/v2v-conversion-host/pkg/runner"
	"github.com/oVirt/v2v-conversion-host/pkg/state"
)

func throttledConversion(t *testing.T) *conversion {
	t.Helper()
	st := state.New()
	dir := t.TempDir()
	st.StateFile = filepath.Join(dir, "test.state")
	st.Internal.ThrottlingFile = filepath.Join(dir, "v2v.throttle")
	return &conversion{st: st}
}

func systemdRunner() *runner.SystemdRunner {
	return runner.NewSystemd(&testHost{}, "/usr/bin/virt-v2v", nil, nil, "/tmp/v2v.log")
}

func TestThrottlingNotSystemd(t *testing.T) {
	c := throttledConversion(t)
	run := runner.NewSubprocess("/usr/bin/virt-v2v", nil, nil, "/tmp/v2v.log")

	c.updateThrottling(context.Background(), run, map[string]interface{}{"cpu": "50"})

	assert.Nil(t, c.st.Throttling.CPU)
	assert.Nil(t, c.st.Throttling.Network)
	assert.Nil(t, c.st.LastMessage)
}

func TestThrottlingParseErrors(t *testing.T) {
	cases := map[string]struct {
		limits  map[string]interface{}
		message string
	}{
		"cpu made up": {
			limits:  map[string]interface{}{"cpu": "moar!"},
			message: "Failed to parse value for CPU limit",
		},
		"cpu wrong type": {
			limits:  map[string]interface{}{"cpu": 50.0},
			message: "Failed to parse value for CPU limit",
		},
		"network made up": {
			limits:  map[string]interface{}{"network": "fast"},
			message: "Failed to parse value for network limit",
		},
		"network with unit": {
			limits:  map[string]interface{}{"network": "100MB"},
			message: "Failed to parse value for network limit",
		},
	}
	for name, test := range cases {
		t.Run(name, func(t *testing.T) {
			c := throttledConversion(t)

			c.updateThrottling(context.Background(), systemdRunner(), test.limits)

			assert.Nil(t, c.st.Throttling.CPU)
			assert.Nil(t, c.st.Throttling.Network)
			require.NotNil(t, c.st.LastMessage)
			assert.Equal(t, test.message, c.st.LastMessage.Message)
		})
	}
}

func TestThrottlingUnchangedValues(t *testing.T) {
	c := throttledConversion(t)
	cpu := "50%"
	network := "1000"
	c.st.Throttling.CPU = &cpu
	c.st.Throttling.Network = &network

	c.updateThrottling(context.Background(), systemdRunner(), map[string]interface{}{
		"cpu":     "50",
		"network": "1000",
	})

	assert.Equal(t, "50%", *c.st.Throttling.CPU)
	assert.Equal(t, "1000", *c.st.Throttling.Network)
	assert.Nil(t, c.st.LastMessage)
}

func TestThrottlingUnlimitedUnchanged(t *testing.T) {
	c := throttledConversion(t)
	cpu := "unlimited"
	c.st.Throttling.CPU = &cpu

	// A JSON null means the same as "unlimited".
	c.updateThrottling(context.Background(), systemdRunner(), map[string]interface{}{
		"cpu": nil,
	})

	assert.Equal(t, "unlimited", *c.st.Throttling.CPU)
	assert.Nil(t, c.st.LastMessage)
}

func TestThrottlingUnknownKey(t *testing.T) {
	c := throttledConversion(t)

	c.updateThrottling(context.Background(), systemdRunner(), map[string]interface{}{
		"memory": "1G",
	})

	assert.Nil(t, c.st.Throttling.CPU)
	assert.Nil(t, c.st.Throttling.Network)
	assert.Nil(t, c.st.LastMessage)
}

func TestThrottlingNetworkFailure(t *testing.T) {
	c := throttledConversion(t)

	// The runner never started, there is no tc controller to adjust.
	c.updateThrottling(context.Background(), systemdRunner(), map[string]interface{}{
		"network": "2000",
	})

	assert.Nil(t, c.st.Throttling.Network)
	require.NotNil(t, c.st.LastMessage)
	assert.Equal(t, "Failed to set network limit", c.st.LastMessage.Message)
}

func TestThrottlingFileMissing(t *testing.T) {
	c := throttledConversion(t)
	run := runner.NewSubprocess("/usr/bin/virt-v2v", nil, nil, "/tmp/v2v.log")

	c.updateThrottlingFromFile(context.Background(), run)

	assert.Nil(t, c.st.LastMessage)
}

func TestThrottlingFileConsumed(t *testing.T) {
	c := throttledConversion(t)
	run := runner.NewSubprocess("/usr/bin/virt-v2v", nil, nil, "/tmp/v2v.log")
	require.NoError(t,
		os.WriteFile(c.st.Internal.ThrottlingFile, []byte(`{"cpu": "50"}`), 0o644))

	c.updateThrottlingFromFile(context.Background(), run)

	// The file is consumed even though the limits were not applied.
	assert.NoFileExists(t, c.st.Internal.ThrottlingFile)
	assert.Nil(t, c.st.Throttling.CPU)
}

func TestThrottlingFileInvalid(t *testing.T) {
	c := throttledConversion(t)
	run := runner.NewSubprocess("/usr/bin/virt-v2v", nil, nil, "/tmp/v2v.log")
	require.NoError(t,
		os.WriteFile(c.st.Internal.ThrottlingFile, []byte("not JSON"), 0o644))

	c.updateThrottlingFromFile(context.Background(), run)

	assert.NoFileExists(t, c.st.Internal.ThrottlingFile)
	require.NotNil(t, c.st.LastMessage)
	assert.Equal(t, "Failed to read throttling file", c.st.LastMessage.Message)
}
