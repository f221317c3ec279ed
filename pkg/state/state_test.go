// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	s := New()
	s.StateFile = filepath.Join(t.TempDir(), "fake.state")
	return s
}

func readBack(t *testing.T, path string) map[string]interface{} {
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestWriteInitialState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write())

	doc := readBack(t, s.StateFile)

	assert.Equal(t, []interface{}{}, doc["disks"])
	assert.Equal(t, false, doc["failed"])
	assert.Equal(t, map[string]interface{}{"cpu": nil, "network": nil}, doc["throttling"])

	// Lifecycle keys appear only once reached.
	assert.NotContains(t, doc, "started")
	assert.NotContains(t, doc, "finished")
	assert.NotContains(t, doc, "return_code")
	assert.NotContains(t, doc, "pid")
	assert.NotContains(t, doc, "last_message")
}

func TestWriteNeverExposesInternal(t *testing.T) {
	s := newTestStore(t)
	s.Internal.DiskIDs["/path1"] = "11111111-1111-1111-1111-111111111111"
	s.Internal.DisplayName = "some vm"
	s.Internal.Ports = append(s.Internal.Ports, "port-id")
	s.Internal.ThrottlingFile = "/tmp/fake.throttle"
	require.NoError(t, s.Write())

	doc := readBack(t, s.StateFile)
	assert.NotContains(t, doc, "internal")
	assert.NotContains(t, doc, "Internal")

	// Internal bookkeeping survives the write untouched.
	assert.Equal(t, "some vm", s.Internal.DisplayName)
	assert.Len(t, s.Internal.DiskIDs, 1)
}

func TestWriteReplacesPreviousState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write())

	s.Disks = append(s.Disks, Disk{Path: "/path1", Progress: 42.5})
	s.DiskCount = 1
	s.Pid = 1234
	s.Started = true
	rc := 0
	s.ReturnCode = &rc
	require.NoError(t, s.Write())

	doc := readBack(t, s.StateFile)
	assert.Equal(t, true, doc["started"])
	assert.Equal(t, float64(1234), doc["pid"])
	assert.Equal(t, float64(1), doc["disk_count"])
	assert.Equal(t, float64(0), doc["return_code"])

	disks, ok := doc["disks"].([]interface{})
	require.True(t, ok)
	require.Len(t, disks, 1)
	disk := disks[0].(map[string]interface{})
	assert.Equal(t, "/path1", disk["path"])
	assert.Equal(t, 42.5, disk["progress"])
}

func TestWriteLeavesNoTemporaryFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write())
	require.NoError(t, s.Write())

	entries, err := os.ReadDir(filepath.Dir(s.StateFile))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(s.StateFile), entries[0].Name())
}

func TestSurfaceRecordsMessage(t *testing.T) {
	s := newTestStore(t)
	s.Surface("Failed to parse virt-v2v output")

	doc := readBack(t, s.StateFile)
	message, ok := doc["last_message"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Failed to parse virt-v2v output", message["message"])
	assert.Equal(t, "error", message["type"])
}

func TestThrottlingSerialization(t *testing.T) {
	s := newTestStore(t)
	cpu := "50%"
	s.Throttling.CPU = &cpu
	require.NoError(t, s.Write())

	doc := readBack(t, s.StateFile)
	throttling := doc["throttling"].(map[string]interface{})
	assert.Equal(t, "50%", throttling["cpu"])
	assert.Nil(t, throttling["network"])
}
