// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package logparser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oVirt/v2v-conversion-host/pkg/state"
)

func newTestParser() *Parser {
	return &Parser{currentDisk: -1}
}

func newTestStore(t *testing.T) *state.Store {
	s := state.New()
	s.StateFile = filepath.Join(t.TempDir(), "fake.state")
	return s
}

func TestDiskNumber(t *testing.T) {
	p := newTestParser()
	p.currentDisk = 0
	p.currentPath = "/path1"

	st := newTestStore(t)
	st.Disks = []state.Disk{
		{Path: "[store1] path1.vmdk"},
		{Path: "[store1] path2.vmdk"},
		{Path: "[store1] path3.vmdk"},
	}

	p.parseLine(st, "Copying disk 2/3 to /some/path")

	assert.Equal(t, 1, p.currentDisk)
	assert.Equal(t, "", p.currentPath)
	assert.Equal(t, 3, st.DiskCount)
}

func TestLocateDisk(t *testing.T) {
	p := newTestParser()
	p.currentDisk = 0
	p.currentPath = "[store1] path1.vmdk"

	st := newTestStore(t)
	st.Disks = []state.Disk{
		{Path: "[store1] path2.vmdk"},
		{Path: "[store1] path1.vmdk"},
		{Path: "[store1] path3.vmdk"},
	}

	p.locateDisk(st)

	assert.Equal(t, "[store1] path1.vmdk", st.Disks[0].Path)
	assert.Equal(t, "[store1] path2.vmdk", st.Disks[1].Path)
	assert.Equal(t, "[store1] path3.vmdk", st.Disks[2].Path)
}

func TestLocateDiskInsertsUnknownPath(t *testing.T) {
	p := newTestParser()
	p.currentDisk = 0
	p.currentPath = "[store1] path1.vmdk"

	st := newTestStore(t)
	st.Disks = []state.Disk{
		{Path: "[store1] path2.vmdk", Progress: 100.0},
	}

	p.locateDisk(st)

	require.Len(t, st.Disks, 2)
	assert.Equal(t, "[store1] path1.vmdk", st.Disks[0].Path)
	assert.Equal(t, 0.0, st.Disks[0].Progress)
	assert.Equal(t, "[store1] path2.vmdk", st.Disks[1].Path)
}

func TestProgress(t *testing.T) {
	p := newTestParser()
	p.currentDisk = 0
	p.currentPath = "/path1"

	st := newTestStore(t)
	st.Disks = []state.Disk{{Path: "/path1"}}

	p.parseLine(st, "  (10.42/100%)")

	assert.Equal(t, 10.42, st.Disks[0].Progress)
}

func TestProgressIgnoredWithoutCurrentDisk(t *testing.T) {
	p := newTestParser()

	st := newTestStore(t)
	st.Disks = []state.Disk{{Path: "/path1"}}

	p.parseLine(st, "  (10.42/100%)")

	assert.Equal(t, 0.0, st.Disks[0].Progress)
}

func TestRhvDiskPathVddk(t *testing.T) {
	p := newTestParser()
	st := newTestStore(t)

	p.parseLine(st,
		"nbdkit: debug: Opening file [store1] /path1.vmdk"+
			" (ha-nfcssl://[store1] path1.vmdk@1.2.3.4:902)")

	assert.Equal(t, "[store1] /path1.vmdk", p.currentPath)
}

func TestRhvDiskPathOverlaySource(t *testing.T) {
	p := newTestParser()
	st := newTestStore(t)

	p.parseLine(st,
		`  overlay source qemu URI: json:{"file.driver": "nbd",`+
			` "file.path": "/vmfs/volumes/store1/vm1/disk1-flat.vmdk"}`)

	assert.Equal(t, "[store1] vm1/disk1.vmdk", p.currentPath)
}

func TestRhvDiskPathOverlayQemuImgInfo(t *testing.T) {
	p := newTestParser()
	st := newTestStore(t)

	p.parseLine(st,
		`libguestfs: parse_json: qemu-img info JSON output:`+
			` {"backing-filename": "json: { \"file.path\":`+
			` \"/vmfs/volumes/store1/vm1/disk1.vmdk\"}"}`)

	assert.Equal(t, "[store1] vm1/disk1.vmdk", p.currentPath)
}

func TestRhvDiskUUID(t *testing.T) {
	p := newTestParser()
	p.currentDisk = 0

	st := newTestStore(t)
	st.Disks = []state.Disk{{Path: "/path1"}}

	p.parseLine(st, "disk.id = '11111111-1111-1111-1111-111111111111'")

	require.Contains(t, st.Internal.DiskIDs, "/path1")
	assert.Equal(t,
		"11111111-1111-1111-1111-111111111111",
		st.Internal.DiskIDs["/path1"])
}

func TestRhvDiskUUIDWithoutCurrentDisk(t *testing.T) {
	p := newTestParser()
	st := newTestStore(t)

	p.parseLine(st, "disk.id = '11111111-1111-1111-1111-111111111111'")

	assert.Empty(t, st.Internal.DiskIDs)
}

func TestRhvVMID(t *testing.T) {
	p := newTestParser()
	st := newTestStore(t)

	p.parseLine(st,
		"    <VirtualSystem ovf:id='22222222-2222-2222-2222-222222222222'>")

	assert.Equal(t, "22222222-2222-2222-2222-222222222222", st.VMID)
}

func TestOSPVolumeID(t *testing.T) {
	p := newTestParser()
	st := newTestStore(t)

	p.parseLine(st,
		"openstack volume show -f json"+
			" 33333333-3333-3333-3333-333333333333")
	p.parseLine(st,
		"openstack volume show -f json"+
			" 44444444-4444-4444-4444-444444444444")

	assert.Equal(t, map[string]string{
		"1": "33333333-3333-3333-3333-333333333333",
		"2": "44444444-4444-4444-4444-444444444444",
	}, st.Internal.DiskIDs)
}

func TestSSHGuestName(t *testing.T) {
	p := newTestParser()
	st := newTestStore(t)

	p.parseLine(st, `displayName = "my precious vm"`)

	assert.Equal(t, "my precious vm", st.Internal.DisplayName)
}

func TestMachineReadableError(t *testing.T) {
	p := newTestParser()
	st := newTestStore(t)

	p.parseMachineLine(st,
		`{"type": "error", "message": "disk is too big"}`)

	require.NotNil(t, st.LastMessage)
	assert.Equal(t, "virt-v2v error: disk is too big", st.LastMessage.Message)
	assert.Equal(t, "error", st.LastMessage.Type)
}

func TestMachineReadableMalformedLine(t *testing.T) {
	p := newTestParser()
	st := newTestStore(t)

	p.parseMachineLine(st, "{ oops")

	assert.Nil(t, st.LastMessage)
}

func TestParseIncrementalRead(t *testing.T) {
	dir := t.TempDir()
	v2vLog := filepath.Join(dir, "v2v.log")
	machineLog := filepath.Join(dir, "v2v-mr.log")
	require.NoError(t, os.WriteFile(v2vLog, nil, 0644))
	require.NoError(t, os.WriteFile(machineLog, nil, 0644))

	p, err := New(v2vLog, machineLog, false)
	require.NoError(t, err)
	defer p.Close()

	st := newTestStore(t)
	st.Disks = []state.Disk{{Path: "/path1"}}

	f, err := os.OpenFile(v2vLog, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	defer f.Close()

	// First batch ends with a partial line.
	_, err = f.WriteString("Copying disk 1/1 to /some/path\n  (10.")
	require.NoError(t, err)
	p.Parse(st)
	assert.Equal(t, 0, p.currentDisk)
	assert.Equal(t, 1, st.DiskCount)

	// The rest of the line arrives later and must be joined up.
	_, err = f.WriteString("42/100%)\n")
	require.NoError(t, err)
	_, err = f.WriteString("nbdkit: debug: Opening file /path1 (nbd://...)\n")
	require.NoError(t, err)
	p.Parse(st)
	assert.Equal(t, "/path1", p.currentPath)

	_, err = f.WriteString("  (99.99/100%)")
	require.NoError(t, err)
	p.Parse(st)
	// No newline yet, the progress line is still pending.
	assert.Equal(t, 0.0, st.Disks[0].Progress)

	p.ParseFinal(st)
	assert.Equal(t, 99.99, st.Disks[0].Progress)
}

func TestParseMachineLogSurfacesErrors(t *testing.T) {
	dir := t.TempDir()
	v2vLog := filepath.Join(dir, "v2v.log")
	machineLog := filepath.Join(dir, "v2v-mr.log")
	require.NoError(t, os.WriteFile(v2vLog, []byte("some chatter\n"), 0644))
	require.NoError(t, os.WriteFile(machineLog, []byte(
		`{"type": "message", "message": "all good"}`+"\n"+
			`{"type": "error", "message": "conversion exploded"}`+"\n"), 0644))

	p, err := New(v2vLog, machineLog, false)
	require.NoError(t, err)
	defer p.Close()

	st := newTestStore(t)
	p.Parse(st)

	require.NotNil(t, st.LastMessage)
	assert.Equal(t, "virt-v2v error: conversion exploded", st.LastMessage.Message)
}

func TestStoragePathRewrite(t *testing.T) {
	assert.Equal(t,
		"[store] vm/disk.vmdk",
		storagePath("/vmfs/volumes/store/vm/disk-flat.vmdk"))
	assert.Equal(t,
		"[store] vm/disk.vmdk",
		storagePath("/vmfs/volumes/store/vm/disk.vmdk"))
	assert.Equal(t,
		"/plain/other/path.img",
		storagePath("/plain/other/path.img"))
}
