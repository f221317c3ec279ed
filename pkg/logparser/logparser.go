// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package logparser follows the two log files produced by a running
// virt-v2v and distills them into conversion state: disk copy progress,
// destination disk identifiers and the created VM id.
package logparser

import (
	"bufio"
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/oVirt/v2v-conversion-host/pkg/state"
)

var parserLog = logrus.WithField("source", "parser")

var (
	copyDiskRe       = regexp.MustCompile(`Copying disk (\d+)/(\d+) to`)
	diskProgressRe   = regexp.MustCompile(`^\s+\((\d+\.\d+)/100%\)`)
	nbdkitDiskPathRe = regexp.MustCompile(`^nbdkit: debug: Opening file (.*) \(.*\)`)
	overlaySourceRe  = regexp.MustCompile(
		`^ *overlay source qemu URI: json:.*"file\.path": ?"([^"]+)"`)
	overlaySource2Re = regexp.MustCompile(
		`^libguestfs: parse_json: qemu-img info JSON output:.*` +
			`"backing-filename".*\\"file\.path\\": ?\\"([^"]+)\\"`)
	vmdkPathRe = regexp.MustCompile(
		`/vmfs/volumes/(?P<store>[^/]*)/(?P<vm>[^/]*)/(?P<disk>.*?)(-flat)?\.vmdk$`)
	rhvDiskUUIDRe = regexp.MustCompile(`^disk\.id = '(?P<uuid>[a-fA-F0-9-]*)'`)
	rhvVMIDRe     = regexp.MustCompile(`<VirtualSystem ovf:id='(?P<uuid>[a-fA-F0-9-]*)'>`)
	ospVolumeIDRe = regexp.MustCompile(
		`^openstack .*'?volume'? '?show'?.* '?(?P<uuid>[a-fA-F0-9-]*)'?$`)
	ospVolumePropsRe = regexp.MustCompile(
		`^openstack .*'?volume'? '?set.*'?--property'?` +
			` '?virt_v2v_disk_index=(?P<volume>[0-9]+)/[0-9]+.*` +
			` '?(?P<uuid>[a-fA-F0-9-]*)'?$`)
	sshVmxGuestNameRe = regexp.MustCompile(`^displayName = "(.*)"$`)
)

const (
	logWaitAttempts = 10
	logWaitDelay    = 1 * time.Second
)

// machineMessage is one line of virt-v2v --machine-readable output.
type machineMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Parser incrementally consumes the virt-v2v log and the machine readable
// log. Both files keep growing while the conversion runs, each Parse call
// picks up where the previous one stopped.
type Parser struct {
	v2vLog     *os.File
	machineLog *os.File

	v2vReader     *bufio.Reader
	machineReader *bufio.Reader

	// Partial lines seen at the current end of each log. They are kept
	// until the rest of the line arrives, or until the final parse.
	v2vPending     string
	machinePending string

	// currentDisk is the index of the disk being copied, -1 before the
	// first copy announcement. currentPath is its source path, "" until
	// reported.
	currentDisk int
	currentPath string

	duplicate bool
}

// New opens both log files, waiting a short while for the converter to
// create them. With duplicate set, every consumed virt-v2v line is echoed
// to the debug log.
func New(v2vLogPath, machineLogPath string, duplicate bool) (*Parser, error) {
	for i := 0; i < logWaitAttempts; i++ {
		if fileExists(v2vLogPath) && fileExists(machineLogPath) {
			break
		}
		time.Sleep(logWaitDelay)
	}

	v2vLog, err := os.Open(v2vLogPath)
	if err != nil {
		return nil, errors.Wrap(err, "could not open virt-v2v log")
	}
	machineLog, err := os.Open(machineLogPath)
	if err != nil {
		v2vLog.Close()
		return nil, errors.Wrap(err, "could not open machine readable log")
	}

	return &Parser{
		v2vLog:        v2vLog,
		machineLog:    machineLog,
		v2vReader:     bufio.NewReader(v2vLog),
		machineReader: bufio.NewReader(machineLog),
		currentDisk:   -1,
		duplicate:     duplicate,
	}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Close releases both log files.
func (p *Parser) Close() {
	p.v2vLog.Close()
	p.machineLog.Close()
}

// Parse consumes all complete lines currently buffered in both logs and
// applies them to the state.
func (p *Parser) Parse(st *state.Store) {
	p.parseLogs(st, false)
}

// ParseFinal consumes everything left in both logs, including a trailing
// line without a newline. To be called once after the converter exited.
func (p *Parser) ParseFinal(st *state.Store) {
	p.parseLogs(st, true)
}

func (p *Parser) parseLogs(st *state.Store, final bool) {
	for {
		line, ok := readLine(p.machineReader, &p.machinePending, final)
		if !ok {
			break
		}
		p.parseMachineLine(st, line)
	}

	for {
		line, ok := readLine(p.v2vReader, &p.v2vPending, final)
		if !ok {
			break
		}
		if p.duplicate {
			parserLog.Debugf("%q", line)
		}
		p.parseLine(st, line)
	}
}

// readLine returns the next complete line with the terminator stripped.
// At the end of the log a partial line is stashed in pending and carried
// over to the next call, unless this is the final round.
func readLine(r *bufio.Reader, pending *string, final bool) (string, bool) {
	chunk, err := r.ReadString('\n')
	if err != nil {
		*pending += chunk
		if final && *pending != "" {
			line := *pending
			*pending = ""
			return line, true
		}
		return "", false
	}

	line := *pending + chunk
	*pending = ""
	return trimEOL(line), true
}

func trimEOL(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func (p *Parser) parseMachineLine(st *state.Store, line string) {
	var message machineMessage
	if err := json.Unmarshal([]byte(line), &message); err != nil {
		parserLog.WithError(err).Error(
			"Failed to parse line from virt-v2v machine readable output")
		parserLog.Errorf("Offending line: %q", line)
		return
	}
	if message.Type == "error" {
		text := "virt-v2v error: " + message.Message
		parserLog.Error(text)
		st.Surface(text)
	}
}

func (p *Parser) parseLine(st *state.Store, line string) {
	if m := copyDiskRe.FindStringSubmatch(line); m != nil {
		disk, err1 := strconv.Atoi(m[1])
		count, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			parserLog.Error("Failed to decode disk number -- conversion error")
			st.Surface("Failed to decode disk number")
		} else {
			p.currentDisk = disk - 1
			p.currentPath = ""
			st.DiskCount = count
			parserLog.Infof("Copying disk %d/%d", p.currentDisk+1, st.DiskCount)
			if st.DiskCount != len(st.Disks) {
				parserLog.Warningf(
					"Number of supplied disk paths (%d) does not match"+
						" number of disks in VM (%d)",
					len(st.Disks), st.DiskCount)
			}
		}
	}

	// VDDK
	if m := nbdkitDiskPathRe.FindStringSubmatch(line); m != nil {
		p.currentPath = m[1]
		if p.currentDisk >= 0 {
			parserLog.Infof("Copying path: %s", p.currentPath)
			p.locateDisk(st)
		}
	}

	// SSH (all outputs)
	if m := sshVmxGuestNameRe.FindStringSubmatch(line); m != nil {
		st.Internal.DisplayName = m[1]
		parserLog.Infof("Set VM display name to: %s", st.Internal.DisplayName)
	}

	// SSH + RHV
	if m := overlaySourceRe.FindStringSubmatch(line); m != nil {
		p.currentPath = storagePath(m[1])
		if p.currentDisk >= 0 {
			parserLog.Infof("Copying path: %s", p.currentPath)
			p.locateDisk(st)
		}
	}

	// SSH + OpenStack
	if m := overlaySource2Re.FindStringSubmatch(line); m != nil {
		p.currentPath = storagePath(m[1])
		if p.currentDisk >= 0 {
			parserLog.Infof("Copying path: %s", p.currentPath)
			p.locateDisk(st)
		}
	}

	if m := diskProgressRe.FindStringSubmatch(line); m != nil {
		if p.currentPath != "" && p.currentDisk >= 0 && p.currentDisk < len(st.Disks) {
			progress, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				parserLog.WithError(err).Error(
					"Failed to decode progress -- conversion error")
				st.Surface("Failed to decode progress")
			} else {
				st.Disks[p.currentDisk].Progress = progress
				parserLog.Debugf("Updated progress: %s", m[1])
			}
		} else {
			parserLog.Debug("Skipping progress update for unknown disk")
		}
	}

	if m := rhvDiskUUIDRe.FindStringSubmatch(line); m != nil {
		if p.currentDisk >= 0 && p.currentDisk < len(st.Disks) {
			path := st.Disks[p.currentDisk].Path
			st.Internal.DiskIDs[path] = m[1]
			parserLog.Debugf("Path %q has disk id=%q", path, m[1])
		} else {
			parserLog.Debug("Ignoring disk id, no disk is being copied")
		}
	}

	// OpenStack volume UUID
	if m := ospVolumeIDRe.FindStringSubmatch(line); m != nil {
		ids := st.Internal.DiskIDs
		ids[strconv.Itoa(len(ids)+1)] = m[1]
		parserLog.Debugf("Adding OSP volume %s", m[1])
	}

	// OpenStack volume index
	if m := ospVolumePropsRe.FindStringSubmatch(line); m != nil {
		index, err := strconv.Atoi(m[1])
		if err == nil && st.Internal.DiskIDs[m[1]] != m[2] {
			parserLog.Debugf("Volume %q is NOT at index %d", m[2], index)
		}
	}

	// RHV VM UUID
	if m := rhvVMIDRe.FindStringSubmatch(line); m != nil {
		st.VMID = m[1]
		parserLog.Infof("Created VM with id=%s", st.VMID)
	}
}

// storagePath rewrites an absolute VMware datastore path into the
// "[store] vm/disk.vmdk" form used in the source disk list.
func storagePath(path string) string {
	return vmdkPathRe.ReplaceAllString(path, "[${store}] ${vm}/${disk}.vmdk")
}

// locateDisk makes sure the disk at the current index matches the path
// being copied, reordering or extending the disk list as needed. Assumes
// the current disk index only ever moves forward.
func (p *Parser) locateDisk(st *state.Store) {
	if p.currentDisk < 0 {
		// False alarm, not copying yet
		return
	}

	for i := p.currentDisk; i < len(st.Disks); i++ {
		if st.Disks[i].Path != p.currentPath {
			continue
		}
		if i == p.currentDisk {
			parserLog.Debug("Found path at correct index")
		} else {
			parserLog.Debugf("Moving path from index %d to %d", i, p.currentDisk)
			disk := st.Disks[i]
			st.Disks = append(st.Disks[:i], st.Disks[i+1:]...)
			st.Disks = insertDisk(st.Disks, p.currentDisk, disk)
		}
		return
	}

	parserLog.Debugf("Path %q not found in %v", p.currentPath, st.Disks)
	st.Disks = insertDisk(st.Disks, p.currentDisk, state.Disk{Path: p.currentPath})
}

func insertDisk(disks []state.Disk, index int, disk state.Disk) []state.Disk {
	if index >= len(disks) {
		return append(disks, disk)
	}
	disks = append(disks[:index+1], disks[index:]...)
	disks[index] = disk
	return disks
}
