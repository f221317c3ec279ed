// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package hosts

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/oVirt/v2v-conversion-host/pkg/ovirt"
	"github.com/oVirt/v2v-conversion-host/pkg/runner"
	"github.com/oVirt/v2v-conversion-host/pkg/state"
)

const (
	vdsmLogDir = "/var/log/vdsm/import"
	vdsmMounts = "/rhev/data-center/mnt"
	vdsmCACert = "/etc/pki/vdsm/certs/cacert.pem"

	// Well known service identity on VDSM hosts, vdsm:kvm.
	vdsmUID = 36
	vdsmGID = 36
)

// Fixed image group holding the ISOs on an ISO domain.
const isoDomainImages = "11111111-1111-1111-1111-111111111111"

// For now the allocation type can only be derived from the type of the
// target storage domain.
var preallocatedStorageTypes = []ovirt.StorageType{
	ovirt.StorageTypeCinder,
	ovirt.StorageTypeFCP,
	ovirt.StorageTypeGlusterFS,
	ovirt.StorageTypeISCSI,
	ovirt.StorageTypePosixFS,
}

// Guest tools ISO names by descending priority. Within one priority the
// higher version wins.
var toolsPatterns = []struct {
	priority int
	name     *regexp.Regexp
}{
	{7, regexp.MustCompile(`(?i)^RHV-toolsSetup_([0-9._]+)\.iso`)},
	{6, regexp.MustCompile(`(?i)^rhv-tools-setup\.iso`)},
	{5, regexp.MustCompile(`(?i)^RHEV-toolsSetup_([0-9._]+)\.iso`)},
	{4, regexp.MustCompile(`(?i)^rhev-tools-setup\.iso`)},
	{3, regexp.MustCompile(`(?i)^oVirt-toolsSetup_([a-z0-9._-]+)\.iso`)},
	{2, regexp.MustCompile(`(?i)^ovirt-tools-setup\.iso`)},
	{1, regexp.MustCompile(`(?i)^virtio-win-([0-9.]+).iso`)},
	{0, regexp.MustCompile(`(?i)^virtio-win\.iso`)},
}

// vdsmHost runs on an oVirt/RHV host. The target is either an image
// upload through the engine or an export domain mounted on the host.
type vdsmHost struct {
	base

	// connect opens the engine SDK connection. Swapped in tests.
	connect func(req Request) (ovirt.Client, error)

	// mounts is the directory the storage domains are mounted under.
	mounts string

	exportDomain bool
}

func newVDSM(settings Settings) *vdsmHost {
	return &vdsmHost{
		base:   base{settings: settings},
		mounts: vdsmMounts,
		connect: func(req Request) (ovirt.Client, error) {
			return ovirt.Connect(
				req.String("rhv_url"),
				req.String("rhv_password"),
				req.String("rhv_cafile"),
				req.Bool("insecure_connection"),
			)
		},
	}
}

func (h *vdsmHost) UID() int {
	if h.exportDomain {
		// Need to be root to mount the NFS share.
		return 0
	}
	return vdsmUID
}

func (h *vdsmHost) GID() int {
	return vdsmGID
}

func (h *vdsmHost) LogDirs() (string, string, error) {
	return vdsmLogDir, vdsmLogDir, nil
}

func (h *vdsmHost) CreateRunner(args, env []string, logPath string) runner.Runner {
	if h.settings.Daemonize {
		return runner.NewSystemd(h, h.settings.Converter, args, env, logPath)
	}
	return runner.NewSubprocess(h.settings.Converter, args, env, logPath)
}

func (h *vdsmHost) Validate(ctx context.Context, req Request) error {
	// The libvirt backend does not work under the identities used
	// here, force the direct one.
	req.Set("backend", "direct")
	if req.Has("export_domain") {
		h.exportDomain = true
	}

	if req.Has("output_format") {
		if format := req.String("output_format"); format != "raw" && format != "qcow2" {
			return errors.Errorf("invalid output format %q, expected raw or qcow2", format)
		}
	} else {
		req.Set("output_format", "raw")
	}

	switch {
	case req.Has("rhv_url"):
		for _, key := range []string{"rhv_cluster", "rhv_password", "rhv_storage"} {
			if !req.Has(key) {
				return errors.Errorf("missing argument: %s", key)
			}
		}
		if !req.Has("rhv_cafile") {
			hostLog.Infof("Path to CA certificate not specified, trying the VDSM default: %s", vdsmCACert)
			req.Set("rhv_cafile", vdsmCACert)
		}
	case req.Has("export_domain"):
	default:
		return errors.New("no target specified")
	}

	if !req.Has("insecure_connection") {
		req.Set("insecure_connection", false)
	}
	if req.Bool("insecure_connection") {
		hostLog.Info("SSL verification is disabled for oVirt SDK connections")
	}

	if !req.Has("allocation") && req.Has("rhv_url") {
		allocation, err := h.inferAllocation(req)
		if err != nil {
			return err
		}
		req.Set("allocation", allocation)
		hostLog.Infof("Selected allocation type is %s", allocation)
	}
	return nil
}

// inferAllocation derives the allocation type from the type of the target
// storage domain.
func (h *vdsmHost) inferAllocation(req Request) (string, error) {
	conn, err := h.connect(req)
	if err != nil {
		return "", errors.Wrap(err, "could not connect to the engine")
	}
	defer conn.Close()

	name := req.String("rhv_storage")
	domains, err := conn.ListStorageDomains(name)
	if err != nil {
		return "", errors.Wrap(err, "could not list storage domains")
	}
	if len(domains) != 1 {
		return "", errors.Errorf("found %d domains matching %q", len(domains), name)
	}
	hostLog.Infof("Storage domain %q is of type %q", name, domains[0].Type)
	if slices.Contains(preallocatedStorageTypes, domains[0].Type) {
		return "preallocated", nil
	}
	return "sparse", nil
}

// CheckInstallDrivers resolves the guest tools ISO. When nothing suitable
// is found the conversion continues without installing drivers.
func (h *vdsmHost) CheckInstallDrivers(req Request, st *state.Store) error {
	var fullPath string
	if name := req.String("virtio_win"); name != "" && filepath.IsAbs(name) {
		fullPath = name
	} else {
		isoDomain := h.findISODomain(st)
		if name == "" {
			if isoDomain == "" {
				// Not an error, continue without the drivers.
				hostLog.Warning("ISO domain not found (but install_drivers is true).")
				req.Set("install_drivers", false)
				return nil
			}
			entries, err := os.ReadDir(isoDomain)
			if err != nil {
				return errors.Wrapf(err, "could not read ISO domain %s", isoDomain)
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				names = append(names, entry.Name())
			}
			best := h.filterISONames(isoDomain, names)
			if best == "" {
				hostLog.Warning("Could not find any ISO with drivers (but install_drivers is true).")
				req.Set("install_drivers", false)
				return nil
			}
			name = best
		} else if isoDomain == "" {
			return errors.New("ISO domain not found")
		}
		fullPath = filepath.Join(isoDomain, name)
	}

	if info, err := os.Stat(fullPath); err != nil || !info.Mode().IsRegular() {
		return errors.New(`"virtio_win" must be a path or file name of image in ISO domain`)
	}
	req.Set("virtio_win", fullPath)
	hostLog.Infof("virtio_win (re)defined as: %s", fullPath)
	return nil
}

func (h *vdsmHost) BuildArgs(req Request, args, env []string) ([]string, []string) {
	args = append(args,
		"--bridge", "ovirtmgmt",
		"-of", req.String("output_format"),
	)
	if req.Has("allocation") {
		args = append(args, "-oa", req.String("allocation"))
	}

	switch {
	case req.Has("rhv_url"):
		args = append(args,
			"-o", "rhv-upload",
			"-oc", req.String("rhv_url"),
			"-os", req.String("rhv_storage"),
			"-op", req.String("rhv_password_file"),
			"-oo", "rhv-cluster="+req.String("rhv_cluster"),
			"-oo", "rhv-direct",
			"-oo", fmt.Sprintf("rhv-verifypeer=%t", !req.Bool("insecure_connection")),
		)
		if !req.Bool("insecure_connection") {
			args = append(args, "-oo", "rhv-cafile="+req.String("rhv_cafile"))
		}
	case req.Has("export_domain"):
		args = append(args,
			"-o", "rhv",
			"-os", req.String("export_domain"),
		)
	}

	if HasEnv(env, "XDG_RUNTIME_DIR") && h.UID() != 0 {
		// It would leak through the systemd-run call and cause a
		// permission error in virt-v2v, see rhbz#967509.
		hostLog.Info("Dropping XDG_RUNTIME_DIR from environment.")
		env = DropEnv(env, "XDG_RUNTIME_DIR")
	}
	return args, env
}

// Cleanup cancels outstanding image transfers and removes the uploaded
// disks. Cancellation removes the incomplete disk automatically.
func (h *vdsmHost) Cleanup(ctx context.Context, req Request, st *state.Store) {
	conn, err := h.connect(req)
	if err != nil {
		hostLog.WithError(err).Error("Failed to connect to the engine")
		return
	}
	defer conn.Close()

	diskIDs := make([]string, 0, len(st.Internal.DiskIDs))
	for _, id := range st.Internal.DiskIDs {
		diskIDs = append(diskIDs, id)
	}
	sort.Strings(diskIDs)

	transfers, err := conn.ListTransfers()
	if err != nil {
		hostLog.WithError(err).Error("Failed to cancel transfers")
	} else {
		var matching []ovirt.Transfer
		for _, transfer := range transfers {
			if slices.Contains(diskIDs, transfer.ImageID) {
				matching = append(matching, transfer)
			}
		}
		if len(matching) == 0 {
			hostLog.Debug("No active transfers to cancel")
		}
		for _, transfer := range matching {
			hostLog.Infof("Canceling transfer id=%s for disk=%s", transfer.ID, transfer.ImageID)
			if err := conn.CancelTransfer(transfer.ID); err != nil {
				hostLog.WithError(err).Error("Failed to cancel transfers")
				break
			}
			diskIDs = slices.DeleteFunc(diskIDs, func(id string) bool {
				return id == transfer.ImageID
			})
		}
	}

	hostLog.Infof("Removing disks: %v", diskIDs)
	deadline := time.Now().Add(apiTimeout)
	for len(diskIDs) > 0 {
		kept := diskIDs[:0]
		for _, id := range diskIDs {
			disk, err := conn.GetDisk(id)
			if errors.Is(err, ovirt.ErrNotFound) {
				hostLog.Infof("Disk id=%s does not exist (already removed?), skipping it", id)
				continue
			}
			if err != nil {
				hostLog.WithError(err).Errorf("Failed to remove disk id=%s", id)
				kept = append(kept, id)
				continue
			}
			if disk.Status != ovirt.DiskStatusOK {
				kept = append(kept, id)
				continue
			}
			hostLog.Infof("Removing disk id=%s", id)
			if err := conn.RemoveDisk(id); err != nil {
				hostLog.WithError(err).Errorf("Failed to remove disk id=%s", id)
				kept = append(kept, id)
			}
		}
		diskIDs = kept
		if len(diskIDs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			hostLog.Errorf("Timed out waiting for disks: %v", diskIDs)
			break
		}
		select {
		case <-ctx.Done():
			hostLog.Errorf("Aborted waiting for disks: %v", diskIDs)
			return
		case <-time.After(time.Second):
		}
	}
}

// filterISONames picks the best guest tools ISO in the domain, ranked by
// pattern priority and version.
func (h *vdsmHost) filterISONames(isoDomain string, names []string) string {
	var bestName, bestVersion string
	bestPriority := -1
	found := false
	for _, name := range names {
		if info, err := os.Stat(filepath.Join(isoDomain, name)); err != nil || !info.Mode().IsRegular() {
			continue
		}
		for _, pattern := range toolsPatterns {
			m := pattern.name.FindStringSubmatch(name)
			if m == nil {
				continue
			}
			version := ""
			if len(m) > 1 {
				version = m[1]
			}
			hostLog.Debugf("Matched ISO %q (priority %d)", name, pattern.priority)
			if !found || bestPriority < pattern.priority ||
				(bestVersion < version && bestPriority == pattern.priority) {
				bestName = name
				bestVersion = version
				bestPriority = pattern.priority
				found = true
			}
		}
	}
	return bestName
}

// findISODomain looks for an ISO domain among the storage domains mounted
// on the host. It returns the image directory holding the ISOs, or "".
func (h *vdsmHost) findISODomain(st *state.Store) string {
	if info, err := os.Stat(h.mounts); err != nil || !info.IsDir() {
		hostLog.Error("Cannot find RHV domains")
		return ""
	}
	return h.searchISODomain(st, h.mounts)
}

// searchISODomain walks the mounted domains top-down looking for domain
// metadata declaring the ISO class.
func (h *vdsmHost) searchISODomain(st *state.Store, dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var subdirs []string
	hasMetadata := false
	for _, entry := range entries {
		if entry.IsDir() {
			subdirs = append(subdirs, entry.Name())
		} else if entry.Name() == "metadata" {
			hasMetadata = true
		}
	}

	if slices.Contains(subdirs, "dom_md") {
		// This looks like a domain, focus on the metadata only.
		subdirs = slices.DeleteFunc(subdirs, func(name string) bool {
			return name == "master" || name == "images"
		})
	} else {
		// No ISOs on block storage domains.
		subdirs = slices.DeleteFunc(subdirs, func(name string) bool {
			return name == "blockSD"
		})
		if hasMetadata && filepath.Base(dir) == "dom_md" &&
			h.isISODomain(st, filepath.Join(dir, "metadata")) {
			return filepath.Join(filepath.Dir(dir), "images", isoDomainImages)
		}
	}

	for _, sub := range subdirs {
		if found := h.searchISODomain(st, filepath.Join(dir, sub)); found != "" {
			return found
		}
	}
	return ""
}

// isISODomain checks the domain metadata file for the ISO class marker.
func (h *vdsmHost) isISODomain(st *state.Store, path string) bool {
	hostLog.Debugf("Checking domain metadata %s", path)
	f, err := os.Open(path)
	if err != nil {
		hostLog.WithError(err).Error("Failed to read domain metadata")
		st.Surface("Failed to read domain metadata")
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.TrimRight(scanner.Text(), " \t\r") == "CLASS=Iso" {
			return true
		}
	}
	if err := scanner.Err(); err != nil {
		hostLog.WithError(err).Error("Failed to read domain metadata")
		st.Surface("Failed to read domain metadata")
	}
	return false
}
