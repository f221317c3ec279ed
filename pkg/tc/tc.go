// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package tc shapes the converter's network traffic. It installs an HTB
// qdisc with a dedicated class on every manageable interface and creates a
// net_cls cgroup for the converter, so that a class id assigned to the
// cgroup throttles all conversion traffic at once.
package tc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/cgroups"
	"github.com/docker/go-units"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var tcLog = logrus.WithField("source", "tc")

// MaxRate is the highest rate tc can express, rates are stored as 32-bit
// unsigned integers in bytes per second.
const MaxRate = 0xffffffff

const (
	// rootMajor is the major number of the HTB root qdisc handle. The
	// value is arbitrary but fixed so that concurrent conversions share
	// the same qdisc.
	rootMajor = 0xabc

	filterPriority = 10

	// cgroupBase is the directory under the net_cls hierarchy holding
	// the per-conversion cgroups.
	cgroupBase = "v2v-conversion"
)

var rootHandle = netlink.MakeHandle(rootMajor, 0)

// Controller handles traffic control and the associated net_cls cgroup
// for one conversion.
type Controller struct {
	tag string
	uid int
	gid int

	// classID is the handle of the HTB class created for this
	// conversion, zero until assigned. The same class id is used on all
	// managed interfaces.
	classID uint32

	links     []netlink.Link
	cgroup    cgroups.Cgroup
	netClsDir string
}

// New prepares traffic shaping for the conversion identified by tag and
// creates the net_cls cgroup owned by uid and gid. Interfaces that cannot
// be shaped are skipped with a log message, a failure to create the cgroup
// is an error because the converter is launched inside it.
func New(tag string, uid, gid int) (*Controller, error) {
	c := &Controller{
		tag: tag,
		uid: uid,
		gid: gid,
	}

	tcLog.Info("Preparing tc")
	if !c.createQdiscs() {
		return c, nil
	}
	kept := c.links[:0]
	for _, link := range c.links {
		if c.createFilter(link) && c.createClass(link) {
			kept = append(kept, link)
		}
	}
	c.links = kept

	// The cgroup is created even when tc could not be set up, otherwise
	// cgexec would fail.
	if err := c.prepareCgroup(); err != nil {
		return nil, err
	}

	return c, nil
}

// CgroupPath returns the path of the conversion cgroup relative to the
// net_cls hierarchy root.
func (c *Controller) CgroupPath() string {
	return cgroupBase + "/" + c.tag
}

// ClassID returns the assigned class id in the "major:minor" form used by
// tc, or an empty string when no class could be created.
func (c *Controller) ClassID() string {
	if c.classID == 0 {
		return ""
	}
	return classIDString(c.classID)
}

// SetLimit changes the rate of the conversion class on all managed
// interfaces to limit bytes per second. An empty or "unlimited" limit
// lifts the restriction. Returns true only when every interface accepted
// the change.
func (c *Controller) SetLimit(limit string) bool {
	rate, err := parseLimit(limit)
	if err != nil {
		tcLog.WithError(err).Errorf("Cannot parse network limit %q", limit)
		return false
	}

	ret := true
	tcLog.Debugf("Changing tc class rate to %s", units.BytesSize(float64(rate)))
	for _, link := range c.links {
		class := netlink.NewHtbClass(
			netlink.ClassAttrs{
				LinkIndex: link.Attrs().Index,
				Parent:    rootHandle,
				Handle:    c.classID,
			},
			netlink.HtbClassAttrs{
				Rate: rate,
			})
		if err := netlink.ClassChange(class); err != nil {
			tcLog.WithError(err).Errorf(
				"Failed to change tc class rate on %s", link.Attrs().Name)
			ret = false
		}
	}
	return ret
}

// Close removes the conversion class from all managed interfaces and
// deletes the net_cls cgroup. The shared root qdisc is left in place for
// other conversions.
func (c *Controller) Close() {
	for _, link := range c.links {
		if c.classID == 0 {
			break
		}
		class := netlink.NewHtbClass(
			netlink.ClassAttrs{
				LinkIndex: link.Attrs().Index,
				Parent:    rootHandle,
				Handle:    c.classID,
			},
			netlink.HtbClassAttrs{})
		if err := netlink.ClassDel(class); err != nil {
			tcLog.WithError(err).Warningf(
				"Ignoring failed removal of tc class on %s", link.Attrs().Name)
		}
	}

	if c.cgroup != nil {
		if err := c.cgroup.Delete(); err != nil {
			tcLog.WithError(err).Warning("Ignoring failed removal of net_cls cgroup")
		}
		// Remove the shared parent directory too if we are the last
		// conversion, keep quiet if we are not.
		os.Remove(filepath.Dir(c.netClsDir))
	}
}

// createQdiscs walks all interfaces and makes sure each has our HTB root
// qdisc. Interfaces with a foreign qdisc configuration refuse the change
// and are skipped.
func (c *Controller) createQdiscs() bool {
	links, err := netlink.LinkList()
	if err != nil {
		tcLog.WithError(err).Error("Failed to query interfaces")
		return false
	}

	for _, link := range links {
		name := link.Attrs().Name
		qdiscs, err := netlink.QdiscList(link)
		if err != nil {
			tcLog.WithError(err).Infof("Failed to query qdiscs on %s", name)
			continue
		}

		var root netlink.Qdisc
		for _, qdisc := range qdiscs {
			if qdisc.Attrs().Parent == netlink.HANDLE_ROOT {
				root = qdisc
				break
			}
		}
		if htb, ok := root.(*netlink.Htb); ok && htb.Attrs().Handle == rootHandle {
			// Already ours
			c.links = append(c.links, link)
			continue
		}

		// Try to change the qdisc type. Interfaces carrying somebody
		// else's configuration will refuse, we give it a try first.
		htb := netlink.NewHtb(netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Handle:    rootHandle,
			Parent:    netlink.HANDLE_ROOT,
		})
		if err := netlink.QdiscAdd(htb); err != nil {
			tcLog.WithError(err).Infof("Failed to setup HTB qdisc on %s", name)
		} else {
			c.links = append(c.links, link)
		}
	}

	return true
}

// createFilter installs the cgroup filter classifying traffic into our
// class. It is OK if the same filter already exists from a concurrent
// conversion.
func (c *Controller) createFilter(link netlink.Link) bool {
	filter := &netlink.GenericFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    rootHandle,
			Priority:  filterPriority,
			Protocol:  unix.ETH_P_IP,
			Handle:    1,
		},
		FilterType: "cgroup",
	}
	if err := netlink.FilterAdd(filter); err != nil && !errors.Is(err, unix.EEXIST) {
		tcLog.WithError(err).Errorf(
			"Failed to create tc cgroup filter on %s", link.Attrs().Name)
		return false
	}
	return true
}

// createClass creates the conversion class on the interface. The first
// interface picks a free minor number, all others reuse it.
func (c *Controller) createClass(link netlink.Link) bool {
	name := link.Attrs().Name

	newID := c.classID
	if newID == 0 {
		classes, err := netlink.ClassList(link, rootHandle)
		if err != nil {
			tcLog.WithError(err).Errorf(
				"Failed to query existing classes on %s", name)
			return false
		}
		used := map[uint16]bool{}
		for _, class := range classes {
			handle := class.Attrs().Handle
			if handle>>16 == rootMajor {
				used[uint16(handle&0xffff)] = true
			}
		}
		minor, ok := freeClassMinor(used)
		if !ok {
			tcLog.Errorf("Could not find any free class ID on %s", name)
			return false
		}
		newID = netlink.MakeHandle(rootMajor, minor)
	}

	tcLog.Infof("Creating new tc class on %s with class ID: %s",
		name, classIDString(newID))
	class := netlink.NewHtbClass(
		netlink.ClassAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    rootHandle,
			Handle:    newID,
		},
		netlink.HtbClassAttrs{
			Rate: MaxRate,
			Ceil: MaxRate,
		})
	if err := netlink.ClassAdd(class); err != nil {
		tcLog.WithError(err).Errorf("Failed to create tc class on %s", name)
		return false
	}

	c.classID = newID
	return true
}

// prepareCgroup creates the net_cls cgroup for the conversion, hands the
// tasks file over to the converter owner and stores the class id.
func (c *Controller) prepareCgroup() error {
	tcLog.Infof("Preparing net_cls cgroup %s", c.CgroupPath())

	root, err := cgroupV1MountPoint()
	if err != nil {
		return errors.Wrap(err, "could not find cgroup mount point")
	}

	netCls := cgroups.NewNetCls(root)
	hierarchy := func() ([]cgroups.Subsystem, error) {
		return []cgroups.Subsystem{netCls}, nil
	}
	cgroup, err := cgroups.New(hierarchy,
		cgroups.StaticPath("/"+c.CgroupPath()), &specs.LinuxResources{})
	if err != nil {
		return errors.Wrap(err, "could not create net_cls cgroup")
	}
	c.cgroup = cgroup
	c.netClsDir = netCls.Path("/" + c.CgroupPath())

	// Change ownership of 'tasks' file so cgexec can write into it
	if err := os.Chown(filepath.Join(c.netClsDir, "tasks"), c.uid, c.gid); err != nil {
		return errors.Wrap(err, "could not hand over the net_cls cgroup")
	}

	if c.classID != 0 {
		classID, err := ClassIDToHex(classIDString(c.classID))
		if err != nil {
			return err
		}
		err = os.WriteFile(
			filepath.Join(c.netClsDir, "net_cls.classid"), []byte(classID), 0644)
		if err != nil {
			return errors.Wrap(err, "could not store class ID")
		}
	} else {
		tcLog.Info("Not assigning class ID to net_cls cgroup" +
			" because of previous errors")
	}

	return nil
}

// ClassIDToHex converts a class ID in the form <major>:<minor> into a hex
// string where the upper 16 bits are the major and the lower 16 bits the
// minor number.
//
// e.g.: '1a:2b' -> '0x001a002b'
func ClassIDToHex(classID string) (string, error) {
	parts := strings.Split(classID, ":")
	if len(parts) != 2 {
		return "", errors.Errorf("malformed class ID %q", classID)
	}
	major, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return "", errors.Wrapf(err, "malformed class ID %q", classID)
	}
	minor, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return "", errors.Wrapf(err, "malformed class ID %q", classID)
	}
	return fmt.Sprintf("0x%04x%04x", major, minor), nil
}

func classIDString(handle uint32) string {
	return fmt.Sprintf("%x:%x", handle>>16, handle&0xffff)
}

func freeClassMinor(used map[uint16]bool) (uint16, bool) {
	for minor := 1; minor <= 0xffff; minor++ {
		if !used[uint16(minor)] {
			return uint16(minor), true
		}
	}
	return 0, false
}

// parseLimit converts a limit in bytes per second into a tc rate. Plain
// numbers and human readable sizes ("10M") are accepted.
func parseLimit(limit string) (uint64, error) {
	if limit == "" || limit == "unlimited" {
		return MaxRate, nil
	}
	rate, err := units.RAMInBytes(strings.TrimPrefix(limit, "+"))
	if err != nil {
		return 0, errors.Wrapf(err, "malformed network limit %q", limit)
	}
	if rate < 0 {
		return 0, errors.Errorf("malformed network limit %q", limit)
	}
	return uint64(rate), nil
}

// cgroupV1MountPoint finds the single mount point all cgroup v1
// hierarchies live under, usually /sys/fs/cgroup.
func cgroupV1MountPoint() (string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var (
			text   = scanner.Text()
			fields = strings.Split(text, " ")
			// safe as mountinfo encodes mountpoints with spaces as \040.
			index               = strings.Index(text, " - ")
			postSeparatorFields = strings.Fields(text[index+3:])
		)
		if len(postSeparatorFields) == 0 {
			return "", errors.Errorf("found no fields post '-' in %q", text)
		}
		if postSeparatorFields[0] == "cgroup" {
			if len(postSeparatorFields) < 3 {
				return "", errors.Errorf(
					"found less than 3 fields post '-' in %q", text)
			}
			return filepath.Dir(fields[4]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	return "", cgroups.ErrMountPointNotExist
}
