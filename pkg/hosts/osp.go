// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package hosts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/oVirt/v2v-conversion-host/pkg/runner"
	"github.com/oVirt/v2v-conversion-host/pkg/state"
	"github.com/oVirt/v2v-conversion-host/pkg/wrapperlog"
)

const ospLogDir = "/var/log/virt-v2v"

// Poll interval while waiting for a Cinder volume to detach.
const volumePollInterval = 20 * time.Second

// Keys in the OSP environment must carry an os- or os_ prefix.
var ospEnvKeyRe = regexp.MustCompile(`(?i)^os[-_]`)

// ospHost drives a conversion towards OpenStack. All target side work
// goes through the openstack client, the credentials come in the request
// as environment entries.
type ospHost struct {
	base

	// runCLI executes one openstack client invocation and returns its
	// combined output. Swapped in tests.
	runCLI func(argv []string) ([]byte, error)
}

func newOSP(settings Settings) *ospHost {
	return &ospHost{
		base: base{settings: settings},
		runCLI: func(argv []string) ([]byte, error) {
			return exec.Command(argv[0], argv[1:]...).CombinedOutput()
		},
	}
}

func (h *ospHost) CreateRunner(args, env []string, logPath string) runner.Runner {
	if h.settings.Daemonize {
		return runner.NewSystemd(h, h.settings.Converter, args, env, logPath)
	}
	return runner.NewSubprocess(h.settings.Converter, args, env, logPath)
}

func (h *ospHost) LogDirs() (string, string, error) {
	if err := os.MkdirAll(ospLogDir, 0o755); err != nil {
		return "", "", errors.Wrapf(err, "could not create log directory %s", ospLogDir)
	}
	return ospLogDir, ospLogDir, nil
}

func (h *ospHost) Validate(ctx context.Context, req Request) error {
	// Conversions towards OpenStack run as root, the libvirt backend
	// cannot be used there.
	req.Set("backend", "direct")

	for _, key := range []string{
		"osp_destination_project_id",
		"osp_environment",
		"osp_flavor_id",
		"osp_security_groups_ids",
		"osp_server_id",
	} {
		if !req.Has(key) {
			return errors.Errorf("missing argument: %s", key)
		}
	}
	if !req.Has("insecure_connection") {
		req.Set("insecure_connection", false)
	}
	if req.Bool("insecure_connection") {
		hostLog.Info("SSL verification is disabled for OpenStack connections")
	}
	env, err := req.StringMap("osp_environment")
	if err != nil {
		return errors.Wrap(err, "invalid OSP environment")
	}
	for key := range env {
		if !ospEnvKeyRe.MatchString(key) {
			return errors.Errorf("found invalid key in OSP environment: %s", key)
		}
	}
	if !req.Has("osp_guest_id") {
		req.Set("osp_guest_id", uuid.New().String())
	}
	if _, err := req.StringList("osp_security_groups_ids"); err != nil {
		return errors.New("osp_security_groups_ids must be a list")
	}
	mappings, err := req.NetworkMappings()
	if err != nil {
		return errors.Wrap(err, "invalid network mappings")
	}
	for _, mapping := range mappings {
		if mapping.MACAddress == "" {
			return errors.New("missing mac address in one of network mappings")
		}
	}
	return nil
}

func (h *ospHost) BuildArgs(req Request, args, env []string) ([]string, []string) {
	args = append(args,
		"-o", "openstack",
		"-oo", "server-id="+req.String("osp_server_id"),
		"-oo", "guest-id="+req.String("osp_guest_id"),
	)
	ospEnv, err := req.StringMap("osp_environment")
	if err != nil {
		hostLog.WithError(err).Error("Failed to decode OSP environment")
	}
	for _, key := range sortedKeys(ospEnv) {
		args = append(args, "-oo", fmt.Sprintf("%s=%s", ospArgName(key), ospEnv[key]))
	}
	if req.Has("osp_volume_type_id") {
		args = append(args, "-os", req.String("osp_volume_type_id"))
	}
	if req.Bool("insecure_connection") {
		args = append(args, "-oo", "verify-server-certificate=false")
	}
	return args, env
}

// Finalize moves the volumes to the destination project and creates the
// new instance there.
func (h *ospHost) Finalize(ctx context.Context, req Request, st *state.Store) bool {
	vmName := req.String("vm_name")
	if st.Internal.DisplayName != "" {
		vmName = st.Internal.DisplayName
	}

	// Check the credentials work before building anything.
	if h.runOpenStack(req, []string{"token", "issue"}, false) == nil {
		surface(st, "Create VM failed")
		return false
	}

	// The volume order follows the numeric disk index assigned during
	// the conversion.
	keys := make([]string, 0, len(st.Internal.DiskIDs))
	for key := range st.Internal.DiskIDs {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])
		return a < b
	})
	volumes := make([]string, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	duplicate := false
	for _, key := range keys {
		index, _ := strconv.Atoi(key)
		if seen[index] {
			duplicate = true
		}
		seen[index] = true
		volumes = append(volumes, st.Internal.DiskIDs[key])
	}
	if len(volumes) == 0 {
		surface(st, "No volumes found!")
		return false
	}
	if duplicate {
		surface(st, "Detected duplicate indices of Cinder volumes")
		hostLog.Debugf("Source volume map: %v", st.Internal.DiskIDs)
		hostLog.Debugf("Assumed volume list: %v", volumes)
		return false
	}

	for _, volume := range volumes {
		hostLog.Infof("Transferring volume: %s", volume)
		if !h.waitVolumeAvailable(ctx, req, st, volume) {
			return false
		}
		transferOut := h.runOpenStack(req, []string{
			"volume", "transfer", "request", "create",
			"--format", "json",
			volume,
		}, false)
		if transferOut == nil {
			surface(st, "Failed to transfer volume")
			return false
		}
		var transfer struct {
			ID      string `json:"id"`
			AuthKey string `json:"auth_key"`
		}
		if err := json.Unmarshal(transferOut, &transfer); err != nil {
			hostLog.WithError(err).Error("Failed to decode volume transfer")
			surface(st, "Failed to transfer volume")
			return false
		}
		h.runOpenStack(req, []string{
			"volume", "transfer", "request", "accept",
			"--auth-key", transfer.AuthKey,
			transfer.ID,
		}, true)
	}

	mappings, err := req.NetworkMappings()
	if err != nil {
		hostLog.WithError(err).Error("Failed to decode network mappings")
		surface(st, "Failed to create port")
		return false
	}
	groups, err := req.StringList("osp_security_groups_ids")
	if err != nil {
		hostLog.WithError(err).Error("Failed to decode security groups")
		surface(st, "Failed to create port")
		return false
	}
	ports := make([]string, 0, len(mappings))
	for _, nic := range mappings {
		portCmd := []string{
			"port", "create",
			"--format", "json",
			"--network", nic.Destination,
			"--mac-address", nic.MACAddress,
			"--enable",
			fmt.Sprintf("%s_port_%d", vmName, len(ports)),
		}
		if nic.IPAddress != "" {
			portCmd = append(portCmd, h.fixedIPArgs(req, nic)...)
		}
		for _, group := range groups {
			portCmd = append(portCmd, "--security-group", group)
		}
		portOut := h.runOpenStack(req, portCmd, true)
		if portOut == nil {
			surface(st, "Failed to create port")
			return false
		}
		var port struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(portOut, &port); err != nil {
			hostLog.WithError(err).Error("Failed to decode created port")
			surface(st, "Failed to create port")
			return false
		}
		hostLog.Infof("Created port id=%s", port.ID)
		ports = append(ports, port.ID)
	}
	st.Internal.Ports = ports

	serverCmd := []string{
		"server", "create",
		"--format", "json",
		"--flavor", req.String("osp_flavor_id"),
	}
	for _, group := range groups {
		serverCmd = append(serverCmd, "--security-group", group)
	}
	serverCmd = append(serverCmd, "--volume", volumes[0])
	for i := 1; i < len(volumes); i++ {
		name, err := diskName(i + 1)
		if err != nil {
			hostLog.WithError(err).Error("Failed to derive device name")
			surface(st, "Create VM failed")
			return false
		}
		serverCmd = append(serverCmd, "--block-device-mapping",
			fmt.Sprintf("%s=%s", name, volumes[i]))
	}
	for _, port := range ports {
		serverCmd = append(serverCmd, "--nic", "port-id="+port)
	}
	serverCmd = append(serverCmd, vmName)

	vmOut := h.runOpenStack(req, serverCmd, true)
	if vmOut == nil {
		surface(st, "Create VM failed")
		return false
	}
	var vm struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(vmOut, &vm); err != nil {
		hostLog.WithError(err).Error("Failed to decode created server")
		surface(st, "Create VM failed")
		return false
	}
	st.VMID = vm.ID
	hostLog.Infof("Created OSP instance with id=%s", st.VMID)
	return true
}

// Cleanup detaches and deletes the volumes created for the conversion and
// removes any ports and transfer requests left behind. Errors are logged
// and the remaining steps still run.
func (h *ospHost) Cleanup(ctx context.Context, req Request, st *state.Store) {
	volumes := make([]string, 0, len(st.Internal.DiskIDs))
	for _, volume := range st.Internal.DiskIDs {
		volumes = append(volumes, volume)
	}
	sort.Strings(volumes)

	// Detach the volumes from the conversion appliance.
	for _, volume := range volumes {
		h.runOpenStack(req, []string{
			"server", "remove", "volume",
			req.String("osp_server_id"),
			volume,
		}, false)
	}

	// Cancel transfer requests that still reference our volumes.
	transfersOut := h.runOpenStack(req, []string{
		"volume", "transfer", "request", "list",
		"--format", "json",
	}, false)
	if transfersOut == nil {
		hostLog.Error("Failed to remove transfer(s)")
	} else {
		// The list output capitalizes its keys.
		var transfers []struct {
			ID     string `json:"ID"`
			Volume string `json:"Volume"`
		}
		if err := json.Unmarshal(transfersOut, &transfers); err != nil {
			hostLog.WithError(err).Error("Failed to remove transfer(s)")
		} else {
			var matching []string
			for _, transfer := range transfers {
				if slices.Contains(volumes, transfer.Volume) {
					matching = append(matching, transfer.ID)
				}
			}
			if len(matching) > 0 {
				cmd := append([]string{"volume", "transfer", "request", "delete"}, matching...)
				if h.runOpenStack(req, cmd, false) == nil {
					hostLog.Error("Failed to remove transfer(s)")
				}
			}
		}
	}

	if len(st.Internal.Ports) > 0 {
		hostLog.Infof("Removing ports: %v", st.Internal.Ports)
		cmd := append([]string{"port", "delete"}, st.Internal.Ports...)
		if h.runOpenStack(req, cmd, true) == nil {
			hostLog.Error("Failed to remove port(s)")
		}
	}

	if len(volumes) > 0 {
		// We don't know in which project the volumes are and figuring
		// that out can be impractical in large environments. Try both.
		hostLog.Infof("Removing volume(s): %v", volumes)
		cmd := append([]string{"volume", "delete"}, volumes...)
		if h.runOpenStack(req, cmd, false) == nil {
			hostLog.Error("Failed to remove volumes(s) from current project")
		}
		if h.runOpenStack(req, cmd, true) == nil {
			hostLog.Error("Failed to remove volumes(s) from destination project")
		}
	}
}

// waitVolumeAvailable polls the volume status until it detaches from the
// conversion appliance.
func (h *ospHost) waitVolumeAvailable(ctx context.Context, req Request, st *state.Store, volume string) bool {
	start := time.Now()
	for time.Since(start) < apiTimeout {
		out := h.runOpenStack(req, []string{
			"volume", "show",
			"-f", "value",
			"-c", "status",
			volume,
		}, false)
		if out == nil {
			surface(st, "Unable to get volume state, quitting.")
			return false
		}
		status := strings.TrimSpace(string(out))
		hostLog.Infof("Current volume state: %s.", status)
		if status == "available" {
			hostLog.Infof("Volume detached in %d second(s), transferring.",
				int(time.Since(start).Seconds()))
			return true
		}
		select {
		case <-ctx.Done():
			hostLog.Warn("Aborted waiting for volume to detach")
			return false
		case <-time.After(volumePollInterval):
		}
	}
	surface(st, fmt.Sprintf(
		"Volume did not get ready (available) for transfer within %d seconds.",
		int(apiTimeout.Seconds())))
	return false
}

// fixedIPArgs pins the port to the requested IP when one of the subnets
// on the destination network contains it.
func (h *ospHost) fixedIPArgs(req Request, nic NetworkMapping) []string {
	subnetsOut := h.runOpenStack(req, []string{
		"subnet", "list",
		"--network", nic.Destination,
		"-f", "json",
	}, false)
	if subnetsOut == nil {
		return nil
	}
	var subnets []struct {
		Subnet string `json:"Subnet"`
	}
	if err := json.Unmarshal(subnetsOut, &subnets); err != nil {
		hostLog.WithError(err).Error("Failed to decode subnet list")
		return nil
	}
	for _, subnet := range subnets {
		if checkIPInNetwork(nic.IPAddress, subnet.Subnet) {
			return []string{"--fixed-ip", "ip-address=" + nic.IPAddress}
		}
	}
	return nil
}

// runOpenStack invokes the openstack client with the credentials from the
// request, against the destination project when destination is set. A
// failed invocation returns nil and logs only the exit code and output.
// The error itself stays out of the log, the client reflects credentials
// in its messages.
func (h *ospHost) runOpenStack(req Request, args []string, destination bool) []byte {
	argv := []string{"openstack"}
	if req.Bool("insecure_connection") {
		argv = append(argv, "--insecure")
	}
	env, err := req.StringMap("osp_environment")
	if err != nil {
		hostLog.WithError(err).Error("Failed to decode OSP environment")
		return nil
	}
	for _, key := range sortedKeys(env) {
		argv = append(argv, fmt.Sprintf("--%s=%s", ospArgName(key), env[key]))
	}
	if destination {
		// A later argument takes precedence over any project already
		// named in the environment.
		argv = append(argv, "--os-project-id="+req.String("osp_destination_project_id"))
	}
	argv = append(argv, args...)

	wrapperlog.LogCommand(hostLog, argv, nil)
	out, err := h.runCLI(argv)
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		hostLog.Errorf("Command exited with non-zero return code %d, output:\n%s", code, out)
		return nil
	}
	return out
}

// ospArgName converts an environment style key like OS_PROJECT_NAME to
// the client argument form os-project-name.
func ospArgName(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), "_", "-")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// diskName maps a 1-based disk index to the device name the instance
// sees, vda through vdzz.
func diskName(index int) (string, error) {
	if index < 1 {
		return "", errors.Errorf("disk index %d less than 1", index)
	}
	if index > 702 {
		return "", errors.Errorf("disk index %d too large", index)
	}
	index--
	one := index / 26
	two := index % 26
	if one == 0 {
		return fmt.Sprintf("vd%c", 'a'+two), nil
	}
	return fmt.Sprintf("vd%c%c", 'a'+one-1, 'a'+two), nil
}

// checkIPInNetwork reports whether the address falls into the network
// given in CIDR form, by comparing the binary prefixes.
func checkIPInNetwork(ipaddr, network string) bool {
	addr, size, ok := strings.Cut(network, "/")
	if !ok {
		return false
	}
	netsize, err := strconv.Atoi(size)
	if err != nil || netsize < 0 {
		return false
	}
	ipPrefix, ok := prefixBin(ipaddr, netsize)
	if !ok {
		return false
	}
	netPrefix, ok := prefixBin(addr, netsize)
	if !ok {
		return false
	}
	return ipPrefix == netPrefix
}

// ipToBinary expands a dotted IPv4 address into its binary string form.
func ipToBinary(ipaddr string) (string, bool) {
	octets := strings.Split(ipaddr, ".")
	var expanded strings.Builder
	for _, octet := range octets {
		value, err := strconv.Atoi(octet)
		if err != nil {
			return "", false
		}
		fmt.Fprintf(&expanded, "%08b", value)
	}
	return expanded.String(), true
}

// prefixBin truncates the binary address form to the network size.
func prefixBin(ipaddr string, netsize int) (string, bool) {
	bin, ok := ipToBinary(ipaddr)
	if !ok {
		return "", false
	}
	if netsize >= len(bin) {
		return bin, true
	}
	return bin[:netsize], true
}
