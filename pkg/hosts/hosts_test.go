// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package hosts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name      string
		req       Request
		daemonize bool
		expected  Type
	}{
		{
			name:      "rhv upload",
			req:       Request{"rhv_url": "https://engine/ovirt-engine/api"},
			daemonize: true,
			expected:  TypeVDSM,
		},
		{
			name:      "export domain",
			req:       Request{"export_domain": "storage:/export"},
			daemonize: true,
			expected:  TypeVDSM,
		},
		{
			name:      "openstack",
			req:       Request{"osp_environment": map[string]interface{}{"os_auth_url": "http://keystone"}},
			daemonize: true,
			expected:  TypeOSP,
		},
		{
			name:      "in pod",
			req:       Request{},
			daemonize: false,
			expected:  TypeCNV,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, err := Detect(tt.req, tt.daemonize)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, typ)
		})
	}
}

func TestDetectUnknown(t *testing.T) {
	_, err := Detect(Request{}, true)
	assert.Error(t, err)
}

func TestNewTag(t *testing.T) {
	host, err := New(TypeOSP, Settings{})
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9]{8}T[0-9]{6}-[0-9]+$`, host.Tag())

	host, err = New(TypeVDSM, Settings{Tag: "20181029T123456-42"})
	require.NoError(t, err)
	assert.Equal(t, "20181029T123456-42", host.Tag())
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(Type("floppy"), Settings{})
	assert.Error(t, err)
}

func TestSetEnv(t *testing.T) {
	env := []string{"LANG=C", "HOME=/root"}

	env = SetEnv(env, "LANG", "en_US.UTF-8")
	assert.Equal(t, []string{"LANG=en_US.UTF-8", "HOME=/root"}, env)

	env = SetEnv(env, "LIBGUESTFS_BACKEND", "direct")
	assert.Equal(t, []string{"LANG=en_US.UTF-8", "HOME=/root", "LIBGUESTFS_BACKEND=direct"}, env)
}

func TestDropEnv(t *testing.T) {
	env := []string{"LANG=C", "XDG_RUNTIME_DIR=/run/user/0", "HOME=/root"}

	env = DropEnv(env, "XDG_RUNTIME_DIR")
	assert.Equal(t, []string{"LANG=C", "HOME=/root"}, env)

	assert.Equal(t, []string{"LANG=C", "HOME=/root"}, DropEnv(env, "MISSING"))
}

func TestHasEnv(t *testing.T) {
	env := []string{"LANG=C", "HOME=/root"}
	assert.True(t, HasEnv(env, "LANG"))
	assert.False(t, HasEnv(env, "LAN"))
	assert.False(t, HasEnv(env, "PATH"))
}

func TestRequestAccessors(t *testing.T) {
	req := Request{
		"vm_name":             "guest",
		"insecure_connection": true,
		"two_networks":        2,
	}

	assert.True(t, req.Has("vm_name"))
	assert.False(t, req.Has("rhv_url"))
	assert.Equal(t, "guest", req.String("vm_name"))
	assert.Equal(t, "", req.String("rhv_url"))
	assert.Equal(t, "", req.String("two_networks"))
	assert.True(t, req.Bool("insecure_connection"))
	assert.False(t, req.Bool("vm_name"))

	req.Set("allocation", "sparse")
	assert.Equal(t, "sparse", req.String("allocation"))
}

func TestRequestStringMap(t *testing.T) {
	req := Request{
		"osp_environment": map[string]interface{}{
			"os_auth_url": "http://keystone",
			"os_retries":  3,
		},
	}

	env, err := req.StringMap("osp_environment")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"os_auth_url": "http://keystone",
		"os_retries":  "3",
	}, env)

	_, err = req.StringMap("missing")
	assert.Error(t, err)
}

func TestRequestStringList(t *testing.T) {
	req := Request{
		"osp_security_groups_ids": []interface{}{"default", "conversion"},
		"not_a_list":              "oops",
	}

	groups, err := req.StringList("osp_security_groups_ids")
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "conversion"}, groups)

	_, err = req.StringList("not_a_list")
	assert.Error(t, err)
}

func TestRequestNetworkMappings(t *testing.T) {
	req := Request{
		"network_mappings": []interface{}{
			map[string]interface{}{
				"source":      "VM Network",
				"destination": "ovirtmgmt",
				"mac_address": "00:11:22:33:44:55",
			},
			map[string]interface{}{
				"source":      "Other",
				"destination": "other",
			},
		},
	}

	mappings, err := req.NetworkMappings()
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, "VM Network", mappings[0].Source)
	assert.Equal(t, "ovirtmgmt", mappings[0].Destination)
	assert.Equal(t, "00:11:22:33:44:55", mappings[0].MACAddress)
	assert.Equal(t, "", mappings[1].MACAddress)

	none, err := Request{}.NetworkMappings()
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRequestDecodeTypedValue(t *testing.T) {
	req := Request{}
	req.Set("luks_keys_files", []LUKSKeyFile{{Device: "/dev/sda2", Filename: "/tmp/key.v2v"}})

	keys, err := req.LUKSKeyFiles()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "/dev/sda2", keys[0].Device)
	assert.Equal(t, "/tmp/key.v2v", keys[0].Filename)
}
