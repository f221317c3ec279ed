// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package hosts

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Request is the conversion request as decoded from standard input. The
// keys stay in their raw JSON form, back-ends fill in defaults during
// validation by mutating the map.
type Request map[string]interface{}

// NetworkMapping connects a source network to a destination network,
// optionally pinned to a guest NIC by MAC address and a static IP.
type NetworkMapping struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	MACAddress  string `json:"mac_address,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
}

// LUKSKeyFile pairs an encrypted guest device with the file holding its
// key.
type LUKSKeyFile struct {
	Device   string `json:"device"`
	Filename string `json:"filename"`
}

// Has reports whether the request carries the key, regardless of value.
func (r Request) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// String returns the value under key as a string. Missing keys and values
// of a different type read as "".
func (r Request) String(key string) string {
	value, _ := r[key].(string)
	return value
}

// Bool returns the value under key as a bool, false when missing.
func (r Request) Bool(key string) bool {
	value, _ := r[key].(bool)
	return value
}

// Set stores value under key.
func (r Request) Set(key string, value interface{}) {
	r[key] = value
}

// Decode re-encodes the raw value under key and unmarshals it into dst.
// The round trip accepts both values decoded from the original request
// and typed values stored by earlier phases.
func (r Request) Decode(key string, dst interface{}) error {
	raw, ok := r[key]
	if !ok {
		return errors.Errorf("missing key %q", key)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid value under %q", key)
	}
	if err := json.Unmarshal(encoded, dst); err != nil {
		return errors.Wrapf(err, "invalid value under %q", key)
	}
	return nil
}

// StringMap returns the value under key as a string map. Scalar values of
// other types are converted to their string form.
func (r Request) StringMap(key string) (map[string]string, error) {
	var raw map[string]interface{}
	if err := r.Decode(key, &raw); err != nil {
		return nil, err
	}
	converted := make(map[string]string, len(raw))
	for k, v := range raw {
		converted[k] = fmt.Sprint(v)
	}
	return converted, nil
}

// StringList returns the value under key as a list of strings. Scalar
// values of other types are converted to their string form.
func (r Request) StringList(key string) ([]string, error) {
	var raw []interface{}
	if err := r.Decode(key, &raw); err != nil {
		return nil, err
	}
	converted := make([]string, 0, len(raw))
	for _, v := range raw {
		converted = append(converted, fmt.Sprint(v))
	}
	return converted, nil
}

// NetworkMappings returns the decoded network mappings. A missing key is
// not an error, the conversion simply has no mappings.
func (r Request) NetworkMappings() ([]NetworkMapping, error) {
	if !r.Has("network_mappings") {
		return nil, nil
	}
	var mappings []NetworkMapping
	if err := r.Decode("network_mappings", &mappings); err != nil {
		return nil, err
	}
	return mappings, nil
}

// LUKSKeyFiles returns the key files materialized for encrypted guest
// devices, if any.
func (r Request) LUKSKeyFiles() ([]LUKSKeyFile, error) {
	if !r.Has("luks_keys_files") {
		return nil, nil
	}
	var keys []LUKSKeyFile
	if err := r.Decode("luks_keys_files", &keys); err != nil {
		return nil, err
	}
	return keys, nil
}
