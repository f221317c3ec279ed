// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package state maintains the conversion state file. The file is the sole
// progress interface towards the caller of the wrapper: it is rewritten
// atomically so that a concurrent reader always sees a complete JSON
// document.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var stateLog = logrus.WithField("source", "state")

// Disk tracks the copy progress of a single disk. Path is the source path
// as reported by the converter.
type Disk struct {
	Path     string  `json:"path"`
	Progress float64 `json:"progress"`
}

// Message is the last user-visible error, kept in the state file so that
// callers can show a meaningful message without scraping logs.
type Message struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Throttling mirrors the limits currently applied to the conversion. A nil
// value means no limit was ever requested.
type Throttling struct {
	CPU     *string `json:"cpu"`
	Network *string `json:"network"`
}

// Internal holds bookkeeping that must never leak into the state file.
type Internal struct {
	// DiskIDs maps a host specific index to the disk identifier created
	// on the destination. Used during cleanup to find half-imported
	// disks.
	DiskIDs map[string]string

	// DisplayName is the VM name read from the guest VMX file, if any.
	DisplayName string

	// Ports created on the destination, removed again on cleanup.
	Ports []string

	// ThrottlingFile is the drop-file polled for limit updates.
	ThrottlingFile string
}

// Conversion is the serialized content of the state file.
type Conversion struct {
	Disks       []Disk     `json:"disks"`
	DiskCount   int        `json:"disk_count,omitempty"`
	Pid         int        `json:"pid,omitempty"`
	Started     bool       `json:"started,omitempty"`
	Finished    bool       `json:"finished,omitempty"`
	Failed      bool       `json:"failed"`
	ReturnCode  *int       `json:"return_code,omitempty"`
	VMID        string     `json:"vm_id,omitempty"`
	LastMessage *Message   `json:"last_message,omitempty"`
	Throttling  Throttling `json:"throttling"`

	Internal Internal `json:"-"`
}

// Store couples the conversion state with the paths derived for the run.
// All mutation happens on the controller goroutine; Write persists the
// current snapshot.
type Store struct {
	Conversion

	Daemonize          bool
	StateFile          string
	V2VLog             string
	MachineReadableLog string
}

// New returns an empty store for a fresh conversion.
func New() *Store {
	return &Store{
		Conversion: Conversion{
			Disks: []Disk{},
			Internal: Internal{
				DiskIDs: map[string]string{},
				Ports:   []string{},
			},
		},
		Daemonize: true,
	}
}

// Write persists the conversion snapshot. The document is written to a
// temporary file next to the state file and moved into place, readers can
// never observe a partial document.
func (s *Store) Write() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.StateFile), "*.v2v.state")
	if err != nil {
		return errors.Wrap(err, "could not create temporary state file")
	}

	if err := json.NewEncoder(tmp).Encode(&s.Conversion); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "could not serialize state")
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "could not write state")
	}

	if err := os.Rename(tmp.Name(), s.StateFile); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "could not move state file into place")
	}

	return nil
}

// Surface records a user-visible error message and persists the state.
// Only the first sentence of an error belongs here, details go to the log.
func (s *Store) Surface(message string) {
	s.LastMessage = &Message{
		Message: message,
		Type:    "error",
	}
	if err := s.Write(); err != nil {
		stateLog.WithError(err).Error("Failed to write state after error")
	}
}
