// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ovirt wraps the slice of the oVirt engine API the wrapper
// needs: storage domain lookup for allocation decisions and disk/image
// transfer handling for cleanup after a failed conversion.
package ovirt

import (
	"fmt"
	"net/url"

	ovirtsdk4 "github.com/ovirt/go-ovirt"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when the engine does not know the object.
var ErrNotFound = errors.New("not found")

// StorageType is the storage technology backing a storage domain.
type StorageType string

const (
	StorageTypeCinder    StorageType = "cinder"
	StorageTypeFCP       StorageType = "fcp"
	StorageTypeGlusterFS StorageType = "glusterfs"
	StorageTypeISCSI     StorageType = "iscsi"
	StorageTypeNFS       StorageType = "nfs"
	StorageTypePosixFS   StorageType = "posixfs"
)

// StorageDomain is an engine storage domain.
type StorageDomain struct {
	Name string
	Type StorageType
}

// Transfer is a running image transfer.
type Transfer struct {
	ID      string
	ImageID string
}

// DiskStatus is the engine disk status.
type DiskStatus string

// DiskStatusOK marks a disk that is ready for use.
const DiskStatusOK DiskStatus = "ok"

// Disk is an engine disk.
type Disk struct {
	ID     string
	Status DiskStatus
}

// Client talks to the oVirt engine on behalf of the conversion host.
type Client interface {
	// ListStorageDomains returns the storage domains matching name.
	ListStorageDomains(name string) ([]StorageDomain, error)

	// ListTransfers returns all running image transfers.
	ListTransfers() ([]Transfer, error)

	// CancelTransfer cancels an image transfer.
	CancelTransfer(id string) error

	// GetDisk returns the disk with the given id, or ErrNotFound.
	GetDisk(id string) (Disk, error)

	// RemoveDisk deletes the disk with the given id, or ErrNotFound.
	RemoveDisk(id string) error

	// Close releases the connection.
	Close()
}

type client struct {
	conn *ovirtsdk4.Connection
}

// Connect opens an engine API connection. The user name is taken from the
// URL when present, otherwise the internal admin is used.
func Connect(rawURL, password, caFile string, insecure bool) (Client, error) {
	username := "admin@internal"
	if u, err := url.Parse(rawURL); err == nil && u.User != nil && u.User.Username() != "" {
		username = u.User.Username()
	}

	conn, err := ovirtsdk4.NewConnectionBuilder().
		URL(rawURL).
		Username(username).
		Password(password).
		CAFile(caFile).
		Insecure(insecure).
		Build()
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to oVirt engine")
	}

	return &client{conn: conn}, nil
}

func (c *client) ListStorageDomains(name string) ([]StorageDomain, error) {
	resp, err := c.conn.SystemService().StorageDomainsService().List().
		Search(fmt.Sprintf(`name="%s"`, name)).Send()
	if err != nil {
		return nil, errors.Wrap(err, "storage domain lookup failed")
	}

	slice, ok := resp.StorageDomains()
	if !ok {
		return nil, nil
	}
	var domains []StorageDomain
	for _, sd := range slice.Slice() {
		domain := StorageDomain{}
		domain.Name, _ = sd.Name()
		if storage, ok := sd.Storage(); ok {
			if storageType, ok := storage.Type(); ok {
				domain.Type = StorageType(storageType)
			}
		}
		domains = append(domains, domain)
	}
	return domains, nil
}

func (c *client) ListTransfers() ([]Transfer, error) {
	resp, err := c.conn.SystemService().ImageTransfersService().List().Send()
	if err != nil {
		return nil, errors.Wrap(err, "image transfer listing failed")
	}

	slice, ok := resp.ImageTransfer()
	if !ok {
		return nil, nil
	}
	var transfers []Transfer
	for _, item := range slice.Slice() {
		transfer := Transfer{}
		transfer.ID, _ = item.Id()
		if image, ok := item.Image(); ok {
			transfer.ImageID, _ = image.Id()
		}
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

func (c *client) CancelTransfer(id string) error {
	_, err := c.conn.SystemService().ImageTransfersService().
		ImageTransferService(id).Cancel().Send()
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "could not cancel transfer %s", id)
	}
	return nil
}

func (c *client) GetDisk(id string) (Disk, error) {
	resp, err := c.conn.SystemService().DisksService().DiskService(id).
		Get().Send()
	if err != nil {
		if isNotFound(err) {
			return Disk{}, ErrNotFound
		}
		return Disk{}, errors.Wrapf(err, "could not get disk %s", id)
	}

	sdkDisk, ok := resp.Disk()
	if !ok {
		return Disk{}, ErrNotFound
	}
	disk := Disk{}
	disk.ID, _ = sdkDisk.Id()
	if status, ok := sdkDisk.Status(); ok {
		disk.Status = DiskStatus(status)
	}
	return disk, nil
}

func (c *client) RemoveDisk(id string) error {
	_, err := c.conn.SystemService().DisksService().DiskService(id).
		Remove().Send()
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "could not remove disk %s", id)
	}
	return nil
}

func (c *client) Close() {
	c.conn.Close()
}

func isNotFound(err error) bool {
	var notFound *ovirtsdk4.NotFoundError
	return errors.As(err, &notFound)
}
