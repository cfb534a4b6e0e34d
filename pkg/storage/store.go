package storage

import (
	"errors"

	"github.com/cuemby/pdisk/pkg/types"
)

var (
	// ErrNotFound is returned when a key is absent
	ErrNotFound = errors.New("not found")

	// ErrNegativeCount is returned when a mount count delta would drop below zero
	ErrNegativeCount = errors.New("mount count would become negative")

	// ErrInUse is returned when deleting a volume that is still mounted
	ErrInUse = errors.New("volume is mounted")

	// ErrUnknownField is returned when searching on a field that is not indexed
	ErrUnknownField = errors.New("unknown search field")
)

// VolumeStore persists volume metadata for the volume store server
type VolumeStore interface {
	CreateVolume(volume *types.Volume) error
	GetVolume(uuid string) (*types.Volume, error)
	ListVolumes() ([]*types.Volume, error)

	// UpdateVolume applies fn to the stored volume inside one write transaction
	UpdateVolume(uuid string, fn func(*types.Volume) error) (*types.Volume, error)

	// DeleteVolume removes an unmounted volume
	DeleteVolume(uuid string) error

	// SearchVolumes returns the uuids of volumes whose field equals value.
	// An empty value matches any non-empty field.
	SearchVolumes(field, value string) ([]string, error)

	// AdjustMountCount atomically adds delta to the mount count and returns
	// the new count
	AdjustMountCount(uuid string, delta int) (int, error)
}

// MountStore is the ledger of volumes attached to running VMs
type MountStore interface {
	RecordMount(mount *types.Mount) error
	ListMountsByVM(vmID string) ([]*types.Mount, error)
	DeleteMount(vmID, volumeUUID string) error
}
