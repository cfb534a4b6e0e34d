package volumestore

import (
	"context"

	"github.com/cuemby/pdisk/pkg/types"
)

// Searchable metadata fields
const (
	FieldTag        = "tag"
	FieldIdentifier = "identifier"
	FieldOwner      = "owner"
	FieldQuarantine = "quarantine"
)

// CreateOptions describes a new origin volume
type CreateOptions struct {
	SizeGiB    int
	Tag        string
	Identifier string
	Visibility types.Visibility
	Owner      string
	Type       types.DiskType
}

// Store is the volume store as seen by the workflows. Every method fails
// with an error matching types.ErrVolumeNotFound, types.ErrVolumeConflict or
// types.ErrVolumeServiceUnavailable.
type Store interface {
	Create(ctx context.Context, opts CreateOptions) (string, error)

	// CreateFromURL has the store download url, check its size and SHA-1
	// digest and register it. A mismatch fails with ErrVolumeConflict and
	// leaves no volume behind.
	CreateFromURL(ctx context.Context, opts CreateOptions, url string, sizeBytes int64, sha1 string) (string, error)

	CreateCowChild(ctx context.Context, originUUID string) (string, error)

	// Rebase flattens the COW chain of uuid into a new origin volume
	Rebase(ctx context.Context, uuid string) (string, error)

	Get(ctx context.Context, uuid string) (*types.Volume, error)
	Update(ctx context.Context, uuid string, fields map[string]string) error
	Delete(ctx context.Context, uuid string) error

	MountCount(ctx context.Context, uuid string) (int, error)

	// AdjustMountCount atomically adds delta to the mount count and
	// returns the new value
	AdjustMountCount(ctx context.Context, uuid string, delta int) (int, error)

	// Search returns the uuids whose field equals value; an empty value
	// matches any volume where the field is set
	Search(ctx context.Context, field, value string) ([]string, error)

	// TransferURL returns a URL through which the volume can be attached
	// over the network
	TransferURL(ctx context.Context, uuid string) (string, error)
}
