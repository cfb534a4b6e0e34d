package types

import (
	"time"
)

// VolumeKind distinguishes complete images from per-VM snapshots
type VolumeKind string

const (
	VolumeKindOrigin VolumeKind = "origin"
	VolumeKindCOW    VolumeKind = "cow-snapshot"
)

// Visibility controls who may attach a volume directly
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// DiskType is the declared usage of a persisted volume
type DiskType string

const (
	// DiskTypeMachineLive is a bootable disk owned by a single running VM
	DiskTypeMachineLive DiskType = "MACHINE_IMAGE_LIVE"

	// DiskTypeMachineOrigin is a cached copy of a published machine image
	DiskTypeMachineOrigin DiskType = "MACHINE_IMAGE_ORIGIN"

	DiskTypeDataReadOnly  DiskType = "DATA_IMAGE_RAW_READONLY"
	DiskTypeDataReadWrite DiskType = "DATA_IMAGE_RAW_READ_WRITE"
)

// ImageFormat is the on-disk format of an image
type ImageFormat string

const (
	ImageFormatRaw   ImageFormat = "raw"
	ImageFormatQCOW2 ImageFormat = "qcow2"
)

// Volume is a unit of network block storage as reported by the volume store
type Volume struct {
	UUID          string     `json:"uuid"`
	Kind          VolumeKind `json:"kind"`
	Type          DiskType   `json:"type,omitempty"`
	Tag           string     `json:"tag,omitempty"`
	Identifier    string     `json:"identifier,omitempty"`
	Owner         string     `json:"owner,omitempty"`
	Visibility    Visibility `json:"visibility,omitempty"`
	SizeGiB       int        `json:"size"`
	MountCount    int        `json:"count"`
	Origin        string     `json:"origin,omitempty"` // parent uuid of a cow-snapshot
	SHA1          string     `json:"sha1,omitempty"`
	SHA256        string     `json:"sha256,omitempty"`
	QuarantinedAt *time.Time `json:"quarantine,omitempty"`
	CreatedAt     time.Time  `json:"created"`
	UpdatedAt     time.Time  `json:"updated"`
}

// Quarantined reports whether the volume carries a quarantine marker
func (v *Volume) Quarantined() bool {
	return v.QuarantinedAt != nil && !v.QuarantinedAt.IsZero()
}

// SearchFields lists the volume fields the volume store can search on
var SearchFields = []string{"tag", "identifier", "owner", "kind", "type", "visibility", "origin", "sha1", "quarantine"}

// Field returns the string form of a searchable field, empty when unset
func (v *Volume) Field(name string) string {
	switch name {
	case "tag":
		return v.Tag
	case "identifier":
		return v.Identifier
	case "owner":
		return v.Owner
	case "kind":
		return string(v.Kind)
	case "type":
		return string(v.Type)
	case "visibility":
		return string(v.Visibility)
	case "origin":
		return v.Origin
	case "sha1":
		return v.SHA1
	case "quarantine":
		if v.Quarantined() {
			return v.QuarantinedAt.UTC().Format(time.RFC3339)
		}
	}
	return ""
}

// Mount associates a volume with a running VM
type Mount struct {
	VolumeUUID   string    `json:"volume_uuid"`
	HostID       string    `json:"host_id"`
	VMID         string    `json:"vm_id"`
	DeviceTarget string    `json:"device_target"`
	DeviceIndex  int       `json:"device_index"`
	SourceRef    string    `json:"source_ref"` // reference the volume was attached from
	VolumeRef    string    `json:"volume_ref"` // pdisk: reference passed to the attach command
	Ephemeral    bool      `json:"ephemeral"`  // COW child created by the attach workflow
	CreatedAt    time.Time `json:"created_at"`
}

// Manifest describes a publishable image
type Manifest struct {
	Identifier string
	Checksums  map[string]string // algorithm name -> lowercase hex
	Bytes      int64
	Format     ImageFormat
	Locations  []string
	Version    string
	Creator    string
	OS         string
	Comment    string
	Created    time.Time
	ValidUntil time.Time
	Signature  string // base64, empty until signed
}

// Checksum algorithm names used in manifests
const (
	ChecksumSHA1   = "SHA-1"
	ChecksumSHA256 = "SHA-256"
	ChecksumSHA512 = "SHA-512"
)

// Digest returns the mandatory SHA-1 content digest
func (m *Manifest) Digest() string {
	if m.Checksums == nil {
		return ""
	}
	return m.Checksums[ChecksumSHA1]
}

// SizeGiB rounds the declared byte size up to whole GiB
func (m *Manifest) SizeGiB() int {
	return BytesToGiB(m.Bytes)
}

// BytesToGiB rounds n bytes up to whole GiB, with a minimum of one
func BytesToGiB(n int64) int {
	const gib = int64(1) << 30
	if n <= 0 {
		return 1
	}
	return int((n + gib - 1) / gib)
}

// Event is a notification emitted after an image has been saved
type Event struct {
	Identifier string    `json:"identifier"`
	VMID       string    `json:"vm_id"`
	Owner      string    `json:"owner"`
	Location   string    `json:"location"`
	Version    string    `json:"version"`
	Comment    string    `json:"comment,omitempty"`
	Created    time.Time `json:"created"`

	// Email is the requester's address, empty when no mail is wanted
	Email string `json:"-"`
}
