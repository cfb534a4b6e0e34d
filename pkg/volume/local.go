package volume

import (
	"crypto/sha1"
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

const (
	// DefaultVolumesPath is the base directory for file-backed volumes
	DefaultVolumesPath = "/var/lib/pdisk/volumes"

	gib = int64(1) << 30
)

// ErrVolumeMissing is returned when a volume has no backing file
var ErrVolumeMissing = errors.New("volume file does not exist")

// Digests describes the content of a volume
type Digests struct {
	SHA1   string
	SHA256 string
	Bytes  int64
}

// Driver stores volume content for the volume store server
type Driver interface {
	// Create allocates an empty volume of sizeGiB
	Create(uuid string, sizeGiB int) error

	// Write replaces the volume content with r
	Write(uuid string, r io.Reader) (Digests, error)

	// Clone copies src into a new volume dst
	Clone(src, dst string) error

	// Checksum digests the current content of a volume
	Checksum(uuid string) (Digests, error)

	// Open returns a reader over the volume content
	Open(uuid string) (io.ReadCloser, error)

	// Delete removes a volume; deleting a missing volume is not an error
	Delete(uuid string) error

	// Path returns the host path backing a volume
	Path(uuid string) string
}

// FileDriver keeps each volume as a sparse file
type FileDriver struct {
	basePath string
}

// NewFileDriver creates a file driver rooted at basePath
func NewFileDriver(basePath string) (*FileDriver, error) {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}

	return &FileDriver{basePath: basePath}, nil
}

// Create creates a sparse file of sizeGiB
func (d *FileDriver) Create(uuid string, sizeGiB int) error {
	if sizeGiB < 1 {
		return fmt.Errorf("invalid volume size %d GiB", sizeGiB)
	}

	f, err := os.OpenFile(d.Path(uuid), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create volume file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(sizeGiB) * gib); err != nil {
		return fmt.Errorf("failed to size volume file: %w", err)
	}
	return nil
}

// Write streams r into the volume, digesting it on the way
func (d *FileDriver) Write(uuid string, r io.Reader) (Digests, error) {
	f, err := os.OpenFile(d.Path(uuid), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return Digests{}, fmt.Errorf("failed to open volume file: %w", err)
	}
	defer f.Close()

	digests, err := digestCopy(f, r)
	if err != nil {
		return Digests{}, fmt.Errorf("failed to write volume %s: %w", uuid, err)
	}
	return digests, f.Sync()
}

// Clone copies the file of src into dst
func (d *FileDriver) Clone(src, dst string) error {
	in, err := d.open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(d.Path(dst), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create volume file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(d.Path(dst))
		return fmt.Errorf("failed to clone %s into %s: %w", src, dst, err)
	}
	return out.Sync()
}

// Checksum reads the whole volume
func (d *FileDriver) Checksum(uuid string) (Digests, error) {
	f, err := d.open(uuid)
	if err != nil {
		return Digests{}, err
	}
	defer f.Close()

	return digestCopy(io.Discard, f)
}

// Open opens the volume file for reading
func (d *FileDriver) Open(uuid string) (io.ReadCloser, error) {
	f, err := d.open(uuid)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Delete removes the volume file
func (d *FileDriver) Delete(uuid string) error {
	if err := os.Remove(d.Path(uuid)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete volume file: %w", err)
	}
	return nil
}

// Path returns the file backing a volume
func (d *FileDriver) Path(uuid string) string {
	return filepath.Join(d.basePath, uuid)
}

func (d *FileDriver) open(uuid string) (*os.File, error) {
	f, err := os.Open(d.Path(uuid))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrVolumeMissing, uuid)
	}
	return f, err
}

func digestCopy(w io.Writer, r io.Reader) (Digests, error) {
	h1 := sha1.New()
	h256 := digest.SHA256.Digester()

	n, err := io.Copy(io.MultiWriter(w, h1, h256.Hash()), r)
	if err != nil {
		return Digests{}, err
	}

	return Digests{
		SHA1:   hex.EncodeToString(h1.Sum(nil)),
		SHA256: h256.Digest().Encoded(),
		Bytes:  n,
	}, nil
}
