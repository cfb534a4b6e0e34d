// Package checksum computes the content digest of a live disk before it is
// saved. How the disk is reached depends on the storage backend and is
// chosen once from configuration.
package checksum

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/cuemby/pdisk/pkg/config"
	"github.com/cuemby/pdisk/pkg/identifier"
	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/remote"
	"github.com/cuemby/pdisk/pkg/types"
	"github.com/cuemby/pdisk/pkg/volumestore"
	"github.com/rs/zerolog"
)

// Result is the digest and size of a volume
type Result struct {
	SHA1  string
	Bytes int64
}

// Strategy computes the checksum of a volume
type Strategy interface {
	Checksum(ctx context.Context, uuid string) (Result, error)
}

// New returns the strategy selected by cfg
func New(cfg config.ChecksumConfig, gw remote.Gateway, store volumestore.Store) (Strategy, error) {
	switch cfg.Strategy {
	case config.ChecksumStrategyDirect:
		return NewDirectDevice(gw, cfg.Host, cfg.DeviceDir), nil
	case config.ChecksumStrategyAttach:
		return NewAttachThenChecksum(gw, store, cfg.Host, cfg.AttachCommand, cfg.DetachCommand), nil
	default:
		return nil, fmt.Errorf("unknown checksum strategy %q", cfg.Strategy)
	}
}

// DirectDevice reads volumes that are addressable as local devices on the
// storage host, such as LVM logical volumes
type DirectDevice struct {
	gw        remote.Gateway
	host      string
	deviceDir string
}

// NewDirectDevice checksums deviceDir/<uuid> on host
func NewDirectDevice(gw remote.Gateway, host, deviceDir string) *DirectDevice {
	return &DirectDevice{gw: gw, host: host, deviceDir: deviceDir}
}

func (d *DirectDevice) Checksum(ctx context.Context, uuid string) (Result, error) {
	return checksumDevice(ctx, d.gw, d.host, path.Join(d.deviceDir, uuid))
}

// checksumDevice runs sha1sum on device and reads its size, falling back to
// stat for regular files
func checksumDevice(ctx context.Context, gw remote.Gateway, host, device string) (Result, error) {
	out, err := remote.Exec(ctx, gw, host, "sha1sum", device)
	if err != nil {
		return Result{}, err
	}
	sha1 := strings.ToLower(firstField(out))
	if _, err := identifier.Encode(sha1); err != nil {
		return Result{}, fmt.Errorf("%w: unexpected sha1sum output %q", types.ErrChecksumMismatch, strings.TrimSpace(out))
	}

	out, err = remote.Exec(ctx, gw, host, "blockdev", "--getsize64", device)
	if err != nil {
		out, err = remote.Exec(ctx, gw, host, "stat", "-L", "-c", "%s", device)
		if err != nil {
			return Result{}, err
		}
	}
	size, err := strconv.ParseInt(firstField(out), 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("%w: unexpected size output %q", types.ErrChecksumMismatch, strings.TrimSpace(out))
	}

	return Result{SHA1: sha1, Bytes: size}, nil
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// AttachThenChecksum reads network-attached volumes: the volume is attached
// on host through its transfer URL, checksummed, then detached again
type AttachThenChecksum struct {
	gw            remote.Gateway
	store         volumestore.Store
	host          string
	attachCommand string
	detachCommand string
	logger        zerolog.Logger
}

// NewAttachThenChecksum creates the strategy. attachCommand receives the
// transfer URL and prints the local device; detachCommand receives the same
// transfer URL, including after an attach that printed no device.
func NewAttachThenChecksum(gw remote.Gateway, store volumestore.Store, host, attachCommand, detachCommand string) *AttachThenChecksum {
	return &AttachThenChecksum{
		gw:            gw,
		store:         store,
		host:          host,
		attachCommand: attachCommand,
		detachCommand: detachCommand,
		logger:        log.WithComponent("checksum"),
	}
}

func (a *AttachThenChecksum) Checksum(ctx context.Context, uuid string) (res Result, err error) {
	turl, err := a.store.TransferURL(ctx, uuid)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get transfer url of %s: %w", uuid, err)
	}

	out, err := remote.Exec(ctx, a.gw, a.host, a.attachCommand, turl)
	if err != nil {
		return Result{}, err
	}

	// the attach may have succeeded even without a device
	defer func() {
		_, derr := remote.Exec(context.WithoutCancel(ctx), a.gw, a.host, a.detachCommand, turl)
		if derr == nil {
			return
		}
		if err != nil {
			a.logger.Warn().Err(derr).Str("volume_uuid", uuid).Msg("Failed to detach after checksum")
			return
		}
		err = derr
	}()

	device := firstField(out)
	if device == "" {
		return Result{}, fmt.Errorf("attach of %s on %s reported no device", uuid, a.host)
	}

	return checksumDevice(ctx, a.gw, a.host, device)
}
