package detach

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/cuemby/pdisk/pkg/attach"
	"github.com/cuemby/pdisk/pkg/checksum"
	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/notify"
	"github.com/cuemby/pdisk/pkg/remote"
	"github.com/cuemby/pdisk/pkg/signing"
	"github.com/cuemby/pdisk/pkg/storage"
	"github.com/cuemby/pdisk/pkg/types"
	"github.com/cuemby/pdisk/pkg/volumestore"
	"github.com/rs/zerolog"
)

// Publisher publishes signed manifests. An empty endpoint selects the
// default catalog.
type Publisher interface {
	Publish(ctx context.Context, endpoint string, m *types.Manifest) error
}

// Quarantiner soft-deletes volumes
type Quarantiner interface {
	Quarantine(ctx context.Context, uuid string) error
}

// Options configures the workflow
type Options struct {
	DetachCommand string

	// StoreEndpoint is used to build the location of saved images
	StoreEndpoint string
}

// Dependencies are the collaborators of the workflow
type Dependencies struct {
	Store     volumestore.Store
	Mounts    storage.MountStore
	Gateway   remote.Gateway
	Resolver  attach.Resolver
	Checksum  checksum.Strategy
	Signer    signing.Signer
	Publisher Publisher
	Notifier  notify.Notifier
	Reaper    Quarantiner
}

// Request tears down the disks of the VM owning Disk. With Save, Disk is
// saved as a new image first published to Catalog.
type Request struct {
	Disk    attach.Destination
	Owner   string
	Save    bool
	Catalog string
	Email   string
	Comment string
}

// Result describes a completed teardown
type Result struct {
	Detached    []string
	Quarantined []string
	Saved       *Saved
}

// Saved describes the image produced by a save
type Saved struct {
	VolumeUUID string
	Manifest   *types.Manifest
}

// Workflow detaches the disks of a VM and optionally saves one of them
type Workflow struct {
	opts   Options
	deps   Dependencies
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a detach workflow
func New(opts Options, deps Dependencies) *Workflow {
	return &Workflow{
		opts:   opts,
		deps:   deps,
		now:    time.Now,
		logger: log.WithComponent("detach"),
	}
}

// Detach unregisters every disk recorded for the VM of req.Disk, releases
// their mount counts and, when req.Save is set, saves req.Disk. Ephemeral
// COW children are quarantined once they are no longer needed; persisted
// volumes are left alone.
func (w *Workflow) Detach(ctx context.Context, req Request) (*Result, error) {
	vmID := req.Disk.VMID
	logger := log.WithVMID(vmID).With().Str("component", "detach").Logger()

	mounts, err := w.deps.Mounts.ListMountsByVM(vmID)
	if err != nil {
		return nil, fmt.Errorf("failed to read mounts of VM %s: %w", vmID, err)
	}

	var live *types.Mount
	if req.Save {
		for _, m := range mounts {
			if m.DeviceIndex == req.Disk.Index {
				live = m
				break
			}
		}
		if live == nil {
			return nil, fmt.Errorf("%w: no volume mounted at %s", types.ErrVolumeNotFound, req.Disk)
		}
	}

	res := &Result{}
	var errs []error
	for _, m := range mounts {
		if err := w.detach(ctx, m); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Detached = append(res.Detached, m.VolumeUUID)
	}
	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	logger.Info().Int("disks", len(res.Detached)).Msg("Disks detached")

	for _, m := range mounts {
		if !m.Ephemeral || m == live {
			continue
		}
		if err := w.deps.Reaper.Quarantine(ctx, m.VolumeUUID); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Quarantined = append(res.Quarantined, m.VolumeUUID)
	}

	if live != nil {
		saved, err := w.save(ctx, live, req)
		if err != nil {
			errs = append(errs, err)
		}
		res.Saved = saved

		// quarantined even when the save failed, so it stays recoverable
		// until the sweep
		if live.Ephemeral {
			if err := w.deps.Reaper.Quarantine(ctx, live.VolumeUUID); err != nil {
				logger.Warn().Err(err).Str("volume_uuid", live.VolumeUUID).Msg("Failed to quarantine saved COW child")
			} else {
				res.Quarantined = append(res.Quarantined, live.VolumeUUID)
			}
		}
	}

	return res, errors.Join(errs...)
}

// detach unregisters one mount, releases its count and drops it from the
// ledger. A mount that fails to unregister keeps its count and its ledger
// entry.
func (w *Workflow) detach(ctx context.Context, m *types.Mount) error {
	dest := attach.Destination{
		Host:  m.HostID,
		Path:  m.DeviceTarget,
		Dir:   path.Dir(m.DeviceTarget),
		VMID:  m.VMID,
		Index: m.DeviceIndex,
	}

	argv := attach.UnregisterArgs(w.opts.DetachCommand, m.VolumeRef, dest)
	if _, err := remote.Exec(ctx, w.deps.Gateway, dest.Host, argv...); err != nil {
		return fmt.Errorf("failed to detach %s: %w", dest, err)
	}

	if _, err := w.deps.Store.AdjustMountCount(ctx, m.VolumeUUID, -1); err != nil {
		return fmt.Errorf("failed to release mount of %s: %w", m.VolumeUUID, err)
	}

	if err := w.deps.Mounts.DeleteMount(m.VMID, m.VolumeUUID); err != nil {
		return fmt.Errorf("failed to forget mount of %s: %w", m.VolumeUUID, err)
	}

	w.logger.Debug().
		Str("vm_id", m.VMID).
		Str("volume_uuid", m.VolumeUUID).
		Str("target", dest.String()).
		Msg("Disk detached")
	return nil
}
