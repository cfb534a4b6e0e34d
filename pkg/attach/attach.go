package attach

import (
	"context"
	"fmt"
	"slices"

	"github.com/cuemby/pdisk/pkg/config"
	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/manifest"
	"github.com/cuemby/pdisk/pkg/metrics"
	"github.com/cuemby/pdisk/pkg/remote"
	"github.com/cuemby/pdisk/pkg/storage"
	"github.com/cuemby/pdisk/pkg/types"
	"github.com/cuemby/pdisk/pkg/volumestore"
	"github.com/rs/zerolog"
)

// State is a step of the attach workflow
type State string

const (
	StateResolving    State = "resolving"
	StateAuthorizing  State = "authorizing"
	StateCloning      State = "cloning"
	StateDirectAttach State = "direct-attach"
	StateAttaching    State = "attaching"
	StateAttached     State = "attached"
	StateRolledBack   State = "rolled-back"
)

// Attach paths, used as metric labels
const (
	PathCOW    = "cow"
	PathDirect = "direct"
)

// Resolver resolves image references
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*manifest.Resolved, error)
}

// Populator returns the cached origin volume of a manifest
type Populator interface {
	EnsureOrigin(ctx context.Context, m *types.Manifest) (string, error)
}

// Options configures the workflow
type Options struct {
	Attach        config.AttachConfig
	Authorization config.AuthorizationConfig

	// StoreEndpoint builds the references of new COW children. Volume
	// references naming another host or port are rejected.
	StoreEndpoint string
}

// Request asks for Source to be attached at Destination on behalf of Owner
type Request struct {
	Source      string
	Destination Destination
	Owner       string
}

// Result describes a completed attach
type Result struct {
	VolumeUUID string
	VolumeRef  string
	Path       string
	Ephemeral  bool
	MountCount int
}

// Workflow attaches images and persisted volumes to VMs
type Workflow struct {
	opts      Options
	store     volumestore.Store
	resolver  Resolver
	populator Populator
	gw        remote.Gateway
	mounts    storage.MountStore
	logger    zerolog.Logger
}

// New creates an attach workflow
func New(opts Options, store volumestore.Store, resolver Resolver, populator Populator, gw remote.Gateway, mounts storage.MountStore) *Workflow {
	return &Workflow{
		opts:      opts,
		store:     store,
		resolver:  resolver,
		populator: populator,
		gw:        gw,
		mounts:    mounts,
		logger:    log.WithComponent("attach"),
	}
}

// run tracks what one attach has done so far so that a failure can undo it
type run struct {
	req       Request
	state     State
	path      string
	volume    string
	ref       string
	child     string // COW child created by this run
	attached  bool
	counted   bool
	ephemeral bool
	logger    zerolog.Logger
}

// Attach runs the workflow. Catalog and URL references are cloned from the
// cached origin; volume references are attached directly after the boot
// disk, disk type and ownership checks. On failure everything the run
// created is undone and the original error is returned.
func (w *Workflow) Attach(ctx context.Context, req Request) (res *Result, err error) {
	r := &run{
		req:    req,
		state:  StateResolving,
		path:   "unknown",
		logger: log.WithVMID(req.Destination.VMID).With().Str("component", "attach").Str("source", req.Source).Logger(),
	}

	timer := metrics.NewTimer()
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.AttachTotal.WithLabelValues(r.path, result).Inc()
		timer.ObserveDuration(metrics.AttachDuration)
	}()

	defer func() {
		if err == nil {
			return
		}
		failed := r.state
		w.rollback(ctx, r)
		r.state = StateRolledBack
		r.logger.Error().Err(err).Str("failed_state", string(failed)).Msg("Attach rolled back")
	}()

	resolved, err := w.resolver.Resolve(ctx, req.Source)
	if err != nil {
		return nil, err
	}

	if resolved.Reference.Kind == manifest.ReferenceVolume {
		r.path = PathDirect
		if err := w.authorize(ctx, r, resolved.Reference); err != nil {
			return nil, err
		}
	} else {
		r.path = PathCOW
		if err := w.clone(ctx, r, resolved.Manifest); err != nil {
			return nil, err
		}
	}

	r.state = StateAttaching
	if err := w.attach(ctx, r); err != nil {
		return nil, err
	}

	count, err := w.store.AdjustMountCount(ctx, r.volume, 1)
	if err != nil {
		r.counted = w.countApplied(ctx, r, err)
		return nil, fmt.Errorf("failed to count mount of %s: %w", r.volume, err)
	}
	r.counted = true

	err = w.mounts.RecordMount(&types.Mount{
		VolumeUUID:   r.volume,
		HostID:       req.Destination.Host,
		VMID:         req.Destination.VMID,
		DeviceTarget: req.Destination.Path,
		DeviceIndex:  req.Destination.Index,
		SourceRef:    req.Source,
		VolumeRef:    r.ref,
		Ephemeral:    r.ephemeral,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record mount of %s: %w", r.volume, err)
	}

	r.state = StateAttached
	r.logger.Info().
		Str("volume_uuid", r.volume).
		Str("path", r.path).
		Str("target", req.Destination.String()).
		Int("mount_count", count).
		Msg("Disk attached")

	return &Result{
		VolumeUUID: r.volume,
		VolumeRef:  r.ref,
		Path:       r.path,
		Ephemeral:  r.ephemeral,
		MountCount: count,
	}, nil
}

// authorize checks a persisted volume before it is attached directly
func (w *Workflow) authorize(ctx context.Context, r *run, ref manifest.Reference) error {
	r.state = StateAuthorizing

	local, err := ref.ServedBy(w.opts.StoreEndpoint)
	if err != nil {
		return err
	}
	if !local {
		return fmt.Errorf("%w: %s is not on the volume store at %s", types.ErrVolumeNotFound, ref, w.opts.StoreEndpoint)
	}

	v, err := w.store.Get(ctx, ref.UUID)
	if err != nil {
		return err
	}

	if r.req.Destination.Boot() {
		if v.Type != types.DiskTypeMachineLive {
			return fmt.Errorf("%w: volume %s has type %q, boot disks must be %s", types.ErrBootDiskInvariant, v.UUID, v.Type, types.DiskTypeMachineLive)
		}
		if v.MountCount != 0 {
			return fmt.Errorf("%w: volume %s is already mounted %d times", types.ErrBootDiskInvariant, v.UUID, v.MountCount)
		}
	} else if !slices.Contains(w.opts.Attach.DataDiskTypes, v.Type) {
		return fmt.Errorf("%w: volume %s has type %q", types.ErrUnsupportedDiskType, v.UUID, v.Type)
	}

	if !w.allowed(v, r.req.Owner) {
		return fmt.Errorf("%w: %s may not attach %s volume %s of %s", types.ErrAuthorization, r.req.Owner, v.Visibility, v.UUID, v.Owner)
	}

	r.state = StateDirectAttach
	r.volume = v.UUID
	r.ref = ref.String()
	return nil
}

func (w *Workflow) allowed(v *types.Volume, owner string) bool {
	if owner != "" && v.Owner == owner {
		return true
	}
	if !slices.Contains(w.opts.Authorization.UnauthorizedVisibilities, v.Visibility) {
		return true
	}
	return slices.Contains(w.opts.Authorization.Superusers, owner)
}

// clone caches the image and creates the VM's COW child from it
func (w *Workflow) clone(ctx context.Context, r *run, m *types.Manifest) error {
	r.state = StateCloning

	origin, err := w.populator.EnsureOrigin(ctx, m)
	if err != nil {
		return err
	}

	child, err := w.store.CreateCowChild(ctx, origin)
	if err != nil {
		return fmt.Errorf("failed to clone %s: %w", origin, err)
	}
	r.child = child
	r.volume = child
	r.ephemeral = true

	ref, err := manifest.EndpointReference(w.opts.StoreEndpoint, child)
	if err != nil {
		return err
	}
	r.ref = ref

	r.logger.Debug().Str("origin_uuid", origin).Str("volume_uuid", child).Msg("COW child created")
	return nil
}

// countApplied decides whether a failed increment reached the store. The
// count is read back only for volumes no other VM can hold: a COW child of
// this run or a boot disk, which was unmounted before. A shared data disk
// is left counted rather than released on a guess.
func (w *Workflow) countApplied(ctx context.Context, r *run, err error) bool {
	if !types.IsRetryable(err) {
		return false
	}
	if r.child == "" && !r.req.Destination.Boot() {
		r.logger.Warn().Err(err).Str("volume_uuid", r.volume).Msg("Mount count may be one too high")
		return false
	}
	n, readErr := w.store.MountCount(context.WithoutCancel(ctx), r.volume)
	if readErr != nil {
		r.logger.Warn().Err(readErr).Str("volume_uuid", r.volume).Msg("Failed to read back mount count")
		return false
	}
	return n > 0
}

// attach creates the target directory and registers the device
func (w *Workflow) attach(ctx context.Context, r *run) error {
	dest := r.req.Destination
	if _, err := remote.Exec(ctx, w.gw, dest.Host, "mkdir", "-p", dest.Dir); err != nil {
		return err
	}

	argv := RegisterArgs(w.opts.Attach.AttachCommand, r.ref, dest)
	if _, err := remote.Exec(ctx, w.gw, dest.Host, argv...); err != nil {
		return err
	}
	r.attached = true
	return nil
}

// rollback undoes a failed run. Secondary failures are logged and never
// replace the original error. Volumes this run did not create are not
// deleted.
func (w *Workflow) rollback(ctx context.Context, r *run) {
	ctx = context.WithoutCancel(ctx)
	dest := r.req.Destination

	if r.counted {
		if _, err := w.store.AdjustMountCount(ctx, r.volume, -1); err != nil {
			r.logger.Warn().Err(err).Str("volume_uuid", r.volume).Msg("Failed to release mount count during rollback")
		}
	}

	if r.attached {
		argv := UnregisterArgs(w.opts.Attach.DetachCommand, r.ref, dest)
		if _, err := remote.Exec(ctx, w.gw, dest.Host, argv...); err != nil {
			r.logger.Warn().Err(err).Str("target", dest.String()).Msg("Failed to detach device during rollback")
		}
	}

	if r.child != "" {
		if err := w.store.Delete(ctx, r.child); err != nil {
			r.logger.Warn().Err(err).Str("volume_uuid", r.child).Msg("Failed to delete COW child during rollback")
		}
	}
}

// RegisterArgs builds the command line attaching ref at dest
func RegisterArgs(command, ref string, dest Destination) []string {
	return []string{
		command,
		"--register",
		"--pdisk-id", ref,
		"--vm-id", dest.VMID,
		"--vm-disk-name", dest.DiskName(),
		"--target", dest.Path,
	}
}

// UnregisterArgs builds the command line detaching ref from dest
func UnregisterArgs(command, ref string, dest Destination) []string {
	return []string{
		command,
		"--unregister",
		"--pdisk-id", ref,
		"--vm-id", dest.VMID,
		"--vm-disk-name", dest.DiskName(),
		"--target", dest.Path,
	}
}
