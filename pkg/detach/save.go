package detach

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/pdisk/pkg/identifier"
	"github.com/cuemby/pdisk/pkg/manifest"
	"github.com/cuemby/pdisk/pkg/metrics"
	"github.com/cuemby/pdisk/pkg/types"
	"github.com/cuemby/pdisk/pkg/volumestore"
	"github.com/rs/zerolog"
)

// SaveState is a step of the save workflow
type SaveState string

const (
	StateChecksum      SaveState = "checksum"
	StateRebase        SaveState = "rebase"
	StateBuildManifest SaveState = "build-manifest"
	StateSign          SaveState = "sign"
	StatePublish       SaveState = "publish"
	StateNotify        SaveState = "notify"
	StateSaved         SaveState = "saved"
	StateAborted       SaveState = "aborted"
)

// save turns the detached live volume into a new signed and published
// image. Nothing is published unless rebase and signing succeeded. If the
// save fails after the rebase, the rebased volume is quarantined.
func (w *Workflow) save(ctx context.Context, live *types.Mount, req Request) (saved *Saved, err error) {
	logger := w.logger.With().
		Str("vm_id", live.VMID).
		Str("volume_uuid", live.VolumeUUID).
		Logger()

	state := StateChecksum
	rebased := ""

	timer := metrics.NewTimer()
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.SaveTotal.WithLabelValues(result).Inc()
		timer.ObserveDuration(metrics.SaveDuration)
	}()

	defer func() {
		if err == nil {
			return
		}
		if rebased != "" {
			if qerr := w.deps.Reaper.Quarantine(context.WithoutCancel(ctx), rebased); qerr != nil {
				logger.Warn().Err(qerr).Str("rebased_uuid", rebased).Msg("Failed to quarantine orphaned rebased volume")
			}
		}
		logger.Error().Err(err).Str("state", string(StateAborted)).Str("failed_state", string(state)).Msg("Save aborted")
	}()

	sum, err := w.deps.Checksum.Checksum(ctx, live.VolumeUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum %s: %w", live.VolumeUUID, err)
	}
	logger.Info().Str("sha1", sum.SHA1).Int64("bytes", sum.Bytes).Msg("Live disk checksummed")

	state = StateRebase
	rebased, err = w.deps.Store.Rebase(ctx, live.VolumeUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to rebase %s: %w", live.VolumeUUID, err)
	}
	if err := w.verify(ctx, rebased, sum.SHA1); err != nil {
		return nil, err
	}

	state = StateBuildManifest
	m, err := w.buildManifest(ctx, live, req, sum.SHA1, sum.Bytes, rebased)
	if err != nil {
		return nil, err
	}

	state = StateSign
	if err := w.deps.Signer.Sign(ctx, m); err != nil {
		if !errors.Is(err, types.ErrSigning) {
			err = fmt.Errorf("%w: %v", types.ErrSigning, err)
		}
		return nil, err
	}

	err = w.deps.Store.Update(ctx, rebased, map[string]string{
		volumestore.FieldTag:        m.Identifier,
		volumestore.FieldIdentifier: m.Identifier,
		volumestore.FieldOwner:      req.Owner,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to tag rebased volume %s: %w", rebased, err)
	}

	state = StatePublish
	if err := w.deps.Publisher.Publish(ctx, req.Catalog, m); err != nil {
		if !errors.Is(err, types.ErrPublish) {
			err = fmt.Errorf("%w: %v", types.ErrPublish, err)
		}
		return nil, err
	}

	state = StateNotify
	w.notify(ctx, logger, live, req, m)

	logger.Info().
		Str("state", string(StateSaved)).
		Str("identifier", m.Identifier).
		Str("version", m.Version).
		Str("rebased_uuid", rebased).
		Msg("Image saved")

	return &Saved{VolumeUUID: rebased, Manifest: m}, nil
}

// verify compares the digest the store reports for the rebased volume, if
// any, with the checksum of the live disk
func (w *Workflow) verify(ctx context.Context, uuid, sha1 string) error {
	v, err := w.deps.Store.Get(ctx, uuid)
	if err != nil {
		return fmt.Errorf("failed to read rebased volume %s: %w", uuid, err)
	}
	if v.SHA1 != "" && !strings.EqualFold(v.SHA1, sha1) {
		return fmt.Errorf("%w: rebased volume %s has sha1 %s, live disk had %s", types.ErrChecksumMismatch, uuid, v.SHA1, sha1)
	}
	return nil
}

// buildManifest derives the manifest of the saved image from the manifest
// the live disk was attached from, when there is one
func (w *Workflow) buildManifest(ctx context.Context, live *types.Mount, req Request, sha1 string, size int64, rebased string) (*types.Manifest, error) {
	base, err := w.original(ctx, live.SourceRef)
	if err != nil {
		return nil, err
	}

	id, err := identifier.Encode(sha1)
	if err != nil {
		return nil, err
	}
	version, err := manifest.NextVersion(base.Version)
	if err != nil {
		return nil, err
	}
	location, err := manifest.EndpointReference(w.opts.StoreEndpoint, rebased)
	if err != nil {
		return nil, err
	}

	format := base.Format
	if format == "" {
		format = types.ImageFormatRaw
	}
	comment := req.Comment
	if comment == "" {
		comment = base.Comment
	}

	now := w.now().UTC()
	m := &types.Manifest{
		Identifier: id,
		Checksums:  map[string]string{types.ChecksumSHA1: strings.ToLower(sha1)},
		Bytes:      size,
		Format:     format,
		Locations:  []string{location},
		Version:    version,
		Creator:    req.Owner,
		OS:         base.OS,
		Comment:    comment,
		Created:    now,
		ValidUntil: manifest.ValidUntil(now),
	}
	if err := manifest.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// original returns the manifest ref was resolved to, or an empty manifest
// for persisted volumes
func (w *Workflow) original(ctx context.Context, ref string) (*types.Manifest, error) {
	if ref == "" {
		return &types.Manifest{}, nil
	}
	resolved, err := w.deps.Resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve original image %s: %w", ref, err)
	}
	if resolved.Manifest == nil {
		return &types.Manifest{}, nil
	}
	return resolved.Manifest, nil
}

// notify reports the saved image. Failures are logged; the image is
// already published.
func (w *Workflow) notify(ctx context.Context, logger zerolog.Logger, live *types.Mount, req Request, m *types.Manifest) {
	if w.deps.Notifier == nil {
		return
	}
	ev := types.Event{
		Identifier: m.Identifier,
		VMID:       live.VMID,
		Owner:      req.Owner,
		Location:   m.Locations[0],
		Version:    m.Version,
		Comment:    m.Comment,
		Created:    m.Created,
		Email:      req.Email,
	}
	if err := w.deps.Notifier.Notify(ctx, ev); err != nil {
		logger.Warn().Err(err).Str("identifier", m.Identifier).Msg("Failed to notify about saved image")
	}
}
