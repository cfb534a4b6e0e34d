// Package cache maps published images to origin volumes in the volume store,
// downloading an image the first time it is used.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/metrics"
	"github.com/cuemby/pdisk/pkg/types"
	"github.com/cuemby/pdisk/pkg/volumestore"
	"github.com/rs/zerolog"
)

// Populator finds or creates the origin volume of a manifest
type Populator struct {
	store  volumestore.Store
	logger zerolog.Logger
}

// NewPopulator creates a populator on store
func NewPopulator(store volumestore.Store) *Populator {
	return &Populator{
		store:  store,
		logger: log.WithComponent("cache"),
	}
}

// EnsureOrigin returns the uuid of the origin volume holding the image
// described by m. On a miss the store downloads the first location of m,
// verifying size and SHA-1; a mismatch surfaces as types.ErrVolumeConflict
// and is not retried.
func (p *Populator) EnsureOrigin(ctx context.Context, m *types.Manifest) (uuid string, err error) {
	result := "error"
	defer func() {
		metrics.CacheLookupsTotal.WithLabelValues(result).Inc()
	}()

	if m.Identifier == "" {
		return "", fmt.Errorf("%w: manifest has no identifier", types.ErrManifestParse)
	}
	logger := p.logger.With().Str("identifier", m.Identifier).Logger()

	uuid, err = p.lookup(ctx, m.Identifier)
	if err != nil {
		return "", err
	}
	if uuid != "" {
		result = "hit"
		logger.Debug().Str("volume_uuid", uuid).Msg("Origin cache hit")
		return uuid, nil
	}

	if len(m.Locations) == 0 {
		return "", fmt.Errorf("%w: manifest %s has no location", types.ErrManifestParse, m.Identifier)
	}
	location := m.Locations[0]

	logger.Info().
		Str("location", location).
		Int64("bytes", m.Bytes).
		Msg("Origin cache miss, downloading image")

	opts := volumestore.CreateOptions{
		SizeGiB:    m.SizeGiB(),
		Visibility: types.VisibilityPublic,
		Type:       types.DiskTypeMachineOrigin,
	}
	uuid, err = p.store.CreateFromURL(ctx, opts, location, m.Bytes, m.Digest())
	if err != nil {
		return "", fmt.Errorf("failed to cache %s from %s: %w", m.Identifier, location, err)
	}

	// The volume becomes visible to lookups only once tagged
	if err := p.store.Update(ctx, uuid, map[string]string{
		volumestore.FieldTag:        m.Identifier,
		volumestore.FieldIdentifier: m.Identifier,
	}); err != nil {
		if derr := p.store.Delete(ctx, uuid); derr != nil {
			logger.Warn().Err(derr).Str("volume_uuid", uuid).Msg("Failed to delete untagged origin")
		}
		return "", fmt.Errorf("failed to tag origin %s: %w", uuid, err)
	}

	// Concurrent misses each cache the image; all of them settle on the
	// oldest origin and the others are removed by their creators
	winner, lerr := p.lookup(ctx, m.Identifier)
	if lerr != nil {
		logger.Warn().Err(lerr).Str("volume_uuid", uuid).Msg("Failed to search for a concurrently cached origin")
	} else if winner != "" && winner != uuid {
		logger.Info().
			Str("volume_uuid", winner).
			Str("duplicate_uuid", uuid).
			Msg("Origin cached concurrently, using the older one")
		if derr := p.store.Delete(ctx, uuid); derr != nil {
			logger.Warn().Err(derr).Str("volume_uuid", uuid).Msg("Failed to delete duplicate origin")
		}
		uuid = winner
	}

	result = "miss"
	logger.Info().Str("volume_uuid", uuid).Msg("Origin cached")
	return uuid, nil
}

// lookup returns the oldest usable origin tagged with id, or "" when there
// is none. Identifier matches are used only when no tag matches.
func (p *Populator) lookup(ctx context.Context, id string) (string, error) {
	for _, field := range []string{volumestore.FieldTag, volumestore.FieldIdentifier} {
		uuids, err := p.store.Search(ctx, field, id)
		if err != nil {
			return "", fmt.Errorf("failed to search origin cache: %w", err)
		}

		var oldest *types.Volume
		for _, uuid := range uuids {
			vol, err := p.store.Get(ctx, uuid)
			if errors.Is(err, types.ErrVolumeNotFound) {
				continue
			}
			if err != nil {
				return "", err
			}
			if vol.Kind != types.VolumeKindOrigin || vol.Quarantined() {
				continue
			}
			if oldest == nil || older(vol, oldest) {
				oldest = vol
			}
		}
		if oldest != nil {
			return oldest.UUID, nil
		}
	}
	return "", nil
}

func older(a, b *types.Volume) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.UUID < b.UUID
}
