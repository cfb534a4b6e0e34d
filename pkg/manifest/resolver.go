package manifest

import (
	"context"
	"fmt"

	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/types"
	"github.com/rs/zerolog"
)

// Fetcher retrieves raw manifest documents
type Fetcher interface {
	// Fetch retrieves the manifest published under a content identifier
	Fetch(ctx context.Context, id string) ([]byte, error)

	// FetchURL retrieves a manifest document from an absolute URL
	FetchURL(ctx context.Context, url string) ([]byte, error)
}

// Resolved is the outcome of resolving a reference. Manifest is nil for
// volume references.
type Resolved struct {
	Reference Reference
	Manifest  *types.Manifest
}

// Resolver turns image references into manifests. It never checks image
// integrity; that happens when the image is downloaded into the cache.
type Resolver struct {
	fetcher Fetcher
	logger  zerolog.Logger
}

// NewResolver creates a resolver backed by fetcher
func NewResolver(fetcher Fetcher) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		logger:  log.WithComponent("resolver"),
	}
}

// Resolve parses ref and, for catalog identifiers and URLs, fetches and
// parses the manifest it designates
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Resolved, error) {
	parsed, err := ParseReference(ref)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch parsed.Kind {
	case ReferenceVolume:
		r.logger.Debug().Str("uuid", parsed.UUID).Msg("Reference is a persisted volume")
		return &Resolved{Reference: parsed}, nil
	case ReferenceCatalog:
		data, err = r.fetcher.Fetch(ctx, parsed.Identifier)
	case ReferenceURL:
		data, err = r.fetcher.FetchURL(ctx, parsed.URL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest %s: %w", ref, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", ref, err)
	}
	if parsed.Kind == ReferenceCatalog && m.Identifier != parsed.Identifier {
		return nil, fmt.Errorf("%w: catalog returned %s for %s", types.ErrManifestParse, m.Identifier, parsed.Identifier)
	}

	r.logger.Debug().
		Str("identifier", m.Identifier).
		Int64("bytes", m.Bytes).
		Int("locations", len(m.Locations)).
		Msg("Manifest resolved")

	return &Resolved{Reference: parsed, Manifest: m}, nil
}
