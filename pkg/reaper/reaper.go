package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/pdisk/pkg/config"
	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/metrics"
	"github.com/cuemby/pdisk/pkg/volumestore"
	"github.com/rs/zerolog"
)

// Reaper soft-deletes volumes and periodically removes the ones whose
// quarantine has expired
type Reaper struct {
	store     volumestore.Store
	owner     string
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// SweepResult lists what a sweep did
type SweepResult struct {
	Deleted []string
	Failed  []string
}

// New creates a reaper from the quarantine configuration
func New(store volumestore.Store, cfg config.QuarantineConfig) *Reaper {
	owner := cfg.Owner
	if owner == "" {
		owner = config.DefaultQuarantineOwner
	}
	return &Reaper{
		store:     store,
		owner:     owner,
		threshold: cfg.Threshold.Std(),
		interval:  cfg.SweepInterval.Std(),
		now:       time.Now,
		logger:    log.WithComponent("reaper"),
	}
}

// Quarantine marks uuid for deletion and hands it to the quarantine owner.
// Nothing is deleted.
func (r *Reaper) Quarantine(ctx context.Context, uuid string) error {
	at := r.now().UTC()
	err := r.store.Update(ctx, uuid, map[string]string{
		volumestore.FieldQuarantine: at.Format(time.RFC3339),
		volumestore.FieldOwner:      r.owner,
	})
	if err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", uuid, err)
	}

	r.logger.Info().Str("volume_uuid", uuid).Time("quarantined_at", at).Msg("Volume quarantined")
	return nil
}

// Sweep deletes every quarantined volume whose marker is strictly older than
// now minus threshold. A volume that cannot be inspected or deleted is
// logged and skipped; only a failed search fails the sweep.
func (r *Reaper) Sweep(ctx context.Context, threshold time.Duration) (SweepResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SweepDuration)

	var res SweepResult
	uuids, err := r.store.Search(ctx, volumestore.FieldQuarantine, "")
	if err != nil {
		return res, fmt.Errorf("failed to list quarantined volumes: %w", err)
	}

	cutoff := r.now().Add(-threshold)
	for _, uuid := range uuids {
		logger := r.logger.With().Str("volume_uuid", uuid).Logger()

		v, err := r.store.Get(ctx, uuid)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to inspect quarantined volume")
			res.Failed = append(res.Failed, uuid)
			metrics.SweepFailuresTotal.Inc()
			continue
		}
		if !v.Quarantined() || !v.QuarantinedAt.Before(cutoff) {
			continue
		}

		if err := r.store.Delete(ctx, uuid); err != nil {
			logger.Warn().Err(err).Time("quarantined_at", *v.QuarantinedAt).Msg("Failed to delete quarantined volume")
			res.Failed = append(res.Failed, uuid)
			metrics.SweepFailuresTotal.Inc()
			continue
		}
		logger.Info().Time("quarantined_at", *v.QuarantinedAt).Msg("Quarantined volume deleted")
		res.Deleted = append(res.Deleted, uuid)
		metrics.SweepDeletedTotal.Inc()
	}

	r.logger.Info().
		Int("candidates", len(uuids)).
		Int("deleted", len(res.Deleted)).
		Int("failed", len(res.Failed)).
		Dur("threshold", threshold).
		Msg("Quarantine sweep finished")
	return res, nil
}

// Start runs a sweep with the configured threshold every sweep interval
// until ctx is cancelled or Stop is called
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	interval := r.interval
	if interval <= 0 {
		interval = time.Hour
	}

	go r.run(ctx, interval, r.stopCh, r.doneCh)
}

func (r *Reaper) run(ctx context.Context, interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx, r.threshold); err != nil {
			r.logger.Error().Err(err).Msg("Quarantine sweep failed")
		}

		select {
		case <-ticker.C:
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the loop started by Start and waits for a running sweep
func (r *Reaper) Stop() {
	r.mu.Lock()
	stopCh, doneCh := r.stopCh, r.doneCh
	r.stopCh, r.doneCh = nil, nil
	r.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}
