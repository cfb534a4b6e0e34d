package metrics

import (
	"time"

	"github.com/cuemby/pdisk/pkg/types"
)

// VolumeLister is the read side of the volume metadata store
type VolumeLister interface {
	ListVolumes() ([]*types.Volume, error)
}

// Collector periodically publishes volume gauges
type Collector struct {
	volumes  VolumeLister
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(volumes VolumeLister, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		volumes:  volumes,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes the volume gauges once
func (c *Collector) Collect() {
	volumes, err := c.volumes.ListVolumes()
	if err != nil {
		UpdateComponent("storage", false, err.Error())
		return
	}
	UpdateComponent("storage", true, "")

	counts := map[types.VolumeKind]int{
		types.VolumeKindOrigin: 0,
		types.VolumeKindCOW:    0,
	}
	quarantined := 0
	for _, v := range volumes {
		counts[v.Kind]++
		if v.Quarantined() {
			quarantined++
		}
	}

	for kind, count := range counts {
		VolumesTotal.WithLabelValues(string(kind)).Set(float64(count))
	}
	VolumesQuarantined.Set(float64(quarantined))
}
