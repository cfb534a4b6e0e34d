package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workflow metrics
	AttachTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdisk_attach_total",
			Help: "Total number of attach workflows by path (clone, direct) and result",
		},
		[]string{"path", "result"},
	)

	AttachDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pdisk_attach_duration_seconds",
			Help:    "Attach workflow duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SaveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdisk_save_total",
			Help: "Total number of detach workflows by result (detached, saved, aborted)",
		},
		[]string{"result"},
	)

	SaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pdisk_save_duration_seconds",
			Help:    "Detach/save workflow duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdisk_cache_lookups_total",
			Help: "Total number of origin cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	// Quarantine metrics
	SweepDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdisk_quarantine_sweep_deleted_total",
			Help: "Total number of quarantined volumes permanently deleted",
		},
	)

	SweepFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdisk_quarantine_sweep_failures_total",
			Help: "Total number of quarantined volumes that could not be deleted",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pdisk_quarantine_sweep_duration_seconds",
			Help:    "Quarantine sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transport metrics
	StoreRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdisk_store_requests_total",
			Help: "Total number of volume store requests by method and status",
		},
		[]string{"method", "status"},
	)

	HTTPRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdisk_http_retries_total",
			Help: "Total number of HTTP requests repeated after a transport error",
		},
	)

	RemoteCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdisk_remote_commands_total",
			Help: "Total number of remote commands by result (ok, failed, unreachable)",
		},
		[]string{"result"},
	)

	// Volume store server metrics
	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pdisk_volumes_total",
			Help: "Total number of volumes by kind",
		},
		[]string{"kind"},
	)

	VolumesQuarantined = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdisk_volumes_quarantined",
			Help: "Number of volumes carrying a quarantine marker",
		},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdisk_api_request_duration_seconds",
			Help:    "Volume store API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(AttachTotal)
	prometheus.MustRegister(AttachDuration)
	prometheus.MustRegister(SaveTotal)
	prometheus.MustRegister(SaveDuration)
	prometheus.MustRegister(CacheLookupsTotal)
	prometheus.MustRegister(SweepDeletedTotal)
	prometheus.MustRegister(SweepFailuresTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(StoreRequestsTotal)
	prometheus.MustRegister(HTTPRetriesTotal)
	prometheus.MustRegister(RemoteCommandsTotal)
	prometheus.MustRegister(VolumesTotal)
	prometheus.MustRegister(VolumesQuarantined)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
