// Package metrics exposes the optional Prometheus instrumentation for a
// sync run: bytes downloaded, files completed, per-mod outcome counts, and
// sync duration. Grounded on
// mattcburns-shoal-provision/internal/provisioner/metrics/metrics.go's
// private-registry pattern: metrics are never registered against the
// global default registry, so multiple Recorders (e.g. in tests) never
// collide.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private Prometheus registry and the counters/histograms
// a sync run updates. The zero value is not usable; construct with New.
type Recorder struct {
	registry *prometheus.Registry

	bytesDownloaded prometheus.Counter
	filesCompleted  prometheus.Counter
	modResults      *prometheus.CounterVec
	syncDuration    prometheus.Histogram

	// lastBytes tracks the previous cumulative total passed to
	// ObserveBytesDownloaded, since ProgressEvent reports a running total
	// rather than a delta but bytesDownloaded is a monotonic counter.
	lastBytes atomic.Int64
}

// New constructs a Recorder with its own private registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()

	bytesDownloaded := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nimble",
		Subsystem: "sync",
		Name:      "bytes_downloaded_total",
		Help:      "Total bytes downloaded across all mods in the current process.",
	})
	filesCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nimble",
		Subsystem: "sync",
		Name:      "files_completed_total",
		Help:      "Total files successfully downloaded and placed.",
	})
	modResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nimble",
		Subsystem: "sync",
		Name:      "mods_processed_total",
		Help:      "Mods processed by outcome (uptodate, updated, failed).",
	}, []string{"result"})
	syncDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nimble",
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of a full sync run.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	registry.MustRegister(bytesDownloaded, filesCompleted, modResults, syncDuration)

	return &Recorder{
		registry:        registry,
		bytesDownloaded: bytesDownloaded,
		filesCompleted:  filesCompleted,
		modResults:      modResults,
		syncDuration:    syncDuration,
	}
}

// ObserveBytesDownloaded records the delta between cumulative and the
// previously observed cumulative total, since ProgressEvent reports a
// running total rather than a per-call delta.
func (r *Recorder) ObserveBytesDownloaded(cumulative int64) {
	prev := r.lastBytes.Swap(cumulative)
	if delta := cumulative - prev; delta > 0 {
		r.bytesDownloaded.Add(float64(delta))
	}
}

// ObserveFileCompleted increments the completed-files counter by one.
func (r *Recorder) ObserveFileCompleted() {
	r.filesCompleted.Inc()
}

// ObserveModResult increments the per-result mod counter.
func (r *Recorder) ObserveModResult(result string) {
	r.modResults.WithLabelValues(result).Inc()
}

// ObserveSyncDuration records the wall-clock duration of a completed sync.
func (r *Recorder) ObserveSyncDuration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.syncDuration.Observe(d.Seconds())
}

// Handler returns an HTTP handler exposing this Recorder's metrics in
// Prometheus text format, for an optional background server started with
// "sync --metrics-addr".
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
