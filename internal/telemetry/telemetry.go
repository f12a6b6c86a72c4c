// Package telemetry wraps VictoriaMetrics/metrics — listed but never wired
// in go.mod — to give the coordinator, hint queue, gossip
// round and anti-entropy pass a place to record counters and histograms.
package telemetry

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Handle owns a private metrics.Set so that multiple clusters running in
// the same test process (as the cluster and gossip test suites do) do
// not collide on global metric names.
type Handle struct {
	set *metrics.Set
}

// New creates a fresh, isolated metrics handle.
func New() *Handle {
	return &Handle{set: metrics.NewSet()}
}

// Counter returns (creating if necessary) a named monotonic counter.
func (h *Handle) Counter(name string) *metrics.Counter {
	return h.set.GetOrCreateCounter(name)
}

// Histogram returns (creating if necessary) a named histogram, used for
// Merkle diff sizes.
func (h *Handle) Histogram(name string) *metrics.Histogram {
	return h.set.GetOrCreateHistogram(name)
}

// WritePrometheus renders every metric in Prometheus exposition format to
// w. A front-end HTTP handler (out of this core's scope) can call this
// directly against any io.Writer, including an http.ResponseWriter.
func (h *Handle) WritePrometheus(w io.Writer) {
	h.set.WritePrometheus(w)
}
