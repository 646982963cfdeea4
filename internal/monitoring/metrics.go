// Package monitoring exposes the gateway's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	// Frame metrics
	FramesGenerated prometheus.Counter
	FrameGenSeconds prometheus.Histogram

	// Engine metrics
	ModelLoads       *prometheus.CounterVec
	EngineRecoveries *prometheus.CounterVec

	// Safety metrics
	SafetyChecks *prometheus.CounterVec

	// Seed cache metrics
	SeedCacheEntries *prometheus.GaugeVec
}

// NewMetrics creates all gateway metrics on the given registerer. Tests pass
// a fresh registry; main passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "biome_sessions_active",
			Help: "Number of currently connected streaming sessions",
		}),

		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "biome_sessions_total",
			Help: "Total number of streaming sessions accepted",
		}),

		FramesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "biome_frames_generated_total",
			Help: "Total number of frames produced by the world engine",
		}),

		FrameGenSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "biome_frame_gen_seconds",
			Help:    "Per-frame generation latency",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),

		ModelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biome_model_loads_total",
			Help: "Total number of model load attempts",
		}, []string{"result"}), // result: ok, error

		EngineRecoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biome_engine_recoveries_total",
			Help: "Total number of accelerator fault recovery attempts",
		}, []string{"result"}), // result: ok, error

		SafetyChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biome_safety_checks_total",
			Help: "Total number of seed images classified",
		}, []string{"verdict"}), // verdict: safe, unsafe

		SeedCacheEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "biome_seed_cache_entries",
			Help: "Seed cache entry counts",
		}, []string{"class"}), // class: total, safe
	}
}

// RecordModelLoad records a load attempt outcome.
func (m *Metrics) RecordModelLoad(err error) {
	m.ModelLoads.WithLabelValues(resultLabel(err)).Inc()
}

// RecordRecovery records an accelerator recovery outcome.
func (m *Metrics) RecordRecovery(err error) {
	m.EngineRecoveries.WithLabelValues(resultLabel(err)).Inc()
}

// RecordFrame records a generated frame and its latency in seconds.
func (m *Metrics) RecordFrame(seconds float64) {
	m.FramesGenerated.Inc()
	m.FrameGenSeconds.Observe(seconds)
}

// RecordSafetyCheck records one classified image.
func (m *Metrics) RecordSafetyCheck(safe bool) {
	verdict := "unsafe"
	if safe {
		verdict = "safe"
	}
	m.SafetyChecks.WithLabelValues(verdict).Inc()
}

// SetSeedCounts updates the seed cache gauges.
func (m *Metrics) SetSeedCounts(total, safe int) {
	m.SeedCacheEntries.WithLabelValues("total").Set(float64(total))
	m.SeedCacheEntries.WithLabelValues("safe").Set(float64(safe))
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
