// Package metrics exposes the process-wide Prometheus collectors for
// fragment lifecycle, consumer queue depth, and packager errors,
// grounded on the promauto.NewCounterVec/NewGauge pattern used for
// exactly this kind of operational counter surface in the retrieval
// pack's ffmpeg-runner instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FragmentsOpened counts fragment (HLS/fMP4) segment opens, by packager kind.
	FragmentsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmp_fragment_opened_total",
		Help: "Total number of egress fragments opened, by packager kind",
	}, []string{"kind"})

	// FragmentsClosed counts fragment closes/commits, by packager kind.
	FragmentsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmp_fragment_closed_total",
		Help: "Total number of egress fragments closed, by packager kind",
	}, []string{"kind"})

	// FragmentsDisposed counts fragments that fell outside the live
	// window and were marked disposed (not yet unlinked).
	FragmentsDisposed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmp_fragment_disposed_total",
		Help: "Total number of fragments marked disposed after sliding out of the live window",
	}, []string{"kind"})

	// FragmentsUnlinked counts fragments physically removed from disk
	// after their disposal grace period elapsed.
	FragmentsUnlinked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmp_fragment_unlinked_total",
		Help: "Total number of disposed fragments unlinked from disk",
	}, []string{"kind"})

	// ConsumerQueueDepth tracks the current packet count in each
	// consumer's queue, keyed by source identity.
	ConsumerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtmp_consumer_queue_depth",
		Help: "Current number of packets buffered in a consumer queue",
	}, []string{"identity"})

	// ConsumerOverflows counts whole-GOP drops triggered by queue
	// duration exceeding the configured cap.
	ConsumerOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmp_consumer_overflow_total",
		Help: "Total number of GOP drops caused by consumer queue overflow",
	}, []string{"identity"})

	// PackagerErrors counts packager-level failures (segment write,
	// commit, or mux errors), by packager kind and operation.
	PackagerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmp_packager_error_total",
		Help: "Total number of packager errors, by kind and operation",
	}, []string{"kind", "op"})

	// SourcesActive gauges the number of live (non-evicted) Sources
	// currently held by the Source Manager.
	SourcesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtmp_sources_active",
		Help: "Current number of Sources held by the Source Manager",
	})

	// PSRecoveries counts recoverable PS parse format violations.
	PSRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtmp_ps_recoveries_total",
		Help: "Total number of recoverable PS parse format violations",
	})
)
