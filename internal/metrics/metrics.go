// Package metrics exposes Prometheus instrumentation for the gateway: one
// CounterVec/HistogramVec per concern, registered against a dedicated
// registry rather than the global default so tests can construct isolated
// instances.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder implements internal/subscription.Metrics and
// internal/pluginhost-facing invocation timing, giving every subsystem a
// single concrete metrics sink.
type Recorder struct {
	eventsIngested  *prometheus.CounterVec
	eventsForwarded *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	eventsLagged    *prometheus.CounterVec
	lagMissed       *prometheus.CounterVec

	subscriptionsActive *prometheus.GaugeVec

	pluginInvocations *prometheus.CounterVec
	pluginDuration    *prometheus.HistogramVec

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter

	registry *prometheus.Registry
}

// New constructs a Recorder registered against a fresh Prometheus registry.
func New(namespace string) *Recorder {
	if namespace == "" {
		namespace = "kiwi"
	}

	r := &Recorder{registry: prometheus.NewRegistry()}

	r.eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Total number of events ingested from an upstream source.",
		},
		[]string{"source_id"},
	)

	r.eventsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_forwarded_total",
			Help:      "Total number of events forwarded to a client subscription.",
		},
		[]string{"source_id"},
	)

	r.eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped by an intercept plugin or plugin error.",
		},
		[]string{"source_id"},
	)

	r.eventsLagged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lag_events_total",
			Help:      "Total number of Lag notifications emitted to clients.",
		},
		[]string{"source_id"},
	)

	r.lagMissed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lag_missed_events_total",
			Help:      "Total number of events reported missed across all Lag notifications.",
		},
		[]string{"source_id"},
	)

	r.subscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Number of currently open subscriptions, by source.",
		},
		[]string{"source_id"},
	)

	r.pluginInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_invocations_total",
			Help:      "Total number of plugin invocations, by hook and outcome.",
		},
		[]string{"hook", "outcome"},
	)

	r.pluginDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_invocation_duration_seconds",
			Help:      "Plugin invocation latency, by hook.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"hook"},
	)

	r.connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of currently open client connections.",
	})

	r.connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Total number of client connections accepted.",
	})

	r.registry.MustRegister(
		r.eventsIngested,
		r.eventsForwarded,
		r.eventsDropped,
		r.eventsLagged,
		r.lagMissed,
		r.subscriptionsActive,
		r.pluginInvocations,
		r.pluginDuration,
		r.connectionsActive,
		r.connectionsTotal,
	)

	return r
}

// Registry exposes the underlying Prometheus registry for mounting behind
// promhttp.Handler.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// EventIngested records one event read from an upstream source, wired
// through internal/source.Registry.OnEvent.
func (r *Recorder) EventIngested(sourceID string) {
	r.eventsIngested.WithLabelValues(sourceID).Inc()
}

// The following methods implement internal/subscription.Metrics.

func (r *Recorder) EventForwarded(sourceID string) {
	r.eventsForwarded.WithLabelValues(sourceID).Inc()
}

func (r *Recorder) EventDropped(sourceID string) {
	r.eventsDropped.WithLabelValues(sourceID).Inc()
}

func (r *Recorder) EventLag(sourceID string, missed int64) {
	r.eventsLagged.WithLabelValues(sourceID).Inc()
	r.lagMissed.WithLabelValues(sourceID).Add(float64(missed))
}

func (r *Recorder) SubscriptionOpened(sourceID string) {
	r.subscriptionsActive.WithLabelValues(sourceID).Inc()
}

func (r *Recorder) SubscriptionClosed(sourceID string) {
	r.subscriptionsActive.WithLabelValues(sourceID).Dec()
}

// PluginInvocation records one plugin call's outcome and latency, called by
// internal/pluginhost via the Observer it is constructed with.
func (r *Recorder) PluginInvocation(hook string, outcome string, d time.Duration) {
	r.pluginInvocations.WithLabelValues(hook, outcome).Inc()
	r.pluginDuration.WithLabelValues(hook).Observe(d.Seconds())
}

func (r *Recorder) ConnectionAccepted() {
	r.connectionsActive.Inc()
	r.connectionsTotal.Inc()
}

func (r *Recorder) ConnectionClosed() {
	r.connectionsActive.Dec()
}
