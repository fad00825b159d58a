// Package metrics exposes Prometheus collectors for the hub, the rule engine,
// the presence deriver and retention. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smarthome"

type Metrics struct {
	HubClients    prometheus.Gauge
	HubBroadcasts *prometheus.CounterVec
	HubEvictions  *prometheus.CounterVec

	RuleActions   prometheus.Counter
	RuleSkips     *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec
	BatchFailures prometheus.Counter

	PresenceChanges prometheus.Counter

	RetentionRuns    *prometheus.CounterVec
	RetentionDeleted prometheus.Counter

	IngestReadings *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		HubClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "clients",
			Help:      "Connected websocket viewers",
		}),
		HubBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Broadcast messages by type",
		}, []string{"type"}),
		HubEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "evictions_total",
			Help:      "Clients dropped, by reason",
		}, []string{"reason"}),

		RuleActions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "actions_total",
			Help:      "Equipment state changes applied by rules",
		}),
		RuleSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "skips_total",
			Help:      "Rules skipped, by reason",
		}, []string{"reason"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "batch_duration_seconds",
			Help:      "Rule batch evaluation time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scope"}),
		BatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "batch_failures_total",
			Help:      "Rule batches aborted by a store failure",
		}),

		PresenceChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "changes_total",
			Help:      "Presence sensor value changes",
		}),

		RetentionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Cleanup runs by outcome",
		}, []string{"reason"}),
		RetentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "deleted_total",
			Help:      "Events deleted by cleanup",
		}),

		IngestReadings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "readings_total",
			Help:      "Sensor readings received over MQTT, by outcome",
		}, []string{"status"}),
	}
}

// Register every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.HubClients, m.HubBroadcasts, m.HubEvictions,
		m.RuleActions, m.RuleSkips, m.BatchDuration, m.BatchFailures,
		m.PresenceChanges,
		m.RetentionRuns, m.RetentionDeleted,
		m.IngestReadings,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.HubClients.Set(float64(n))
}

func (m *Metrics) RecordBroadcast(msgType string) {
	if m == nil {
		return
	}
	m.HubBroadcasts.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordEviction(reason string) {
	if m == nil {
		return
	}
	m.HubEvictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordAction() {
	if m == nil {
		return
	}
	m.RuleActions.Inc()
}

func (m *Metrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.RuleSkips.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBatch(scope string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.BatchDuration.WithLabelValues(scope).Observe(d.Seconds())
	if err != nil {
		m.BatchFailures.Inc()
	}
}

func (m *Metrics) RecordPresenceChange() {
	if m == nil {
		return
	}
	m.PresenceChanges.Inc()
}

func (m *Metrics) RecordCleanup(reason string, deleted int) {
	if m == nil {
		return
	}
	m.RetentionRuns.WithLabelValues(reason).Inc()
	m.RetentionDeleted.Add(float64(deleted))
}

func (m *Metrics) RecordReading(status string) {
	if m == nil {
		return
	}
	m.IngestReadings.WithLabelValues(status).Inc()
}
