// Package metrics defines the Prometheus collectors of the telemetry core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons for MessagesDropped.
const (
	ReasonParse        = "parse"
	ReasonUnknownTopic = "unknown_topic"
)

// Logging call outcomes for LoggingCalls.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeNotFound = "not_found"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	MessagesReceived  prometheus.Counter
	MessagesDropped   *prometheus.CounterVec
	PayloadPersistErr prometheus.Counter
	DerivedPublished  *prometheus.CounterVec
	DerivedErrors     *prometheus.CounterVec
	Subscriptions     prometheus.Gauge
	SubscribeErrors   prometheus.Counter
	Reloads           *prometheus.CounterVec
	ReloadErrors      *prometheus.CounterVec
	Schedules         prometheus.Gauge
	LoggingAttempts   prometheus.Counter
	LoggingCalls      *prometheus.CounterVec
	LoggingLatency    prometheus.Histogram
	BusConnected      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_messages_received_total",
			Help: "Inbound bus messages received.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_messages_dropped_total",
			Help: "Inbound bus messages dropped before reaching the cache.",
		}, []string{"reason"}),
		PayloadPersistErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_payload_persist_errors_total",
			Help: "Failed writes of last known payloads to the configuration store.",
		}),
		DerivedPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_derived_published_total",
			Help: "Derived results published to output targets.",
		}, []string{"kind"}),
		DerivedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_derived_errors_total",
			Help: "Per-configuration recomputation failures.",
		}, []string{"kind"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_subscriptions",
			Help: "Topics currently subscribed on the bus.",
		}),
		SubscribeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_subscribe_errors_total",
			Help: "Failed subscribe or unsubscribe calls.",
		}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_reloads_total",
			Help: "Completed configuration reloads.",
		}, []string{"component"}),
		ReloadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_reload_errors_total",
			Help: "Configuration reloads that failed to read the store.",
		}, []string{"component"}),
		Schedules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_schedules",
			Help: "Configurations with an armed logging schedule.",
		}),
		LoggingAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_logging_attempts_total",
			Help: "Individual logging HTTP attempts, including retries.",
		}),
		LoggingCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_logging_calls_total",
			Help: "Logging cycles by final outcome.",
		}, []string{"endpoint", "outcome"}),
		LoggingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "telemetry_logging_call_seconds",
			Help:    "Duration of a logging cycle including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 13),
		}),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_bus_connected",
			Help: "1 while the bus connection is open.",
		}),
	}

	reg.MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.PayloadPersistErr,
		m.DerivedPublished,
		m.DerivedErrors,
		m.Subscriptions,
		m.SubscribeErrors,
		m.Reloads,
		m.ReloadErrors,
		m.Schedules,
		m.LoggingAttempts,
		m.LoggingCalls,
		m.LoggingLatency,
		m.BusConnected,
	)
	return m
}

func (m *Metrics) IncReceived() {
	if m != nil {
		m.MessagesReceived.Inc()
	}
}

func (m *Metrics) IncDropped(reason string) {
	if m != nil {
		m.MessagesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncPersistError() {
	if m != nil {
		m.PayloadPersistErr.Inc()
	}
}

func (m *Metrics) IncDerived(kind string) {
	if m != nil {
		m.DerivedPublished.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncDerivedError(kind string) {
	if m != nil {
		m.DerivedErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetSubscriptions(n int) {
	if m != nil {
		m.Subscriptions.Set(float64(n))
	}
}

func (m *Metrics) IncSubscribeError() {
	if m != nil {
		m.SubscribeErrors.Inc()
	}
}

func (m *Metrics) IncReload(component string) {
	if m != nil {
		m.Reloads.WithLabelValues(component).Inc()
	}
}

func (m *Metrics) IncReloadError(component string) {
	if m != nil {
		m.ReloadErrors.WithLabelValues(component).Inc()
	}
}

func (m *Metrics) SetSchedules(n int) {
	if m != nil {
		m.Schedules.Set(float64(n))
	}
}

func (m *Metrics) IncLoggingAttempt() {
	if m != nil {
		m.LoggingAttempts.Inc()
	}
}

// ObserveLoggingCall records the outcome and duration of one logging cycle.
func (m *Metrics) ObserveLoggingCall(endpoint, outcome string, seconds float64) {
	if m != nil {
		m.LoggingCalls.WithLabelValues(endpoint, outcome).Inc()
		m.LoggingLatency.Observe(seconds)
	}
}

func (m *Metrics) SetBusConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.BusConnected.Set(1)
		return
	}
	m.BusConnected.Set(0)
}
