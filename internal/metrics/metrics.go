// Package metrics holds the Prometheus collectors exported by the broker.
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "cardbroker"

type Metrics struct {
	SessionsActive      prometheus.Gauge
	SessionsOpened      *prometheus.CounterVec
	PermissionDecisions *prometheus.CounterVec
	PoolChannels        prometheus.Gauge
	Redeliveries        prometheus.Counter
	ForwardedMessages   *prometheus.CounterVec
	BackendAvailable    prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of live client session handlers.",
		}),
		SessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Client session handlers created, by caller kind.",
		}, []string{"caller"}),
		PermissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "permissions",
			Name:      "decisions_total",
			Help:      "Permission checks resolved, by decision.",
		}, []string{"decision"}),
		PoolChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "channels",
			Help:      "Client channels currently registered in the pool.",
		}),
		Redeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "redeliveries_total",
			Help:      "External messages redelivered after a detected client reload.",
		}),
		ForwardedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "forwarded_messages_total",
			Help:      "Messages forwarded between clients and the server, by direction.",
		}, []string{"direction"}),
		BackendAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "available",
			Help:      "1 while the server channel is usable, 0 once it is lost.",
		}),
	}
	reg.MustRegister(
		m.SessionsActive,
		m.SessionsOpened,
		m.PermissionDecisions,
		m.PoolChannels,
		m.Redeliveries,
		m.ForwardedMessages,
		m.BackendAvailable,
	)
	return m
}

func (m *Metrics) SessionOpened(caller string) {
	if m == nil {
		return
	}
	m.SessionsOpened.WithLabelValues(caller).Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) PermissionDecided(decision string) {
	if m == nil {
		return
	}
	m.PermissionDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) SetPoolChannels(n int) {
	if m == nil {
		return
	}
	m.PoolChannels.Set(float64(n))
}

func (m *Metrics) Redelivered() {
	if m == nil {
		return
	}
	m.Redeliveries.Inc()
}

func (m *Metrics) Forwarded(direction string) {
	if m == nil {
		return
	}
	m.ForwardedMessages.WithLabelValues(direction).Inc()
}

func (m *Metrics) SetBackendAvailable(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.BackendAvailable.Set(1)
		return
	}
	m.BackendAvailable.Set(0)
}
