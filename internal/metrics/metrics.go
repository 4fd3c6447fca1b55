// Package metrics exposes the relay's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Delivery results.
const (
	ResultDelivered = "delivered"
	ResultClosed    = "closed"
	ResultDropped   = "dropped"
)

// Metrics groups the counters the fan-out engine and transport update.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	deliveries *prometheus.CounterVec
	commands   *prometheus.CounterVec
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Name:      "deliveries_total",
				Help:      "Pushes to live connections by event and result.",
			},
			[]string{"event", "result"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Name:      "commands_total",
				Help:      "Inbound commands by name and outcome.",
			},
			[]string{"command", "outcome"},
		),
	}
	reg.MustRegister(m.deliveries, m.commands)
	return m
}

// RegisterPresence publishes the registry sizes as gauges.
func RegisterPresence(reg prometheus.Registerer, online, connections func() int) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "online_users",
			Help:      "Users with at least one live connection.",
		}, func() float64 { return float64(online()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connections",
			Help:      "Registered live connections.",
		}, func() float64 { return float64(connections()) }),
	)
}

// Delivery counts one push attempt.
func (m *Metrics) Delivery(event, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(event, result).Inc()
}

// Command counts one handled inbound command.
func (m *Metrics) Command(command, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}
