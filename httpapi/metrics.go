package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//Metrics holds the gateway's Prometheus collectors
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsClosed *prometheus.CounterVec
	Frames         *prometheus.CounterVec
	Rejected       *prometheus.CounterVec
	Invocations    *prometheus.CounterVec
	Pings          prometheus.Counter
	Viewers        prometheus.Gauge
	ViewersDropped prometheus.Counter
}

//NewMetrics creates the gateway collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentstream",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of registered agent sessions.",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentstream",
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Agent sessions closed by reason.",
		}, []string{"reason"}),
		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentstream",
			Subsystem: "frames",
			Name:      "accepted_total",
			Help:      "Inbound agent frames accepted by type.",
		}, []string{"type"}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentstream",
			Subsystem: "frames",
			Name:      "rejected_total",
			Help:      "Inbound agent frames rejected by error class.",
		}, []string{"class"}),
		Invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentstream",
			Subsystem: "invocations",
			Name:      "total",
			Help:      "Tool invocations by outcome.",
		}, []string{"outcome"}),
		Pings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentstream",
			Subsystem: "sessions",
			Name:      "pings_total",
			Help:      "Keepalive pings sent to agents.",
		}),
		Viewers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentstream",
			Subsystem: "viewers",
			Name:      "active",
			Help:      "Number of connected viewers.",
		}),
		ViewersDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentstream",
			Subsystem: "viewers",
			Name:      "dropped_total",
			Help:      "Viewers disconnected because their send buffer was full.",
		}),
	}
}
