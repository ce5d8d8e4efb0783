// Package metrics provides Prometheus instrumentation for the machine.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// State is 1 for the machine's current state and 0 for every other.
	State = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lamassu",
			Name:      "state",
			Help:      "Current machine state (1 for the active state).",
		},
		[]string{"state"},
	)

	// TransitionsTotal counts state changes by destination.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lamassu",
			Name:      "transitions_total",
			Help:      "Total state transitions by destination state.",
		},
		[]string{"to"},
	)

	// EventsTotal counts normalized collaborator events.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lamassu",
			Name:      "events_total",
			Help:      "Total collaborator events by source and name.",
		},
		[]string{"source", "event"},
	)

	// IgnoredTransitionsTotal counts transitions requested from a state that
	// does not define them.
	IgnoredTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lamassu",
			Name:      "ignored_transitions_total",
			Help:      "Transitions with no rule from the current state.",
		},
		[]string{"state", "transition"},
	)

	// BillsTotal counts bills by outcome.
	BillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lamassu",
			Name:      "bills_total",
			Help:      "Total bills by outcome (stacked, rejected, over_limit).",
		},
		[]string{"outcome"},
	)

	// IdleCallbacksTotal counts fired idle and exit actions.
	IdleCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lamassu",
			Name:      "idle_callbacks_total",
			Help:      "Idle timer actions fired, by kind (idle, exit).",
		},
		[]string{"kind"},
	)

	// DisplayClients tracks connected display websockets.
	DisplayClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lamassu",
			Name:      "display_clients",
			Help:      "Number of connected display clients.",
		},
	)

	// TraderUp is 1 while the trader can reach the operator server.
	TraderUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lamassu",
			Name:      "trader_up",
			Help:      "Whether the last trader poll succeeded.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		State,
		TransitionsTotal,
		EventsTotal,
		IgnoredTransitionsTotal,
		BillsTotal,
		IdleCallbacksTotal,
		DisplayClients,
		TraderUp,
	)
}

// SetState marks current as the only active state.
func SetState(previous, current string) {
	if previous != "" {
		State.WithLabelValues(previous).Set(0)
	}
	State.WithLabelValues(current).Set(1)
	TransitionsTotal.WithLabelValues(current).Inc()
}

// Handler returns a gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
