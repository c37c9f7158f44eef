// Package metrics exposes Prometheus instrumentation for the inventory
// engine. All collectors are registered on the default registry via
// promauto and served from the /metrics endpoint.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CalculationPassDuration tracks end-to-end calculation pass latency
	// per trigger type. Buckets are tuned around the 200ms pass budget.
	CalculationPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inventory_calculation_pass_duration_seconds",
		Help:    "End-to-end duration of calculation passes",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 1, 2.5},
	}, []string{"trigger_type"})

	// CalculationPassesTotal counts completed passes by final state.
	CalculationPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_calculation_passes_total",
		Help: "Calculation passes by final state",
	}, []string{"state"})

	// SLABreachesTotal counts passes that exceeded their latency budget.
	// A breach is flagged, never aborted, so this is the alerting signal.
	SLABreachesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_sla_breaches_total",
		Help: "Calculation passes that exceeded their latency budget",
	}, []string{"trigger_type"})

	// CalculationRetriesTotal counts retry attempts on transient
	// calculation failures.
	CalculationRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_calculation_retries_total",
		Help: "Retry attempts on transient calculation failures",
	})

	// LocatesTotal counts locate requests by outcome.
	LocatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_locates_total",
		Help: "Locate requests by outcome",
	}, []string{"status"})

	// SellValidationsTotal counts short/long sell validations by side and
	// outcome.
	SellValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_sell_validations_total",
		Help: "Sell validations by side and outcome",
	}, []string{"side", "outcome"})

	// WebsocketClients tracks currently connected event subscribers.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inventory_websocket_clients",
		Help: "Currently connected websocket subscribers",
	})

	// EventsPublished counts events broadcast to subscribers.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_events_published_total",
		Help: "Events broadcast to websocket subscribers",
	}, []string{"type"})

	// EventsDropped counts events dropped because the broadcast buffer was
	// full.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_events_dropped_total",
		Help: "Events dropped due to a full broadcast buffer",
	}, []string{"type"})
)

// Handler returns the Prometheus scrape endpoint wrapped for gin.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
