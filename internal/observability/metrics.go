// Package observability holds pingbot's Prometheus collectors and the bus
// subscriber that feeds them.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pingbot_dispatch_total", Help: "Dispatch attempts by result"},
		[]string{"result"},
	)
	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pingbot_tick_total", Help: "Dispatcher ticks by result"},
		[]string{"result"},
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pingbot_tick_duration_seconds",
			Help:    "Wall time of one dispatcher tick",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	DueSchedules = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "pingbot_tick_due_schedules", Help: "Schedules found due by the last tick"},
	)
	AdvanceFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pingbot_schedule_advance_failures_total", Help: "Schedules whose next occurrence could not be stored"},
	)
	Deactivations = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pingbot_schedule_deactivations_total", Help: "Schedules deactivated for an invalid expression or timezone"},
	)
	Responses = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pingbot_responses_total", Help: "Button presses by outcome"},
		[]string{"outcome"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pingbot_http_requests_total", Help: "Ops HTTP requests"},
		[]string{"route", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(Dispatches, Ticks, TickDuration, DueSchedules, AdvanceFailures, Deactivations, Responses, HTTPRequests)
}
