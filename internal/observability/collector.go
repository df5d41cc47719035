package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"pingbot/internal/eventbus"
	logx "pingbot/pkg/logx"
)

// Collector turns bus events into metric updates.
type Collector struct {
	bus    eventbus.Bus
	log    logx.Logger
	buffer int
}

func NewCollector(bus eventbus.Bus, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{bus: bus, log: log.With(logx.String("comp", "metrics")), buffer: 256}
}

// DroppedEvents exposes the bus drop count as a counter.
func (c *Collector) DroppedEvents() prometheus.Collector {
	return prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: "pingbot_eventbus_dropped_total", Help: "Bus deliveries skipped because a subscriber was full"},
		func() float64 { return float64(c.bus.Dropped()) },
	)
}

// Run consumes events until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	ch, unsub := c.bus.Subscribe(c.buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

// Observe applies a single event.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeDispatchSent:
		Dispatches.WithLabelValues("sent").Inc()
	case eventbus.TypeDispatchFailed:
		Dispatches.WithLabelValues("send_failed").Inc()
	case eventbus.TypeAdvanceFailed:
		AdvanceFailures.Inc()
	case eventbus.TypeScheduleDeactivate:
		Deactivations.Inc()
		if de, ok := e.Data.(eventbus.DispatchEvent); ok {
			c.log.Warn("schedule deactivated", logx.String("schedule_id", de.ScheduleID), logx.String("reason", de.Err))
		}
	case eventbus.TypeTickSkipped:
		Ticks.WithLabelValues("skipped").Inc()
	case eventbus.TypeTick:
		Ticks.WithLabelValues("ok").Inc()
		if te, ok := e.Data.(eventbus.TickEvent); ok {
			TickDuration.Observe(te.Took.Seconds())
			DueSchedules.Set(float64(te.Due))
		}
	case eventbus.TypeResponse:
		if re, ok := e.Data.(eventbus.ResponseEvent); ok {
			Responses.WithLabelValues(re.Outcome).Inc()
		}
	}
}
