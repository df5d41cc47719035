package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pingbot/internal/eventbus"
	logx "pingbot/pkg/logx"
)

// sample returns the value of the named counter or gauge whose labels
// include want.
func sample(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for k, v := range want {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
					}
				}
				if !found {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestCollectorObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	bus := eventbus.New()
	c := NewCollector(bus, logx.Nop())
	reg.MustRegister(c.DroppedEvents())

	before := map[string]float64{
		"sent":     sample(t, reg, "pingbot_dispatch_total", map[string]string{"result": "sent"}),
		"failed":   sample(t, reg, "pingbot_dispatch_total", map[string]string{"result": "send_failed"}),
		"deact":    sample(t, reg, "pingbot_schedule_deactivations_total", nil),
		"recorded": sample(t, reg, "pingbot_responses_total", map[string]string{"outcome": "recorded"}),
		"ticks":    sample(t, reg, "pingbot_tick_duration_seconds", nil),
	}

	c.Observe(eventbus.Event{Type: eventbus.TypeDispatchSent})
	c.Observe(eventbus.Event{Type: eventbus.TypeDispatchSent})
	c.Observe(eventbus.Event{Type: eventbus.TypeDispatchFailed})
	c.Observe(eventbus.Event{Type: eventbus.TypeScheduleDeactivate, Data: eventbus.DispatchEvent{ScheduleID: "s1", Err: "bad cron"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeResponse, Data: eventbus.ResponseEvent{ShortID: 3, Outcome: "recorded"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeTick, Data: eventbus.TickEvent{Due: 4, Took: 120 * time.Millisecond}})
	c.Observe(eventbus.Event{Type: "unknown"})

	checks := []struct {
		key    string
		name   string
		labels map[string]string
		delta  float64
	}{
		{"sent", "pingbot_dispatch_total", map[string]string{"result": "sent"}, 2},
		{"failed", "pingbot_dispatch_total", map[string]string{"result": "send_failed"}, 1},
		{"deact", "pingbot_schedule_deactivations_total", nil, 1},
		{"recorded", "pingbot_responses_total", map[string]string{"outcome": "recorded"}, 1},
		{"ticks", "pingbot_tick_duration_seconds", nil, 1},
	}
	for _, tt := range checks {
		if got := sample(t, reg, tt.name, tt.labels) - before[tt.key]; got != tt.delta {
			t.Fatalf("%s delta = %v, want %v", tt.key, got, tt.delta)
		}
	}
	if got := sample(t, reg, "pingbot_tick_due_schedules", nil); got != 4 {
		t.Fatalf("due gauge = %v, want 4", got)
	}
}

func TestCollectorRunConsumesBus(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	bus := eventbus.New()
	c := NewCollector(bus, logx.Nop())

	labels := map[string]string{"result": "skipped"}
	before := sample(t, reg, "pingbot_tick_total", labels)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for sample(t, reg, "pingbot_tick_total", labels) == before {
		// Publish until the subscriber is attached and has consumed one.
		bus.Publish(eventbus.Event{Type: eventbus.TypeTickSkipped})
		select {
		case <-deadline:
			t.Fatalf("collector never observed the event")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestDroppedEventsTracksBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	_, unsub := bus.Subscribe(1)
	defer unsub()
	bus.Publish(eventbus.Event{Type: eventbus.TypeTick})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTick})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTick})

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(bus, logx.Nop()).DroppedEvents())
	if got := sample(t, reg, "pingbot_eventbus_dropped_total", nil); got != 2 {
		t.Fatalf("dropped = %v, want 2", got)
	}
}
