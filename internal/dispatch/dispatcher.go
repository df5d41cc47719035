// Package dispatch sends due schedules to the messaging gateway and
// reconciles the button presses that come back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pingbot/internal/eventbus"
	"pingbot/internal/recurrence"
	"pingbot/internal/storage"
	"pingbot/internal/transport"
	logx "pingbot/pkg/logx"
	"pingbot/pkg/tgui"
)

var ErrTickInFlight = errors.New("dispatcher tick already in flight")

type Config struct {
	Interval    time.Duration // 0 means 60s
	SendTimeout time.Duration // 0 means 10s
	Workers     int           // per-tick parallelism; 0 means 4
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// TickReport summarizes one pass over the due schedules.
type TickReport struct {
	Due           int
	Sent          int
	SendFailed    int
	AdvanceFailed int
	Deactivated   int
	Took          time.Duration
}

type Dispatcher struct {
	schedules ScheduleSource
	ledger    Ledger
	gw        Gateway
	log       logx.Logger
	opt       options

	mu     sync.Mutex
	cfg    Config
	reload chan struct{}

	inFlight atomic.Bool
}

func New(cfg Config, schedules ScheduleSource, ledger Ledger, gw Gateway, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		schedules: schedules,
		ledger:    ledger,
		gw:        gw,
		log:       log.With(logx.String("comp", "dispatcher")),
		opt:       buildOptions(opts),
		cfg:       cfg.withDefaults(),
		reload:    make(chan struct{}, 1),
	}
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Apply swaps the configuration. A running loop picks up a new interval on
// its next wait.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	changed := cfg.Interval != d.cfg.Interval
	d.cfg = cfg
	d.mu.Unlock()
	if changed {
		select {
		case d.reload <- struct{}{}:
		default:
		}
	}
}

// Run ticks immediately and then on every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.config().Interval
	d.log.Info("dispatcher started", logx.Duration("interval", interval))

	d.safeTick(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return nil
		case <-d.reload:
			interval = d.config().Interval
			t.Reset(interval)
			d.log.Info("dispatcher interval changed", logx.Duration("interval", interval))
		case <-t.C:
			d.safeTick(ctx)
		}
	}
}

func (d *Dispatcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in dispatcher tick", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if _, err := d.Tick(ctx); err != nil && !errors.Is(err, ErrTickInFlight) && ctx.Err() == nil {
		d.log.Error("tick failed", logx.Err(err))
	}
}

// Tick processes every schedule due now. Only one tick runs at a time; a
// call that overlaps a running tick returns ErrTickInFlight.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	if !d.inFlight.CompareAndSwap(false, true) {
		d.log.Warn("tick skipped, previous tick still running")
		d.opt.bus.Publish(eventbus.Event{Type: eventbus.TypeTickSkipped})
		return TickReport{}, ErrTickInFlight
	}
	defer d.inFlight.Store(false)

	cfg := d.config()
	start := time.Now()
	now := d.opt.now().UTC()

	due, err := d.schedules.Due(ctx, now)
	if err != nil {
		return TickReport{}, fmt.Errorf("load due schedules: %w", err)
	}

	var (
		sent, sendFailed, advanceFailed, deactivated atomic.Int64
	)
	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for _, ds := range due {
		g.Go(func() error {
			res := d.fire(ctx, cfg, ds, now)
			if res.sent {
				sent.Add(1)
			} else {
				sendFailed.Add(1)
			}
			if res.advanceErr != nil {
				advanceFailed.Add(1)
			}
			if res.deactivated {
				deactivated.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := TickReport{
		Due:           len(due),
		Sent:          int(sent.Load()),
		SendFailed:    int(sendFailed.Load()),
		AdvanceFailed: int(advanceFailed.Load()),
		Deactivated:   int(deactivated.Load()),
		Took:          time.Since(start),
	}
	d.opt.bus.Publish(eventbus.Event{Type: eventbus.TypeTick, Data: eventbus.TickEvent{
		Due:           rep.Due,
		Sent:          rep.Sent,
		SendFailed:    rep.SendFailed,
		AdvanceFailed: rep.AdvanceFailed,
		Took:          rep.Took,
	}})

	fields := []logx.Field{
		logx.Int("due", rep.Due),
		logx.Int("sent", rep.Sent),
		logx.Int("send_failed", rep.SendFailed),
		logx.Int("advance_failed", rep.AdvanceFailed),
		logx.Duration("took", rep.Took),
	}
	if rep.Due > 0 {
		d.log.Info("tick done", fields...)
	} else {
		d.log.Debug("tick done", fields...)
	}
	return rep, nil
}

type fireResult struct {
	sent        bool
	advanceErr  error
	deactivated bool
}

// fire is the unit of work for one due schedule. Send and advance are
// contained separately: a failed or panicking send still advances.
func (d *Dispatcher) fire(ctx context.Context, cfg Config, ds storage.DueSchedule, now time.Time) (res fireResult) {
	sch := ds.Schedule
	log := d.log.With(logx.String("schedule_id", sch.ID), logx.String("user_id", sch.UserID))

	_ = contain(log, "send", func() { res.sent = d.send(ctx, cfg, ds, now, log) })

	var err error
	if perr := contain(log, "advance", func() { _, err = d.schedules.Advance(ctx, sch, now) }); perr != nil {
		err = perr
	}
	if err == nil {
		return res
	}
	res.advanceErr = err
	log.Error("advance failed", logx.Err(err))
	d.opt.bus.Publish(eventbus.Event{Type: eventbus.TypeAdvanceFailed, Data: eventbus.DispatchEvent{
		ScheduleID: sch.ID, UserID: sch.UserID, Err: err.Error(),
	}})

	if errors.Is(err, recurrence.ErrInvalidExpression) || errors.Is(err, recurrence.ErrUnknownTimezone) {
		if derr := d.schedules.Deactivate(ctx, sch.ID); derr != nil {
			log.Error("deactivate failed", logx.Err(derr))
			return res
		}
		res.deactivated = true
		log.Warn("schedule deactivated", logx.String("cron", sch.CronExpression), logx.String("tz", sch.Timezone))
		d.opt.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleDeactivate, Data: eventbus.DispatchEvent{
			ScheduleID: sch.ID, UserID: sch.UserID, Err: err.Error(),
		}})
	}
	return res
}

// contain runs fn and turns a panic into an error. Worker goroutines are
// outside safeTick's recover.
func contain(log logx.Logger, step string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in dispatch step", logx.String("step", step), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic during %s: %v", step, r)
		}
	}()
	fn()
	return nil
}

func (d *Dispatcher) send(ctx context.Context, cfg Config, ds storage.DueSchedule, now time.Time, log logx.Logger) bool {
	sch, tpl := ds.Schedule, ds.Template

	disp, err := d.ledger.CreateDispatch(ctx, storage.NewDispatch{
		TemplateID: tpl.ID,
		ScheduleID: sch.ID,
		UserID:     sch.UserID,
		SentAt:     now,
	})
	if err != nil {
		log.Error("create dispatch failed", logx.Err(err))
		d.publishFailed(sch, storage.Dispatch{}, err)
		return false
	}
	log = log.With(logx.Int64("short_id", disp.ShortID))

	buttons, err := Buttons(disp.ShortID, tpl)
	if err != nil {
		log.Error("build buttons failed", logx.Err(err))
		d.publishFailed(sch, disp, err)
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	ref, err := d.gw.SendText(sendCtx, transport.ChatTarget{ChatID: ds.ChatID}, tgui.Esc(tpl.Body).String(), &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Buttons:        buttons,
	})
	if err != nil {
		log.Warn("send failed", logx.Err(err))
		d.publishFailed(sch, disp, err)
		return false
	}

	if err := d.ledger.RecordDelivery(ctx, disp.ID, int64(ref.MessageID)); err != nil {
		// The message is out; only the handle for the later edit is lost.
		log.Error("record delivery failed", logx.Err(err), logx.Int("message_id", ref.MessageID))
	}
	log.Debug("dispatch sent", logx.Int("message_id", ref.MessageID))
	d.opt.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchSent, Data: eventbus.DispatchEvent{
		ScheduleID: sch.ID, DispatchID: disp.ID, ShortID: disp.ShortID, UserID: sch.UserID,
	}})
	return true
}

func (d *Dispatcher) publishFailed(sch storage.Schedule, disp storage.Dispatch, err error) {
	d.opt.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFailed, Data: eventbus.DispatchEvent{
		ScheduleID: sch.ID,
		DispatchID: disp.ID,
		ShortID:    disp.ShortID,
		UserID:     sch.UserID,
		Err:        err.Error(),
	}})
}
