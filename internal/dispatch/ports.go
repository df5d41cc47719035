package dispatch

import (
	"context"
	"time"

	"pingbot/internal/dedup"
	"pingbot/internal/eventbus"
	"pingbot/internal/storage"
	"pingbot/internal/transport"
)

// Gateway is the outbound half of transport.Adapter.
type Gateway interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
	ClearButtons(ctx context.Context, ref transport.MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// ScheduleSource is implemented by schedules.Service.
type ScheduleSource interface {
	Due(ctx context.Context, now time.Time) ([]storage.DueSchedule, error)
	Advance(ctx context.Context, sch storage.Schedule, now time.Time) (time.Time, error)
	Deactivate(ctx context.Context, id string) error
}

type Ledger interface {
	CreateDispatch(ctx context.Context, d storage.NewDispatch) (storage.Dispatch, error)
	RecordDelivery(ctx context.Context, id string, gatewayMessageID int64) error
	FindByShortID(ctx context.Context, shortID int64) (storage.Dispatch, error)
	RecordResponse(ctx context.Context, id, label string, at time.Time) error
}

type TemplateSource interface {
	GetTemplate(ctx context.Context, id string) (storage.Template, error)
}

type options struct {
	bus   eventbus.Bus
	now   func() time.Time
	dedup dedup.Store
}

type Option func(*options)

func WithBus(b eventbus.Bus) Option {
	return func(o *options) {
		if b != nil {
			o.bus = b
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithDedup enables the event id fast path of the Reconciler.
func WithDedup(d dedup.Store) Option {
	return func(o *options) { o.dedup = d }
}

func buildOptions(opts []Option) options {
	o := options{bus: eventbus.Nop{}, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
