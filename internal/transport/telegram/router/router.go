// Package router fans inbound Telegram updates out to the linking flow and
// the response reconciler.
package router

import (
	"context"
	"time"

	"pingbot/internal/transport"
	logx "pingbot/pkg/logx"
)

// MessageFunc handles a text message. handled=false means nobody claimed it.
type MessageFunc func(ctx context.Context, msg transport.Message) (handled bool, err error)

// CallbackFunc handles a button press. It is responsible for acknowledging it.
type CallbackFunc func(ctx context.Context, cb transport.Callback)

type Config struct {
	// MaxInflight bounds concurrently handled updates.
	MaxInflight int
	// HandlerTimeout bounds one update end to end.
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInflight <= 0 {
		c.MaxInflight = 32
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

type Router struct {
	cfg Config
	log logx.Logger

	onMessage  MessageFunc
	onCallback CallbackFunc
	handler    HandlerFunc

	sem chan struct{}
}

func New(cfg Config, onMessage MessageFunc, onCallback CallbackFunc, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:        cfg,
		log:        log.With(logx.String("comp", "router")),
		onMessage:  onMessage,
		onCallback: onCallback,
		sem:        make(chan struct{}, cfg.MaxInflight),
	}
	r.handler = Chain(r.route,
		Recover(r.log),
		Logging(r.log),
		Timeout(cfg.HandlerTimeout),
	)
	return r
}

// MenuCommands lists the commands the bot answers to.
func MenuCommands() []transport.BotCommand {
	return []transport.BotCommand{
		{Command: "start", Description: "Link this chat to your PingBot account"},
	}
}

// Run consumes updates until ctx is done or updates is closed, then waits
// briefly for in-flight handlers.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	r.log.Info("router started", logx.Int("max_inflight", r.cfg.MaxInflight))
	defer r.drain()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case r.sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			go func() {
				defer func() { <-r.sem }()
				_ = r.Handle(ctx, up)
			}()
		}
	}
}

func (r *Router) drain() {
	deadline := time.NewTimer(3 * time.Second)
	defer deadline.Stop()
	held := 0
	defer func() {
		// release so Run can be called again
		for ; held > 0; held-- {
			<-r.sem
		}
	}()
	for held < cap(r.sem) {
		select {
		case r.sem <- struct{}{}:
			held++
		case <-deadline.C:
			r.log.Warn("router stopped with handlers in flight", logx.Int("in_flight", cap(r.sem)-held))
			return
		}
	}
	r.log.Info("router stopped")
}

// Handle runs one update through the middleware chain synchronously.
func (r *Router) Handle(ctx context.Context, up transport.Update) error {
	message := up.Kind == transport.UpdateMessage && up.Message != nil
	callback := up.Kind == transport.UpdateCallback && up.Callback != nil
	if !message && !callback {
		return nil
	}
	return r.handler(ctx, newRequest(up))
}

func (r *Router) route(ctx context.Context, req *Request) error {
	switch req.Update.Kind {
	case transport.UpdateMessage:
		if r.onMessage == nil {
			return nil
		}
		_, err := r.onMessage(ctx, *req.Update.Message)
		return err
	case transport.UpdateCallback:
		if r.onCallback != nil {
			r.onCallback(ctx, *req.Update.Callback)
		}
	}
	return nil
}
