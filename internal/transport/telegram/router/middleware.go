package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"pingbot/internal/transport"
	logx "pingbot/pkg/logx"
)

const slowUpdate = 750 * time.Millisecond

// Request is one inbound update on its way to a handler.
type Request struct {
	Update transport.Update
	ChatID int64
	FromID int64
}

func newRequest(up transport.Update) *Request {
	req := &Request{Update: up}
	switch {
	case up.Message != nil:
		req.ChatID, req.FromID = up.Message.ChatID, up.Message.FromID
	case up.Callback != nil:
		req.ChatID, req.FromID = up.Callback.ChatID, up.Callback.FromID
	}
	return req
}

// fields describes the request for logs without message text.
func (r *Request) fields() []logx.Field {
	fs := []logx.Field{
		logx.String("kind", string(r.Update.Kind)),
		logx.Int64("chat_id", r.ChatID),
		logx.Int64("from_id", r.FromID),
	}
	if cb := r.Update.Callback; cb != nil {
		fs = append(fs, logx.String("callback_id", cb.ID), logx.String("data", cb.Data))
	}
	return fs
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// Timeout bounds the rest of the chain. Zero disables it.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// Recover turns a handler panic into an error so one bad update cannot
// kill the router.
func Recover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				log.Error("handler panic", append(req.fields(),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)...)
				err = fmt.Errorf("handler panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// Logging records failures at WARN and slow updates at INFO; the rest go
// to DEBUG.
func Logging(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			fs := append(req.fields(), logx.Duration("took", took))
			switch {
			case err != nil:
				log.Warn("update failed", append(fs, logx.Err(err))...)
			case took >= slowUpdate:
				log.Info("slow update", fs...)
			default:
				log.Debug("update handled", fs...)
			}
			return err
		}
	}
}
