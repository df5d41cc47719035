package router

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pingbot/internal/transport"
	logx "pingbot/pkg/logx"
)

func TestHandleRoutesByKind(t *testing.T) {
	t.Parallel()
	var (
		gotMsg transport.Message
		gotCb  transport.Callback
	)
	r := New(Config{},
		func(_ context.Context, m transport.Message) (bool, error) { gotMsg = m; return true, nil },
		func(_ context.Context, cb transport.Callback) { gotCb = cb },
		logx.Nop(),
	)
	ctx := context.Background()

	if err := r.Handle(ctx, transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: 5, Text: "/start ABC123"}}); err != nil {
		t.Fatalf("Handle message: %v", err)
	}
	if gotMsg.Text != "/start ABC123" {
		t.Fatalf("message not routed: %+v", gotMsg)
	}
	if err := r.Handle(ctx, transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "cb", Data: "r_1_yes"}}); err != nil {
		t.Fatalf("Handle callback: %v", err)
	}
	if gotCb.Data != "r_1_yes" {
		t.Fatalf("callback not routed: %+v", gotCb)
	}
	// Malformed updates are ignored.
	if err := r.Handle(ctx, transport.Update{Kind: transport.UpdateCallback}); err != nil {
		t.Fatalf("Handle empty: %v", err)
	}
}

func TestHandleRecoversPanics(t *testing.T) {
	t.Parallel()
	r := New(Config{}, nil, func(context.Context, transport.Callback) { panic("boom") }, logx.Nop())
	err := r.Handle(context.Background(), transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "x"}})
	if err == nil {
		t.Fatalf("expected panic converted to error")
	}
}

func TestHandlePropagatesMessageErrors(t *testing.T) {
	t.Parallel()
	want := errors.New("store down")
	r := New(Config{}, func(context.Context, transport.Message) (bool, error) { return true, want }, nil, logx.Nop())
	if err := r.Handle(context.Background(), transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{}}); !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
}

func TestHandlerTimeout(t *testing.T) {
	t.Parallel()
	r := New(Config{HandlerTimeout: 20 * time.Millisecond}, nil, func(ctx context.Context, _ transport.Callback) {
		<-ctx.Done()
	}, logx.Nop())
	done := make(chan struct{})
	go func() {
		_ = r.Handle(context.Background(), transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler context never expired")
	}
}

func TestRunBoundsInflight(t *testing.T) {
	t.Parallel()
	const limit = 3
	var (
		cur, peak atomic.Int32
		handled   sync.WaitGroup
		release   = make(chan struct{})
	)
	r := New(Config{MaxInflight: limit}, nil, func(context.Context, transport.Callback) {
		defer handled.Done()
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		cur.Add(-1)
	}, logx.Nop())

	updates := make(chan transport.Update)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx, updates) }()

	const total = 10
	handled.Add(total)
	go func() {
		for i := 0; i < total; i++ {
			updates <- transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: strconv.Itoa(i)}}
		}
	}()

	deadline := time.After(2 * time.Second)
	for cur.Load() < limit {
		select {
		case <-deadline:
			t.Fatalf("handlers never reached the limit, cur=%d", cur.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(release)
	handled.Wait()
	if p := peak.Load(); p > limit {
		t.Fatalf("peak in-flight = %d, want <= %d", p, limit)
	}

	close(updates)
	if err := <-errc; err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	cmds := MenuCommands()
	if len(cmds) == 0 || cmds[0].Command != "start" {
		t.Fatalf("unexpected menu: %+v", cmds)
	}
}
