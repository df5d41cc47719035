package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "pingbot/internal/runtime/supervisor"
	"pingbot/internal/transport"
	logx "pingbot/pkg/logx"
	"pingbot/pkg/tgui"
)

type Config struct {
	Token       string
	APIURL      string // empty means https://api.telegram.org
	PollTimeout time.Duration

	// Outgoing calls are paced by a token bucket and guarded by a circuit
	// breaker that opens after BreakerFailures consecutive failures.
	RPS             float64
	Burst           int
	BreakerFailures uint32
	BreakerOpenFor  time.Duration

	// Webhook replaces long polling when PublicURL is set.
	Webhook WebhookConfig

	// Offline skips the getMe handshake. Used by tests.
	Offline bool
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.RPS <= 0 {
		c.RPS = 25
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 10
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 20 * time.Second
	}
	return c
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// Updates dropped because the consumer was slower than the poll loop.
	// Reported periodically instead of per update.
	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64

	webhookAddr atomic.Value // string
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg = cfg.withDefaults()
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Client:  &http.Client{Timeout: cfg.PollTimeout + 10*time.Second},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram"))

	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         "telegram",
		MaxRequests:  3,
		Timeout:      cfg.BreakerOpenFor,
		ReadyToTrip:  func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= cfg.BreakerFailures },
		IsSuccessful: isHealthyResponse,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// isHealthyResponse keeps client-side rejections (blocked bot, unknown chat)
// from opening the breaker. Only transport failures, 5xx and flood limits count.
func isHealthyResponse(err error) bool {
	if err == nil {
		return true
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code >= 400 && te.Code < 500 && te.Code != http.StatusTooManyRequests
	}
	return false
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the current output channel; Start may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := &transport.Message{
			ID:      m.ID,
			ChatID:  m.Chat.ID,
			Text:    m.Text,
			IsGroup: m.Chat.Type != tele.ChatPrivate,
		}
		if m.Sender != nil {
			msg.FromID = m.Sender.ID
			msg.FromUsername = m.Sender.Username
		}
		a.sendUpdate(transport.Update{Kind: transport.UpdateMessage, Message: msg})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		up := &transport.Callback{ID: cb.ID, Data: cb.Data}
		if cb.Sender != nil {
			up.FromID = cb.Sender.ID
		}
		if m := cb.Message; m != nil && m.Chat != nil {
			up.ChatID = m.Chat.ID
			up.MessageID = m.ID
		}
		a.sendUpdate(transport.Update{Kind: transport.UpdateCallback, Callback: up})
		return nil
	})
}

func (a *Adapter) sendUpdate(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go("updates.drop_report", func(c context.Context) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return nil
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	if a.cfg.Webhook.enabled() {
		if err := a.startWebhook(ctx, sup); err != nil {
			sup.Cancel()
			a.runMu.Lock()
			a.running, a.sup = false, nil
			a.runMu.Unlock()
			return err
		}
		return nil
	}

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})

	// Start blocks until Stop; an early return is treated as a crash.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()
	if !a.cfg.Webhook.enabled() {
		go a.bot.Stop()
	}

	// Keep shutdown snappy even if getUpdates is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// call paces fn, runs it through the breaker and abandons it when ctx ends.
// telebot has no per-request context, so an abandoned call finishes in the
// background.
func (a *Adapter) call(ctx context.Context, op string, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return transport.WrapGateway(op, err)
	}
	_, err := a.breaker.Execute(func() (any, error) {
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case err := <-done:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	return transport.WrapGateway(op, err)
}

func sendOptions(opt *transport.SendOptions) *tele.SendOptions {
	return &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}
}

func markup(rows [][]transport.Button) (*tele.ReplyMarkup, error) {
	keys := make([][]tgui.Key, len(rows))
	for i, row := range rows {
		keys[i] = make([]tgui.Key, len(row))
		for j, b := range row {
			keys[i][j] = tgui.Key{Text: b.Text, Data: b.Data}
		}
	}
	return tgui.Keyboard(keys)
}

// SendText splits long text into several messages. Buttons ride on the last
// chunk and the returned ref points at the message that carries them.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	rm, err := markup(opt.Buttons)
	if err != nil {
		return transport.MessageRef{}, transport.WrapGateway("send", err)
	}

	chunks := tgui.Split(text, tgui.ChunkLen, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first, last transport.MessageRef
	for i, chunk := range chunks {
		so := sendOptions(opt)
		if i == len(chunks)-1 && rm != nil {
			so.ReplyMarkup = rm
		}
		var msg *tele.Message
		err := a.call(ctx, "send", func() error {
			var err error
			msg, err = a.bot.Send(chat, chunk, so)
			return err
		})
		if err != nil {
			return first, err
		}
		last = transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		if i == 0 {
			first = last
		}
	}
	if rm != nil {
		return last, nil
	}
	return first, nil
}

func editable(ref transport.MessageRef) tele.StoredMessage {
	return tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
}

// EditText replaces the text of the message at ref. Text that does not fit
// one message is cut down to its final chunk; nothing else is sent.
func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	rm, err := markup(opt.Buttons)
	if err != nil {
		return transport.WrapGateway("edit", err)
	}
	if utf8.RuneCountInString(text) > tgui.MaxTextLen {
		text = tgui.Tail(text, tgui.ChunkLen, opt.ParseMode)
	}

	so := sendOptions(opt)
	so.ReplyMarkup = rm
	err = a.call(ctx, "edit", func() error {
		_, err := a.bot.Edit(editable(ref), text, so)
		return err
	})
	if isNotModified(err) {
		return nil
	}
	return err
}

// ClearButtons removes the inline keyboard from a message.
func (a *Adapter) ClearButtons(ctx context.Context, ref transport.MessageRef) error {
	err := a.call(ctx, "clear_buttons", func() error {
		_, err := a.bot.EditReplyMarkup(editable(ref), nil)
		return err
	})
	if isNotModified(err) {
		return nil
	}
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return a.call(ctx, "answer_callback", func() error {
		return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
	})
}

// Telegram rejects edits that change nothing; for our purposes that is done.
func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

// UpdateMenuCommands publishes the "/" command list. It only calls the API
// when the list changed since the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		d = tgui.TruncRunes(d, 256)
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := a.call(ctx, "set_commands", func() error { return a.bot.SetCommands(out) }); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}
