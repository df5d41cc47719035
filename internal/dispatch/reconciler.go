package dispatch

import (
	"context"
	"errors"
	"time"

	"pingbot/internal/eventbus"
	"pingbot/internal/storage"
	"pingbot/internal/transport"
	logx "pingbot/pkg/logx"
	"pingbot/pkg/tgui"
)

type Outcome int

const (
	OutcomeRecorded Outcome = iota
	OutcomeAlreadyResponded
	OutcomeRejected
	OutcomeFailed // store error; nothing changed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecorded:
		return "recorded"
	case OutcomeAlreadyResponded:
		return "already_responded"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	ackInvalid   = "Invalid response."
	ackNotFound  = "Message not found."
	ackDuplicate = "You already responded to this message."
	ackFailed    = "Could not record your response. Please try again."
	ackRecorded  = "Recorded: "
)

// gatewayTimeout bounds each acknowledgement and edit call.
const gatewayTimeout = 10 * time.Second

// Reconciler turns button presses into recorded responses.
type Reconciler struct {
	ledger    Ledger
	templates TemplateSource
	gw        Gateway
	log       logx.Logger
	opt       options
}

func NewReconciler(ledger Ledger, templates TemplateSource, gw Gateway, log logx.Logger, opts ...Option) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{
		ledger:    ledger,
		templates: templates,
		gw:        gw,
		log:       log.With(logx.String("comp", "reconciler")),
		opt:       buildOptions(opts),
	}
}

// Handle processes one callback. The ledger update is the only state change;
// acknowledgement and message edits are best effort.
func (r *Reconciler) Handle(ctx context.Context, cb transport.Callback) Outcome {
	shortID, payload, out := r.handle(ctx, cb)
	r.opt.bus.Publish(eventbus.Event{Type: eventbus.TypeResponse, Data: eventbus.ResponseEvent{
		ShortID: shortID,
		Outcome: out.String(),
	}})
	r.log.Debug("callback handled",
		logx.String("callback_id", cb.ID),
		logx.Int64("short_id", shortID),
		logx.String("payload", payload),
		logx.String("outcome", out.String()),
	)
	return out
}

func (r *Reconciler) handle(ctx context.Context, cb transport.Callback) (int64, string, Outcome) {
	shortID, payload, err := ParseToken(cb.Data)
	if err != nil {
		r.ack(ctx, cb.ID, ackInvalid)
		return 0, "", OutcomeRejected
	}

	if r.opt.dedup != nil && cb.ID != "" {
		seen, err := r.opt.dedup.Seen(ctx, cb.ID)
		if err != nil {
			r.log.Warn("dedup lookup failed", logx.Err(err))
		} else if seen {
			r.ack(ctx, cb.ID, ackDuplicate)
			return shortID, payload, OutcomeAlreadyResponded
		}
	}

	disp, err := r.ledger.FindByShortID(ctx, shortID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		r.ack(ctx, cb.ID, ackNotFound)
		return shortID, payload, OutcomeRejected
	case err != nil:
		r.log.Error("find dispatch failed", logx.Int64("short_id", shortID), logx.Err(err))
		r.ack(ctx, cb.ID, ackFailed)
		return shortID, payload, OutcomeFailed
	}
	if disp.Status == storage.StatusResponded {
		r.ack(ctx, cb.ID, ackDuplicate)
		return shortID, payload, OutcomeAlreadyResponded
	}

	var tpl *storage.Template
	if disp.TemplateID != "" {
		t, err := r.templates.GetTemplate(ctx, disp.TemplateID)
		switch {
		case err == nil:
			tpl = &t
		case !errors.Is(err, storage.ErrNotFound):
			r.log.Warn("load template failed", logx.String("template_id", disp.TemplateID), logx.Err(err))
		}
	}
	label := ResolveLabel(tpl, payload)

	err = r.ledger.RecordResponse(ctx, disp.ID, label, r.opt.now().UTC())
	switch {
	case errors.Is(err, storage.ErrAlreadyResponded):
		r.ack(ctx, cb.ID, ackDuplicate)
		return shortID, payload, OutcomeAlreadyResponded
	case errors.Is(err, storage.ErrNotFound):
		r.ack(ctx, cb.ID, ackNotFound)
		return shortID, payload, OutcomeRejected
	case err != nil:
		r.log.Error("record response failed", logx.String("dispatch_id", disp.ID), logx.Err(err))
		r.ack(ctx, cb.ID, ackFailed)
		return shortID, payload, OutcomeFailed
	}

	if r.opt.dedup != nil && cb.ID != "" {
		if err := r.opt.dedup.Mark(ctx, cb.ID); err != nil {
			r.log.Warn("dedup mark failed", logx.Err(err))
		}
	}
	r.log.Info("response recorded",
		logx.String("dispatch_id", disp.ID),
		logx.Int64("short_id", shortID),
		logx.String("response", label),
	)

	r.ack(ctx, cb.ID, ackRecorded+label)
	r.finish(ctx, cb, disp, tpl, label)
	return shortID, payload, OutcomeRecorded
}

// finish rewrites the delivered message to show the answer and strips its
// buttons.
func (r *Reconciler) finish(ctx context.Context, cb transport.Callback, disp storage.Dispatch, tpl *storage.Template, label string) {
	msgID := cb.MessageID
	if msgID == 0 && disp.GatewayMessageID != nil {
		msgID = int(*disp.GatewayMessageID)
	}
	if cb.ChatID == 0 || msgID == 0 {
		return
	}
	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: msgID}

	body := "Message"
	if tpl != nil {
		body = tpl.Body
	}
	// A long body went out as several messages and only the last one
	// carries the buttons, so only that chunk is rewritten.
	tail := tgui.Tail(tgui.Esc(body).String(), tgui.ChunkLen, "HTML")
	text := tgui.Paragraphs(tgui.H(tail), "You answered: "+tgui.B(label))

	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	if err := r.gw.EditText(ctx, ref, text.String(), &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		r.log.Warn("edit answered message failed", logx.Int64("short_id", disp.ShortID), logx.Err(err))
	}
	if err := r.gw.ClearButtons(ctx, ref); err != nil {
		r.log.Warn("clear buttons failed", logx.Int64("short_id", disp.ShortID), logx.Err(err))
	}
}

func (r *Reconciler) ack(ctx context.Context, callbackID, text string) {
	if callbackID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	if err := r.gw.AnswerCallback(ctx, callbackID, text); err != nil {
		r.log.Warn("answer callback failed", logx.Err(err))
	}
}
