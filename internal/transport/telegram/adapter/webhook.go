package adapter

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	tele "gopkg.in/telebot.v4"

	rtsup "pingbot/internal/runtime/supervisor"
	logx "pingbot/pkg/logx"
)

const (
	DefaultWebhookPath = "/webhook/telegram"

	secretHeader   = "X-Telegram-Bot-Api-Secret-Token"
	maxUpdateBytes = 1 << 20
)

// WebhookConfig switches inbound updates from long polling to a webhook
// when PublicURL is set.
type WebhookConfig struct {
	PublicURL   string // registered with Telegram
	Listen      string // local address the handler is served on
	Path        string // default DefaultWebhookPath
	SecretToken string // checked against X-Telegram-Bot-Api-Secret-Token
}

func (w WebhookConfig) enabled() bool { return w.PublicURL != "" }

func (w WebhookConfig) path() string {
	if w.Path == "" {
		return DefaultWebhookPath
	}
	return w.Path
}

// WebhookHandler serves Telegram's update POSTs. Requests without the
// configured secret get 403; accepted updates go through the same
// handlers as polled ones.
func (a *Adapter) WebhookHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(a.cfg.Webhook.path(), a.serveUpdate).Methods(http.MethodPost)
	return r
}

func (a *Adapter) serveUpdate(w http.ResponseWriter, r *http.Request) {
	if secret := a.cfg.Webhook.SecretToken; secret != "" {
		got := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			a.log.Warn("webhook request with bad secret", logx.String("remote", r.RemoteAddr))
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "unauthorized"})
			return
		}
	}

	var up tele.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBytes)).Decode(&up); err != nil {
		// Telegram redelivers on non-2xx; a body we cannot decode will not
		// get better.
		a.log.Debug("webhook body not an update", logx.Err(err))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	a.bot.ProcessUpdate(up)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// startWebhook registers the webhook with Telegram and serves it until
// sup is cancelled.
func (a *Adapter) startWebhook(ctx context.Context, sup *rtsup.Supervisor) error {
	wh := a.cfg.Webhook
	hook := &tele.Webhook{
		SecretToken:    wh.SecretToken,
		AllowedUpdates: []string{"message", "callback_query"},
		Endpoint:       &tele.WebhookEndpoint{PublicURL: wh.PublicURL},
	}
	if err := a.call(ctx, "set_webhook", func() error { return a.bot.SetWebhook(hook) }); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", wh.Listen)
	if err != nil {
		return err
	}
	a.webhookAddr.Store(ln.Addr().String())
	srv := &http.Server{
		Handler:           a.WebhookHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	a.log.Info("webhook listening",
		logx.String("addr", ln.Addr().String()),
		logx.String("path", wh.path()),
		logx.Bool("secret_set", wh.SecretToken != ""),
	)

	sup.Go("telegram.webhook", func(c context.Context) error {
		go func() {
			<-c.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

// WebhookAddr is the bound listener address in webhook mode, or "".
func (a *Adapter) WebhookAddr() string {
	s, _ := a.webhookAddr.Load().(string)
	return strings.TrimSpace(s)
}
