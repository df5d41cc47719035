package app

import (
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pingbot/internal/config"
	"pingbot/internal/dedup"
	"pingbot/internal/dispatch"
	"pingbot/internal/httpapi"
	"pingbot/internal/linking"
	"pingbot/internal/storage"
	telegram "pingbot/internal/transport/telegram/adapter"
	"pingbot/internal/transport/telegram/router"
	logx "pingbot/pkg/logx"
)

// The mappers below assume cfg passed config.Validate, so invalid
// durations fall back to defaults instead of failing.

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:  lc.Level,
		Format: lc.Format,
		File:   logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Alerts.Enabled,
			ChatID:     lc.Alerts.ChatID,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if path == "" && (driver == "" || strings.HasPrefix(driver, "sqlite")) {
		path = "./data/pingbot.db"
	}
	return storage.Config{
		Driver:          driver,
		Path:            path,
		DSN:             strings.TrimSpace(sc.DSN),
		BusyTimeout:     config.DurationOr(sc.BusyTimeout, 5*time.Second),
		MaxConns:        sc.MaxConns,
		MinConns:        sc.MinConns,
		MaxConnLifetime: config.DurationOr(sc.MaxConnLifetime, 0),
		MaxConnIdleTime: config.DurationOr(sc.MaxConnIdleTime, 0),
	}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	tc := cfg.Telegram
	return telegram.Config{
		Token:       strings.TrimSpace(tc.Token),
		APIURL:      strings.TrimSpace(tc.APIURL),
		PollTimeout: config.DurationOr(tc.PollTimeout, 10*time.Second),
		RPS:         tc.RatePerSec,
		Burst:       tc.Burst,
		Webhook: telegram.WebhookConfig{
			PublicURL:   strings.TrimSpace(tc.Webhook.PublicURL),
			Listen:      strings.TrimSpace(tc.Webhook.Listen),
			Path:        strings.TrimSpace(tc.Webhook.Path),
			SecretToken: tc.Webhook.SecretToken,
		},
	}
}

func mapDispatcher(cfg *config.Config) dispatch.Config {
	dc := cfg.Dispatcher
	return dispatch.Config{
		Interval:    config.DurationOr(dc.Interval, 60*time.Second),
		SendTimeout: config.DurationOr(dc.SendTimeout, 10*time.Second),
		Workers:     dc.Workers,
	}
}

func mapRouter(cfg *config.Config) router.Config {
	return router.Config{
		MaxInflight:    cfg.Router.MaxInflight,
		HandlerTimeout: config.DurationOr(cfg.Router.HandlerTimeout, 30*time.Second),
	}
}

func mapHTTP(cfg *config.Config) httpapi.Config {
	hc := cfg.HTTP
	return httpapi.Config{
		Enabled:              hc.Enabled,
		Addr:                 strings.TrimSpace(hc.Addr),
		Token:                strings.TrimSpace(hc.Token),
		AllowInsecure:        hc.AllowInsecure,
		Pprof:                hc.Pprof,
		ReadTimeout:          config.DurationOr(hc.ReadTimeout, 10*time.Second),
		WriteTimeout:         config.DurationOr(hc.WriteTimeout, 60*time.Second),
		IdleTimeout:          config.DurationOr(hc.IdleTimeout, 60*time.Second),
		ReadyTimeout:         config.DurationOr(hc.ReadyTimeout, 2*time.Second),
		MutexProfileFraction: hc.MutexProfileFraction,
		BlockProfileRate:     hc.BlockProfileRate,
	}
}

// mapRedis returns nil options when dedup should stay in memory.
func mapRedis(cfg *config.Config) (*redis.Options, time.Duration) {
	rc := cfg.Redis
	ttl := config.DurationOr(rc.DedupTTL, dedup.DefaultTTL)
	if strings.TrimSpace(rc.Addr) == "" {
		return nil, ttl
	}
	return &redis.Options{
		Addr:     strings.TrimSpace(rc.Addr),
		Password: rc.Password,
		DB:       rc.DB,
	}, ttl
}

func mapCodeTTL(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Linking.CodeTTL, linking.DefaultCodeTTL)
}
