package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"). Secrets may be left empty here and supplied via
// PINGBOT_* environment variables instead.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Router     RouterConfig     `json:"router"`
	Storage    StorageConfig    `json:"storage"`
	Redis      RedisConfig      `json:"redis"`
	HTTP       HTTPConfig       `json:"http"`
	Linking    LinkingConfig    `json:"linking"`
}

type TelegramConfig struct {
	Token       string  `json:"token"`
	APIURL      string  `json:"api_url,omitempty"`
	PollTimeout string  `json:"poll_timeout"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`

	Webhook TelegramWebhook `json:"webhook"`
}

// TelegramWebhook replaces long polling when PublicURL is set. Telegram
// posts updates to PublicURL; a proxy forwards them to Listen + Path.
type TelegramWebhook struct {
	PublicURL   string `json:"public_url,omitempty"`
	Listen      string `json:"listen,omitempty"`
	Path        string `json:"path,omitempty"`
	SecretToken string `json:"secret_token,omitempty"` // never logged
}

type LoggingConfig struct {
	Level  string        `json:"level"`
	Format string        `json:"format,omitempty"` // console | json
	File   LoggingFile   `json:"file"`
	Alerts LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warnings to an operator chat through the bot.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DispatcherConfig defaults: interval 60s, send_timeout 10s, workers 4.
type DispatcherConfig struct {
	Interval    string `json:"interval"`
	SendTimeout string `json:"send_timeout"`
	Workers     int    `json:"workers"`
}

type RouterConfig struct {
	MaxInflight    int    `json:"max_inflight,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
}

// StorageConfig selects the backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pingbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver          string `json:"driver"`
	Path            string `json:"path,omitempty"`
	DSN             string `json:"dsn,omitempty"`
	BusyTimeout     string `json:"busy_timeout,omitempty"`
	MaxConns        int32  `json:"max_conns,omitempty"`
	MinConns        int32  `json:"min_conns,omitempty"`
	MaxConnLifetime string `json:"max_conn_lifetime,omitempty"`
	MaxConnIdleTime string `json:"max_conn_idle_time,omitempty"`
}

// RedisConfig enables the shared callback dedup cache. Empty Addr keeps
// dedup in memory.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	DedupTTL string `json:"dedup_ttl,omitempty"`
}

// HTTPConfig controls the ops server (/healthz, /readyz, /metrics).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - A non-loopback address needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	ReadyTimeout string `json:"ready_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type LinkingConfig struct {
	CodeTTL string `json:"code_ttl,omitempty"`
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	var errs []error
	durations := map[string]string{
		"telegram.poll_timeout":      c.Telegram.PollTimeout,
		"dispatcher.interval":        c.Dispatcher.Interval,
		"dispatcher.send_timeout":    c.Dispatcher.SendTimeout,
		"router.handler_timeout":     c.Router.HandlerTimeout,
		"storage.busy_timeout":       c.Storage.BusyTimeout,
		"storage.max_conn_lifetime":  c.Storage.MaxConnLifetime,
		"storage.max_conn_idle_time": c.Storage.MaxConnIdleTime,
		"redis.dedup_ttl":            c.Redis.DedupTTL,
		"http.read_timeout":          c.HTTP.ReadTimeout,
		"http.write_timeout":         c.HTTP.WriteTimeout,
		"http.idle_timeout":          c.HTTP.IdleTimeout,
		"http.ready_timeout":         c.HTTP.ReadyTimeout,
		"linking.code_ttl":           c.Linking.CodeTTL,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if c.Dispatcher.Workers < 0 {
		errs = append(errs, errors.New("dispatcher.workers must be >= 0"))
	}
	if c.Router.MaxInflight < 0 {
		errs = append(errs, errors.New("router.max_inflight must be >= 0"))
	}
	if wh := c.Telegram.Webhook; strings.TrimSpace(wh.PublicURL) != "" {
		if u, err := url.Parse(wh.PublicURL); err != nil || u.Scheme != "https" || u.Host == "" {
			errs = append(errs, fmt.Errorf("telegram.webhook.public_url must be an https URL, got %q", wh.PublicURL))
		}
		if strings.TrimSpace(wh.Listen) == "" {
			errs = append(errs, errors.New("telegram.webhook.listen is required with public_url"))
		}
		if p := strings.TrimSpace(wh.Path); p != "" && !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("telegram.webhook.path must start with /, got %q", p))
		}
	}
	if c.Logging.Alerts.Enabled && c.Logging.Alerts.ChatID == 0 {
		errs = append(errs, errors.New("logging.alerts.chat_id is required when alerts are enabled"))
	}
	return errors.Join(errs...)
}
