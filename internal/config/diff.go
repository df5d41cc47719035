package config

import (
	"sort"
	"strings"

	logx "pingbot/pkg/logx"
)

// Change describes the difference between two configs.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Fields are safe to log; secrets are reported as set/unset only.
	Fields []logx.Field
	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// hotSections are applied in place by the running app.
var hotSections = map[string]bool{
	"logging":    true,
	"dispatcher": true,
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
		if !hotSections[section] {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	o, n := oldCfg, newCfg
	if o.Telegram != n.Telegram {
		mark("telegram",
			logx.Bool("telegram.token_changed", o.Telegram.Token != n.Telegram.Token),
			logx.String("telegram.poll_timeout", n.Telegram.PollTimeout),
			logx.String("telegram.webhook.public_url", n.Telegram.Webhook.PublicURL),
			logx.Bool("telegram.webhook.secret_set", n.Telegram.Webhook.SecretToken != ""),
		)
	}
	if o.Logging != n.Logging {
		mark("logging",
			logx.String("logging.level", n.Logging.Level),
			logx.String("logging.format", n.Logging.Format),
			logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", n.Logging.Alerts.Enabled),
		)
	}
	if o.Dispatcher != n.Dispatcher {
		mark("dispatcher",
			logx.String("dispatcher.interval", n.Dispatcher.Interval),
			logx.String("dispatcher.send_timeout", n.Dispatcher.SendTimeout),
			logx.Int("dispatcher.workers", n.Dispatcher.Workers),
		)
	}
	if o.Router != n.Router {
		mark("router", logx.Int("router.max_inflight", n.Router.MaxInflight))
	}
	if o.Storage != n.Storage {
		mark("storage",
			logx.String("storage.driver", n.Storage.Driver),
			logx.String("storage.path", n.Storage.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(n.Storage.DSN) != ""),
		)
	}
	if o.Redis != n.Redis {
		mark("redis",
			logx.String("redis.addr", n.Redis.Addr),
			logx.Int("redis.db", n.Redis.DB),
		)
	}
	if o.HTTP != n.HTTP {
		mark("http",
			logx.Bool("http.enabled", n.HTTP.Enabled),
			logx.String("http.addr", n.HTTP.Addr),
			logx.Bool("http.token_set", n.HTTP.Token != ""),
			logx.Bool("http.pprof", n.HTTP.Pprof),
		)
	}
	if o.Linking != n.Linking {
		mark("linking", logx.String("linking.code_ttl", n.Linking.CodeTTL))
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
