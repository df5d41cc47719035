package config

import (
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every override, e.g. PINGBOT_TELEGRAM_TOKEN.
const EnvPrefix = "PINGBOT"

// envOverrides holds values that usually come from the deployment rather
// than the config file. Empty values leave the file setting alone.
type envOverrides struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	WebhookSecret string `envconfig:"TELEGRAM_WEBHOOK_SECRET"`
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StoragePath   string `envconfig:"STORAGE_PATH"`
	StorageDSN    string `envconfig:"STORAGE_DSN"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	HTTPAddr      string `envconfig:"HTTP_ADDR"`
	HTTPToken     string `envconfig:"HTTP_TOKEN"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
}

// ApplyEnv overlays PINGBOT_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var e envOverrides
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, e.TelegramToken)
	set(&cfg.Telegram.Webhook.SecretToken, e.WebhookSecret)
	set(&cfg.Storage.Driver, e.StorageDriver)
	set(&cfg.Storage.Path, e.StoragePath)
	set(&cfg.Storage.DSN, e.StorageDSN)
	set(&cfg.Redis.Addr, e.RedisAddr)
	set(&cfg.Redis.Password, e.RedisPassword)
	set(&cfg.HTTP.Addr, e.HTTPAddr)
	set(&cfg.HTTP.Token, e.HTTPToken)
	set(&cfg.Logging.Level, e.LogLevel)
	return nil
}
