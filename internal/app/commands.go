package app

import (
	"context"
	"fmt"
	"time"

	"pingbot/internal/config"
	"pingbot/internal/linking"
	"pingbot/internal/storage"
	logx "pingbot/pkg/logx"
)

// Migrate opens the store, which applies the schema, and closes it again.
func Migrate(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc := mapStorage(cfg)
	st, err := storage.Open(ctx, sc, log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("storage ping: %w", err)
	}
	log.Info("schema applied", logx.String("driver", sc.Driver))
	return nil
}

// LinkCode issues a linking code for userID without touching the gateway.
func LinkCode(ctx context.Context, cfg *config.Config, userID string, log logx.Logger) (string, time.Time, error) {
	st, err := storage.Open(ctx, mapStorage(cfg), log)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: %w", err)
	}
	defer st.Close()
	return linking.New(st, nil, mapCodeTTL(cfg), log).GenerateCode(ctx, userID)
}
