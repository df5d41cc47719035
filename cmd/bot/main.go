package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"pingbot/internal/app"
	"pingbot/internal/config"
	logx "pingbot/pkg/logx"
)

const usage = `usage: bot [-config path] [-env path] [command]

commands:
  run                  start the bot (default)
  migrate              apply the database schema and exit
  tick                 run one dispatcher pass and exit
  link-code <user_id>  print a fresh linking code
  test-send <user_id>  send a test message to the user's linked chat
`

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml); empty uses env only")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "fatal: dotenv:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := dispatch(ctx, cfgPath, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cfgPath string, args []string) error {
	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	boot := logx.NewConsole("INFO").With(logx.String("comp", "cli"))
	cfgm := config.NewManager(cfgPath, boot)
	cfg, err := cfgm.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	userArg := func() (string, error) {
		if len(args) != 1 || args[0] == "" {
			return "", fmt.Errorf("%s needs exactly one <user_id>", cmd)
		}
		return args[0], nil
	}

	switch cmd {
	case "run":
		return run(ctx, cfgm)
	case "migrate":
		return app.Migrate(ctx, cfg, boot)
	case "link-code":
		userID, err := userArg()
		if err != nil {
			return err
		}
		code, expires, err := app.LinkCode(ctx, cfg, userID, boot)
		if err != nil {
			return err
		}
		fmt.Printf("%s (expires %s)\n", code, expires.Format(time.RFC3339))
		return nil
	case "tick":
		return once(ctx, cfgm, func(a *app.App) error {
			rep, err := a.Tick(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("due=%d sent=%d send_failed=%d advance_failed=%d deactivated=%d took=%s\n",
				rep.Due, rep.Sent, rep.SendFailed, rep.AdvanceFailed, rep.Deactivated, rep.Took)
			return nil
		})
	case "test-send":
		userID, err := userArg()
		if err != nil {
			return err
		}
		return once(ctx, cfgm, func(a *app.App) error { return a.Linking().SendTest(ctx, userID) })
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func run(ctx context.Context, cfgm *config.Manager) error {
	a, err := app.New(ctx, cfgm)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	runErr := a.Err()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return runErr
}

// once builds the app without starting its loops, runs fn and tears down.
func once(ctx context.Context, cfgm *config.Manager, fn func(*app.App) error) error {
	a, err := app.New(ctx, cfgm)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopCommand) }()
	return fn(a)
}
