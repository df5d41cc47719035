// Package systemd speaks the sd_notify protocol so pingbot can run as a
// Type=notify unit with WatchdogSec set. Every call is a no-op when the
// process was not started by systemd.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pingbot/pkg/logx"
)

type Notifier struct {
	log logx.Logger
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log.With(logx.String("comp", "systemd"))}
}

func (n *Notifier) notify(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return sent
}

// Ready reports startup completion. It returns false outside systemd.
func (n *Notifier) Ready() bool { return n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.notify(daemon.SdNotifyStopping) }

// Reloading brackets a config reload; call Ready when it is applied.
func (n *Notifier) Reloading() bool { return n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) bool {
	return n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pings systemd at half the configured WatchdogSec until ctx is
// done. healthy gates each ping; a nil func always pings. It returns
// immediately when no watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context, healthy func(context.Context) error) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	if interval <= 0 {
		return nil
	}
	period := interval / 2
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if healthy != nil {
			hctx, cancel := context.WithTimeout(ctx, period)
			err := healthy(hctx)
			cancel()
			if err != nil {
				n.log.Warn("skipping watchdog ping; unhealthy", logx.Err(err))
				continue
			}
		}
		n.notify(daemon.SdNotifyWatchdog)
	}
}
