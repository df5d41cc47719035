package app

import (
	"context"
	"strings"

	"pingbot/internal/config"
	logx "pingbot/pkg/logx"
)

// reloadLoop applies hot-reloadable sections as the manager publishes them.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// coalesce bursts; only the newest matters
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if ch.Empty() {
		a.log.Debug("config reload received, no effective changes")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	for _, s := range ch.Sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(next))
		case "dispatcher":
			a.dispatcher.Apply(mapDispatcher(next))
		}
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")),
		)
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}
