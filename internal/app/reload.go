package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"

	"plantmon/internal/config"
	logx "plantmon/pkg/logx"
)

// validateReload rejects reloads that would take the debug endpoint onto a
// public address without a token.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	d := cfg.Debug
	if !d.Enabled || d.AllowInsecure || strings.TrimSpace(d.Token) != "" {
		return nil
	}
	if !isLoopback(d.Addr) {
		return fmt.Errorf("debug.addr %q: non-loopback addr requires token or allow_insecure", d.Addr)
	}
	return nil
}

// reloadLoop applies published configs. Logging and the debug endpoint
// change live; every other section only reports that a restart is needed.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.overlay(a.cfgm.Get())
	log := a.log.With(logx.String("comp", "config"))
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			next = c
		}
		// Keep only the latest of a burst.
		for drained := false; !drained; {
			select {
			case c := <-sub:
				if c != nil {
					next = c
				}
			default:
				drained = true
			}
		}
		next = a.overlay(next)

		notify(a.log, daemon.SdNotifyReloading)
		sections, attrs := config.SummarizeChange(last, next)
		if len(sections) == 0 {
			log.Info("config reloaded (no changes)")
			notify(a.log, daemon.SdNotifyReady)
			continue
		}
		if restart := config.RestartRequired(last, next); len(restart) > 0 {
			log.Warn("config changed; restart required for changes to take effect",
				logx.String("sections", strings.Join(restart, ",")))
		}

		a.logs.Apply(logConfig(next))
		if err := a.debug.Reconfigure(ctx, debugConfig(next)); err != nil {
			log.Warn("debug endpoint reconfigure failed", logx.Err(err))
		}
		last = next

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		log.Info("config reloaded", fields...)
		notify(a.log, daemon.SdNotifyReady)
	}
}
