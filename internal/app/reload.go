package app

import (
	"context"
	"strings"
	"time"

	"reviewremind/internal/config"
	logx "reviewremind/pkg/logx"
)

// reloadLoop applies every published config to the running services.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if remCfg, err := mapReminderConfig(newCfg); err != nil {
		a.log.Warn("invalid reminder config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(remCfg)
	}

	if rsCfg, err := mapResyncConfig(newCfg); err != nil {
		a.log.Warn("invalid resync config; keeping previous", logx.Err(err))
	} else if err := a.resync.Apply(rsCfg); err != nil {
		a.log.Warn("resync reschedule failed", logx.Err(err))
	}

	if rlCfg, err := mapRelayConfig(newCfg); err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.relay.Enabled()
		a.relay.Apply(rlCfg)
		switch {
		case wasEnabled && !rlCfg.Enabled:
			a.log.Info("relay disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.relay.Stop(stopCtx)
			cancel()
		case !wasEnabled && rlCfg.Enabled:
			a.log.Info("relay enabled via config")
			a.relay.Start(context.WithoutCancel(ctx))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
