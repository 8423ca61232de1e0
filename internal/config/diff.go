package config

import (
	"sort"
	"strings"

	logx "reviewremind/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes the postgres DSN),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	var restart []string

	// Reminder
	oR, nR := oldCfg.Reminder, newCfg.Reminder
	if oR.Days != nR.Days ||
		strings.TrimSpace(oR.Timezone) != strings.TrimSpace(nR.Timezone) ||
		strings.TrimSpace(oR.LookupTimeout) != strings.TrimSpace(nR.LookupTimeout) ||
		strings.TrimSpace(oR.Resync) != strings.TrimSpace(nR.Resync) {
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.Int("reminder.days", nR.Days),
			logx.String("reminder.timezone", strings.TrimSpace(nR.Timezone)),
			logx.String("reminder.lookup_timeout", strings.TrimSpace(nR.LookupTimeout)),
			logx.String("reminder.resync", strings.TrimSpace(nR.Resync)),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log the DSN)
	oS, nS := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(oS.Driver), strings.TrimSpace(nS.Driver)) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.DSN) != strings.TrimSpace(nS.DSN) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.MaxConns != nS.MaxConns {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	// Relay. Nil means defaults.
	oRl, nRl := oldCfg.RelayOrDefault(), newCfg.RelayOrDefault()
	if oRl != nRl {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Bool("relay.enabled", nRl.Enabled),
			logx.Int("relay.queue_size", nRl.QueueSize),
			logx.Int("relay.rate_per_sec", nRl.RatePerSec),
			logx.String("relay.dedup_window", strings.TrimSpace(nRl.DedupWindow)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, restart
}
