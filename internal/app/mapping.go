package app

import (
	"fmt"
	"strings"
	"time"

	"reviewremind/internal/config"
	"reviewremind/internal/relay"
	"reviewremind/internal/reminder"
	"reviewremind/internal/resync"
	"reviewremind/internal/storage"
	logx "reviewremind/pkg/logx"
)

// resyncTimeout bounds one periodic reconciliation pass.
const resyncTimeout = 5 * time.Minute

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	loc, err := cfg.Reminder.Location()
	if err != nil {
		return reminder.Config{}, fmt.Errorf("reminder.timezone: %w", err)
	}
	lookup, err := cfg.Reminder.LookupWait()
	if err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{
		IntervalDays:  cfg.Reminder.Days,
		Location:      loc,
		LookupTimeout: lookup,
	}, nil
}

func mapResyncConfig(cfg *config.Config) (resync.Config, error) {
	loc, err := cfg.Reminder.Location()
	if err != nil {
		return resync.Config{}, fmt.Errorf("reminder.timezone: %w", err)
	}
	return resync.Config{
		Spec:     cfg.Reminder.ResyncSpec(),
		Location: loc,
		Timeout:  resyncTimeout,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := sc.DriverName()
	if !storage.ValidDriver(driver) {
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := sc.SQLiteBusyWait()
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        sc.FilePath(),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	rc := cfg.RelayOrDefault()
	window, err := rc.Window()
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{
		Enabled:     rc.Enabled,
		QueueSize:   rc.QueueSize,
		RatePerSec:  rc.RatePerSec,
		RetryMax:    3,
		DedupWindow: window,
	}, nil
}
