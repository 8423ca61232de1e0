package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	logx "reviewremind/pkg/logx"
)

// cronParser accepts 5-field and 6-field (with seconds) specs and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks every section and returns all problems joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	r := cfg.Reminder
	if r.Days < 0 {
		errs = append(errs, fmt.Errorf("reminder.days: must be >= 0 (0 = default), got %d", r.Days))
	}
	if _, err := r.Location(); err != nil {
		errs = append(errs, fmt.Errorf("reminder.timezone: %w", err))
	}
	if _, err := r.LookupWait(); err != nil {
		errs = append(errs, err)
	}
	if spec := r.ResyncSpec(); spec != "" {
		if _, err := cronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("reminder.resync: invalid cron spec %q: %w", spec, err))
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	s := cfg.Storage
	switch s.DriverName() {
	case "memory", "mem", "sqlite", "sqlite3":
	case "file":
		if s.FilePath() == "" {
			errs = append(errs, errors.New("storage.path: required for driver \"file\""))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(s.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
	}
	if _, err := s.SQLiteBusyWait(); err != nil {
		errs = append(errs, err)
	}
	if s.MaxConns < 0 {
		errs = append(errs, errors.New("storage.max_conns: must be >= 0"))
	}

	rl := cfg.RelayOrDefault()
	if rl.QueueSize < 0 {
		errs = append(errs, errors.New("relay.queue_size: must be >= 0"))
	}
	if rl.RatePerSec < 0 {
		errs = append(errs, errors.New("relay.rate_per_sec: must be >= 0"))
	}
	if _, err := rl.Window(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
