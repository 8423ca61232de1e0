package config

// Config is the on-disk configuration (JSON or YAML, same keys).
//
// Durations are Go duration strings (e.g. "500ms", "10s", "1h").
type Config struct {
	Reminder ReminderConfig `json:"reminder" yaml:"reminder"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Relay    *RelayConfig   `json:"relay,omitempty" yaml:"relay,omitempty"`
}

// ReminderConfig controls the reminder engine.
//
// Defaults (when fields are omitted/zero):
//   - days: 2
//   - timezone: local time
//   - lookup_timeout: "0s" (wait as long as the lookup takes)
//   - resync: "" (no periodic resync)
type ReminderConfig struct {
	Days          int    `json:"days,omitempty" yaml:"days,omitempty"`
	Timezone      string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	LookupTimeout string `json:"lookup_timeout,omitempty" yaml:"lookup_timeout,omitempty"`
	// Resync is a cron spec (5 fields or a descriptor such as "@hourly").
	Resync string `json:"resync,omitempty" yaml:"resync,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Console bool        `json:"console" yaml:"console"`
	File    LoggingFile `json:"file" yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// StorageConfig selects the persistence backend.
//
// Defaults: driver sqlite at DefaultSQLitePath. Pull requests are written by
// whatever tracks reviews; this process only reads them, so "memory" is only
// useful to embedders and tests that fill the store themselves.
//
// Storage changes are only picked up on restart.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" yaml:"driver,omitempty"` // memory | file | sqlite | postgres
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	DSN         string `json:"dsn,omitempty" yaml:"dsn,omitempty"` // postgres (never logged)
	BusyTimeout string `json:"busy_timeout,omitempty" yaml:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty" yaml:"max_conns,omitempty"`
}

// RelayConfig controls delivery of reminder pings.
// If the whole section is omitted, the relay is enabled with defaults.
type RelayConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	QueueSize   int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty" yaml:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty" yaml:"dedup_window,omitempty"`
}

// DefaultRelay is used when the relay section is omitted.
func DefaultRelay() RelayConfig {
	return RelayConfig{Enabled: true, QueueSize: 256, RatePerSec: 5, DedupWindow: "1h"}
}

// RelayOrDefault returns the relay section or DefaultRelay.
func (c *Config) RelayOrDefault() RelayConfig {
	if c == nil || c.Relay == nil {
		return DefaultRelay()
	}
	return *c.Relay
}
