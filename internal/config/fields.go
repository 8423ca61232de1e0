package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Storage defaults. The reminder process only reads pull requests, so the
// default backend must be one another process can write to.
const (
	DefaultDriver      = "sqlite"
	DefaultSQLitePath  = "./reviewremind.db"
	DefaultBusyTimeout = time.Second
)

// duration parses a config duration. Empty and zero both mean "unset" and
// yield def; negative values are rejected.
func duration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (try \"10s\" or \"1h\"): %w", field, raw, err)
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", field, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}

// Location resolves reminder.timezone. Empty or "local" means time.Local.
func (r ReminderConfig) Location() (*time.Location, error) {
	return LoadLocation(r.Timezone)
}

// LookupWait is reminder.lookup_timeout; zero means no bound on the lookup.
func (r ReminderConfig) LookupWait() (time.Duration, error) {
	return duration("reminder.lookup_timeout", r.LookupTimeout, 0)
}

// ResyncSpec is reminder.resync trimmed; empty disables periodic resync.
func (r ReminderConfig) ResyncSpec() string { return strings.TrimSpace(r.Resync) }

// DriverName is storage.driver normalised; empty selects DefaultDriver.
func (s StorageConfig) DriverName() string {
	d := strings.ToLower(strings.TrimSpace(s.Driver))
	if d == "" {
		return DefaultDriver
	}
	return d
}

// FilePath is storage.path; sqlite falls back to DefaultSQLitePath.
func (s StorageConfig) FilePath() string {
	p := strings.TrimSpace(s.Path)
	if p == "" && isSQLite(s.DriverName()) {
		return DefaultSQLitePath
	}
	return p
}

// SQLiteBusyWait is storage.busy_timeout, DefaultBusyTimeout when unset.
func (s StorageConfig) SQLiteBusyWait() (time.Duration, error) {
	return duration("storage.busy_timeout", s.BusyTimeout, DefaultBusyTimeout)
}

// Window is relay.dedup_window; zero disables ping dedup.
func (r RelayConfig) Window() (time.Duration, error) {
	return duration("relay.dedup_window", r.DedupWindow, 0)
}

func isSQLite(driver string) bool { return driver == "sqlite" || driver == "sqlite3" }

// LoadLocation resolves an IANA zone name. Empty means time.Local.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
