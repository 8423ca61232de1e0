package logx

import (
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var setupOnce sync.Once

// setup sets the zerolog globals every logger here relies on.
func setup() {
	setupOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	})
}

// Logger is a value type; copies are cheap and With never mutates the
// receiver. The zero Logger discards everything. A Logger obtained from a
// Service follows later Service.Apply calls.
type Logger struct {
	svc    *Service
	zl     *zerolog.Logger
	fields []Field
}

// Nop returns a configured logger that writes nothing.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{zl: &zl}
}

// NewJSON writes JSON lines to w at level (info when empty or unknown).
func NewJSON(w io.Writer, level string) Logger {
	setup()
	lvl, _ := parseLevel(level)
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return Logger{zl: &zl}
}

// IsZero reports whether l is the unconfigured zero value.
func (l Logger) IsZero() bool { return l.svc == nil && l.zl == nil && len(l.fields) == 0 }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) target() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.zl != nil:
		return *l.zl
	default:
		return zerolog.Nop()
	}
}

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	zl := l.target()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// Frames: caller, Caller, write, Debug/Info/..., user code.
	e.Caller(2)
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// parseLevel maps a config level name to zerolog. ok is false for unknown
// names, which fall back to info.
func parseLevel(s string) (lvl zerolog.Level, ok bool) {
	switch name := strings.ToLower(strings.TrimSpace(s)); name {
	case "":
		return zerolog.InfoLevel, true
	case "warning":
		return zerolog.WarnLevel, true
	case "trace", "debug", "info", "warn", "error":
		lvl, _ = zerolog.ParseLevel(name)
		return lvl, true
	default:
		return zerolog.InfoLevel, false
	}
}

// ValidLevel reports whether s names a known level. Empty means info.
func ValidLevel(s string) bool {
	_, ok := parseLevel(s)
	return ok
}
