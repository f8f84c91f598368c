// Package logging owns the daemon's log output.
//
// Call sites use printf-style helpers with a "<pkg>.<Type>.<Method> event key=value"
// message convention; output goes through a zerolog console writer on stderr.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	current   atomic.Pointer[zerolog.Logger]
	installed atomic.Pointer[Config]
)

func init() {
	l := zerolog.New(newWriter(os.Stderr, Config{Level: zerolog.InfoLevel, Timestamp: true})).
		With().Timestamp().Logger()
	current.Store(&l)
}

func install(cfg Config) {
	installed.Store(&cfg)
	zerolog.SetGlobalLevel(cfg.Level)
	ctx := zerolog.New(newWriter(os.Stderr, cfg)).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	l := ctx.Logger()
	current.Store(&l)
}

func newWriter(out io.Writer, cfg Config) io.Writer {
	w := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	if cfg.Bypass {
		w.PartsOrder = []string{zerolog.MessageFieldName}
	} else if !cfg.Timestamp {
		w.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	return w
}

// Override reinstalls the writer with timestamp and colour settings from a
// config file. Nil leaves a setting alone; environment overrides still win.
func Override(timestamp, noColor *bool) {
	cfg := Config{Level: zerolog.GlobalLevel(), Timestamp: true}
	if prev := installed.Load(); prev != nil {
		cfg = *prev
		cfg.Level = zerolog.GlobalLevel()
	}
	if timestamp != nil {
		cfg.Timestamp = *timestamp
	}
	if noColor != nil {
		cfg.NoColor = *noColor
	}
	applyEnvOverrides(&cfg)
	install(cfg)
}

// Logger returns the active zerolog logger for callers that want fields.
func Logger() *zerolog.Logger {
	return current.Load()
}

func Tracef(format string, args ...any) { Logger().Trace().Msg(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { Logger().Debug().Msg(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { Logger().Info().Msg(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { Logger().Warn().Msg(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { Logger().Error().Msg(fmt.Sprintf(format, args...)) }

// Logf writes at no level; tests use it for narrative output that must
// survive any level filter.
func Logf(format string, args ...any) { Logger().Log().Msg(fmt.Sprintf(format, args...)) }
