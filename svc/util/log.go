package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var globalLog = zerolog.Nop()

func InitLog(level string, dev bool) {
	initLog(os.Stdout, level, dev)
}

// InitBootLog installs an info-level stderr logger for failures that happen
// before configuration is loaded.
func InitBootLog() {
	initLog(os.Stderr, "info", false)
}

func initLog(w io.Writer, level string, dev bool) {
	out := w
	if dev {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	globalLog = zerolog.New(out).
		With().
		Timestamp().
		Str("service", "snipbin").
		Logger()
	if lvl <= zerolog.DebugLevel {
		globalLog = globalLog.With().Caller().Logger()
	}
	log.Logger = globalLog
}
func Debug() *zerolog.Event { return globalLog.Debug() }
func Info() *zerolog.Event  { return globalLog.Info() }
func Warn() *zerolog.Event  { return globalLog.Warn() }
func Error() *zerolog.Event { return globalLog.Error() }
func Fatal() *zerolog.Event { return globalLog.Fatal() }
func GetLogger() zerolog.Logger {
	return globalLog
}

// Component returns a child logger tagged with the subsystem name.
func Component(name string) zerolog.Logger {
	return globalLog.With().Str("component", name).Logger()
}
