// Package logger is a thin formatted front over slog shared by every
// component. The zero level is info.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	level   slog.LevelVar
	current atomic.Pointer[slog.Logger]
)

func init() {
	current.Store(textLogger(os.Stdout))
}

func textLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &level}))
}

// SetOutput redirects all subsequent log output to w. A nil writer
// restores stdout.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	current.Store(textLogger(w))
}

// SetLevel adjusts the minimum level. Unknown values fall back to info.
func SetLevel(s string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

func Debugf(format string, v ...any) { current.Load().Debug(fmt.Sprintf(format, v...)) }

func Infof(format string, v ...any) { current.Load().Info(fmt.Sprintf(format, v...)) }

func Warnf(format string, v ...any) { current.Load().Warn(fmt.Sprintf(format, v...)) }

func Errorf(format string, v ...any) { current.Load().Error(fmt.Sprintf(format, v...)) }
