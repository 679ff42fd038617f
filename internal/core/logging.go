package core

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// LevelForVerbosity maps the -v count to a slog level
func LevelForVerbosity(verbose int) slog.Level {
	if verbose > 0 {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// SetupLogging installs a tint handler writing to w as the default logger.
// Colour is only used when w is a terminal.
func SetupLogging(w io.Writer, verbose int) *slog.Logger {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !term.IsTerminal(int(f.Fd()))
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      LevelForVerbosity(verbose),
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
