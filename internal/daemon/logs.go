package daemon

import (
	"strings"

	"go.olrik.dev/wharf/internal/events"
)

// LogWriter is an io.Writer that forwards log lines to event subscribers.
// Install it next to stderr with io.MultiWriter before calling
// core.SetupLogging.
type LogWriter struct {
	stream *events.Streamer[events.Event]
}

func NewLogWriter(stream *events.Streamer[events.Event]) *LogWriter {
	return &LogWriter{stream: stream}
}

func (lw *LogWriter) Write(p []byte) (n int, err error) {
	if lw.stream != nil {
		lw.stream.Emit(events.New(events.KindLog, strings.TrimRight(string(p), "\n")))
	}
	return len(p), nil
}
