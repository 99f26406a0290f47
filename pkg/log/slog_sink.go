package log

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// SlogSink adapts a *slog.Logger to the Logger interface. It does not
// implement Nester: nested regions fall back to a single heading line,
// which is the right behavior for a flat structured-log stream (a real
// "nested" capability belongs to a sink with its own notion of scopes,
// e.g. a TAP or subtest reporter).
type SlogSink struct {
	logger *slog.Logger
	attrs  []any
}

// NewSlogSink builds a SlogSink writing tinted (colorized, human-readable)
// output to w, with the given key/value attrs attached to every record
// (e.g. "machine", name).
func NewSlogSink(w io.Writer, attrs ...any) *SlogSink {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	})
	return &SlogSink{logger: slog.New(handler).With(attrs...)}
}

func (s *SlogSink) Log(message string) {
	s.logger.Info(message)
}

var _ Logger = (*SlogSink)(nil)
