package eventlog

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultLogSinkSize is the number of events a LogSink keeps.
const DefaultLogSinkSize = 100

var _ Sink = (*LogSink)(nil)

// LogSink logs every event at Info and keeps the newest ones in memory.
type LogSink struct {
	logger *slog.Logger
	max    int

	mu     sync.Mutex
	events []Event
	closed bool
}

// NewLogSink returns a LogSink keeping size events. A nil logger uses
// slog.Default.
func NewLogSink(logger *slog.Logger, size int) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultLogSinkSize
	}
	return &LogSink{logger: logger, max: size}
}

// Append implements Sink.
func (s *LogSink) Append(ctx context.Context, ev Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if len(s.events) == s.max {
		s.events = append(s.events[:0], s.events[1:]...)
	}
	s.events = append(s.events, ev)
	s.mu.Unlock()

	attrs := []any{
		"id", ev.ID, "detection", ev.DetectionID, "wake_word", ev.WakeWord, "score", ev.Score,
	}
	if ev.Kind == KindConfirmation {
		attrs = append(attrs, "method", ev.Method, "confirmed", ev.Confirmed)
	}
	if ev.Error != "" {
		attrs = append(attrs, "err", ev.Error)
	}
	s.logger.InfoContext(ctx, "wake event "+string(ev.Kind), attrs...)
	return nil
}

// Recent implements Sink.
func (s *LogSink) Recent(_ context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

// Close stops recording. Later Appends are dropped.
func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
