// Package eventlog is the audit trail of wake-word activity: every fired
// detection and every confirmation outcome becomes one [Event] appended to a
// [Sink].
//
// Two sinks ship with the module: [LogSink] writes structured log lines and
// keeps the most recent events in memory, and eventlog/postgres stores them
// in a wake_events table.
package eventlog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/detector"
)

// Kind distinguishes event types.
type Kind string

const (
	KindDetection    Kind = "detection"
	KindConfirmation Kind = "confirmation"
)

// Event is one audit record. Confirmation fields are zero on detections.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Kind        Kind      `json:"kind"`
	DetectionID uuid.UUID `json:"detectionId"`
	UserID      string    `json:"userId,omitempty"`
	WakeWord    string    `json:"wakeWord"`
	Transcript  string    `json:"transcript,omitempty"`
	Score       float64   `json:"score"`
	Method      string    `json:"method,omitempty"`
	Confirmed   bool      `json:"confirmed"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Sink stores events. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, ev Event) error

	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)

	Close() error
}

// Pinger is implemented by sinks that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FromDetection builds the event for a fired detection.
func FromDetection(rec detector.Record, userID string) Event {
	return Event{
		ID:          uuid.New(),
		Kind:        KindDetection,
		DetectionID: rec.ID,
		UserID:      userID,
		WakeWord:    rec.WakeWord,
		Transcript:  rec.Transcript,
		Score:       rec.Score,
		Confirmed:   true,
		At:          rec.Timestamp,
	}
}

// FromConfirmation builds the event for a confirmation outcome.
func FromConfirmation(c detector.Confirmation, userID string, at time.Time) Event {
	ev := Event{
		ID:          uuid.New(),
		Kind:        KindConfirmation,
		DetectionID: c.DetectionID,
		UserID:      userID,
		WakeWord:    c.WakeWord,
		Transcript:  c.Transcript,
		Score:       c.Confidence,
		Method:      string(c.Method),
		Confirmed:   c.Confirmed,
		At:          at,
	}
	if c.Err != nil {
		ev.Error = c.Err.Error()
	}
	return ev
}
