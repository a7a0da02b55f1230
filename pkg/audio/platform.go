// Package audio defines the audio frame type, the remote participant
// transport interfaces, and the PCM helpers shared by the capture, recognition
// and streaming stages.
//
// Two abstractions describe remote participant audio:
//
//   - [Platform] joins a voice channel and returns a [Connection].
//   - [Connection] exposes one input stream per participant plus join/leave
//     events.
//
// Implementations live in adapter packages such as audio/discord. The package
// sits under pkg/ so third-party transports can implement the interfaces.
package audio

import (
	"context"
)

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant's stream first appears.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant's stream is gone.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change.
type Event struct {
	Type EventType

	// UserID is the key of the participant's stream in
	// [Connection.InputStreams].
	UserID string

	// Username is a display name when the platform knows one.
	Username string
}

// Connection is an active, receive-only session on a voice channel.
//
// All input channels are closed when the connection terminates.
// Implementations must be safe for concurrent use.
type Connection interface {
	// InputStreams returns a snapshot of the per-participant audio channels.
	// Call it again after an [EventJoin] to pick up new streams.
	InputStreams() map[string]<-chan AudioFrame

	// OnParticipantChange registers cb for join and leave events. Only one
	// callback is kept; later calls replace earlier ones. cb runs on an
	// internal goroutine and must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect tears down the connection and closes all input channels.
	// Calls after the first are no-ops returning nil.
	Disconnect() error
}

// Platform is the entry point for a remote voice transport.
type Platform interface {
	// Connect joins channelID. ctx bounds the connection attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
