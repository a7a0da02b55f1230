// Package stt defines the Provider interface for continuous speech recognition
// engines.
//
// A provider wraps a streaming recogniser (Deepgram, a Whisper server, or
// whisper.cpp in-process) behind a uniform session: once opened, a session
// accepts 16-bit PCM and emits interim results on Partials and committed
// results on Finals. Wake-word detection consumes Finals only.
//
// A session ends either because the caller closed it or because the engine
// stopped on its own (silence timeout, dropped connection, revoked key). Err
// distinguishes the two so callers can decide whether to restart.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
)

// DefaultAlternatives is the number of recognition hypotheses requested per
// final result when StreamConfig.Alternatives is zero.
const DefaultAlternatives = 3

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Recognition runs at 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag (e.g. "en-US"). Empty lets the
	// provider auto-detect, if supported.
	Language string

	// Alternatives is the maximum number of hypotheses per final result.
	// Zero means [DefaultAlternatives].
	Alternatives int

	// InterimResults asks the engine to emit partial results on Partials.
	InterimResults bool

	// Keywords biases recognition toward the given phrases, typically the
	// configured wake words.
	Keywords []KeywordBoost
}

// MaxAlternatives returns Alternatives or [DefaultAlternatives] when unset.
func (c StreamConfig) MaxAlternatives() int {
	if c.Alternatives <= 0 {
		return DefaultAlternatives
	}
	return c.Alternatives
}

// SessionHandle is an open recognition session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit little-endian PCM matching the
	// StreamConfig. Returns an error after the session has ended.
	SendAudio(chunk []byte) error

	// Partials emits interim results. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed results. Closed when the session ends.
	Finals() <-chan Transcript

	// SetKeywords replaces the active keyword list. Providers that cannot
	// update mid-session return [ErrNotSupported].
	SetKeywords(keywords []KeywordBoost) error

	// Err reports why the session ended. It is nil while the session is open
	// and after a caller-initiated Close. Once Finals is closed a non-nil
	// value is stable. Engines wrap the sentinel errors of this package so
	// callers can classify the cause with errors.Is.
	Err() error

	// Close terminates the session and releases its resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider opens recognition sessions.
type Provider interface {
	// StartStream opens a new session. Returns an error if the session cannot
	// be established, wrapping a sentinel from this package where the cause is
	// known (e.g. [ErrNotAllowed] for a rejected API key).
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
