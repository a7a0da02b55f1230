// Package transcribe defines the batch transcription collaborator used to
// turn a finished audio clip into text.
//
// Backends live in sub-packages (openai, whisper, deepgram). [Fallback]
// chains several backends behind per-backend circuit breakers, [Instrument]
// adds latency metrics and spans, and [BestEffort] is the outer boundary that
// never fails: it returns whatever text it could recover, or "".
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyAudio is returned when Transcribe is called without audio.
var ErrEmptyAudio = errors.New("transcribe: empty audio")

// Options describe the clip and the desired output.
type Options struct {
	// MimeType of the audio bytes, e.g. "audio/wav". Default "audio/wav".
	MimeType string

	// Language is a BCP-47 tag or ISO-639-1 code. Empty lets the backend
	// detect it.
	Language string

	// Model overrides the backend's default model.
	Model string

	// Alternatives is the number of hypotheses wanted. Backends that produce
	// a single hypothesis ignore it.
	Alternatives int
}

// MimeTypeOrDefault returns MimeType or "audio/wav".
func (o Options) MimeTypeOrDefault() string {
	if o.MimeType == "" {
		return "audio/wav"
	}
	return o.MimeType
}

// Alternative is one transcription hypothesis.
type Alternative struct {
	Text string `json:"transcript"`

	// Confidence in [0, 1]. Zero when the backend does not report one.
	Confidence float64 `json:"confidence"`
}

// Result is the outcome of one transcription.
type Result struct {
	// Text is the best hypothesis.
	Text string

	// Alternatives lists every hypothesis, best first. May be nil when the
	// backend returned only Text.
	Alternatives []Alternative
}

// Hypotheses returns Alternatives, or a single entry built from Text.
func (r Result) Hypotheses() []Alternative {
	if len(r.Alternatives) > 0 {
		return r.Alternatives
	}
	if strings.TrimSpace(r.Text) == "" {
		return nil
	}
	return []Alternative{{Text: r.Text}}
}

// Transcriber converts an audio clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, opts Options) (Result, error)
}

// Func adapts a function to the Transcriber interface.
type Func func(ctx context.Context, audio []byte, opts Options) (Result, error)

// Transcribe calls f.
func (f Func) Transcribe(ctx context.Context, audio []byte, opts Options) (Result, error) {
	return f(ctx, audio, opts)
}

// ResponseError is returned by HTTP backends when the service answered but
// the body could not be used. Body is kept so [BestEffort] can salvage text.
type ResponseError struct {
	Backend string
	Status  int
	Body    []byte
	Err     error
}

func (e *ResponseError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transcribe: %s: HTTP %d: %v", e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("transcribe: %s: %v", e.Backend, e.Err)
}

func (e *ResponseError) Unwrap() error { return e.Err }
