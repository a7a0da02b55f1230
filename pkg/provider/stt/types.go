package stt

import (
	"errors"
	"net/http"
	"time"
)

// Transcript is one recognition result. Both partial and final results use
// this type.
type Transcript struct {
	// Text is the top hypothesis.
	Text string

	// IsFinal marks a committed result.
	IsFinal bool

	// Confidence is the engine's score for Text in [0, 1]. Zero means the
	// engine did not report one.
	Confidence float64

	// Alternatives lists every hypothesis the engine returned, best first.
	// The first entry repeats Text and Confidence. Engines that produce a
	// single hypothesis may leave it nil.
	Alternatives []Alternative

	// Words contains per-word detail when available.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Hypotheses returns Alternatives, or a single entry built from Text and
// Confidence when the engine supplied none.
func (t Transcript) Hypotheses() []Alternative {
	if len(t.Alternatives) > 0 {
		return t.Alternatives
	}
	if t.Text == "" {
		return nil
	}
	return []Alternative{{Text: t.Text, Confidence: t.Confidence}}
}

// Alternative is one recognition hypothesis.
type Alternative struct {
	Text       string
	Confidence float64
}

// WordDetail holds per-word metadata from engines that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost biases recognition toward a phrase.
type KeywordBoost struct {
	// Keyword is the phrase to boost (e.g. "hey earshot").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// Session termination causes. Engines wrap these in the errors returned by
// StartStream and SessionHandle.Err.
var (
	// ErrNoSpeech means the engine gave up after hearing nothing. It is a
	// normal idle condition rather than a failure.
	ErrNoSpeech = errors.New("stt: no speech detected")

	// ErrAudioCapture means the engine could not read or decode the audio.
	ErrAudioCapture = errors.New("stt: audio capture failed")

	// ErrNotAllowed means the engine rejected the caller's credentials.
	ErrNotAllowed = errors.New("stt: not allowed")

	// ErrNetwork means the engine could not be reached or the connection
	// dropped.
	ErrNetwork = errors.New("stt: network error")

	// ErrServiceNotAllowed means the account or service refuses recognition
	// (quota, billing, disabled feature).
	ErrServiceNotAllowed = errors.New("stt: service not allowed")

	// ErrNotSupported is returned by optional operations an engine lacks.
	ErrNotSupported = errors.New("stt: operation not supported")
)

// ErrorForStatus maps an HTTP status returned by a recognition or
// transcription service onto the sentinels above.
func ErrorForStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrNotAllowed
	case http.StatusPaymentRequired, http.StatusForbidden, http.StatusTooManyRequests:
		return ErrServiceNotAllowed
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return ErrAudioCapture
	default:
		return ErrNetwork
	}
}
