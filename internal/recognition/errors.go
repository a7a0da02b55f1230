package recognition

import (
	"errors"
	"fmt"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Class groups recognition engine failures by how the caller should react.
type Class string

const (
	// ClassNoSpeech means the engine heard nothing and stopped. It is not a
	// failure and is never reported.
	ClassNoSpeech Class = "no_speech"

	// ClassAudioCapture means the engine could not read the audio.
	ClassAudioCapture Class = "audio_capture"

	// ClassNotAllowed means the engine rejected the credentials.
	ClassNotAllowed Class = "not_allowed"

	// ClassNetwork means the engine was unreachable or the connection dropped.
	ClassNetwork Class = "network"

	// ClassServiceNotAllowed means the service refuses recognition for this
	// account.
	ClassServiceNotAllowed Class = "service_not_allowed"

	// ClassOther covers everything else.
	ClassOther Class = "other"
)

// Reportable reports whether errors of this class reach the error handler.
func (c Class) Reportable() bool { return c != ClassNoSpeech }

// Classify maps an engine error onto a Class using the stt sentinels.
// A nil error classifies as ClassNoSpeech.
func Classify(err error) Class {
	switch {
	case err == nil, errors.Is(err, stt.ErrNoSpeech):
		return ClassNoSpeech
	case errors.Is(err, stt.ErrAudioCapture):
		return ClassAudioCapture
	case errors.Is(err, stt.ErrNotAllowed):
		return ClassNotAllowed
	case errors.Is(err, stt.ErrNetwork):
		return ClassNetwork
	case errors.Is(err, stt.ErrServiceNotAllowed):
		return ClassServiceNotAllowed
	default:
		return ClassOther
	}
}

// Error is a classified recognition failure.
type Error struct {
	Class Class
	Err   error
}

// NewError classifies err and wraps it.
func NewError(err error) *Error {
	return &Error{Class: Classify(err), Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("recognition: %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
