package detector

import (
	"errors"
	"fmt"

	"github.com/MrWong99/earshot/internal/recognition"
	"github.com/MrWong99/earshot/pkg/audio/capture"
)

// ErrNotInitialized is returned by Start before a successful Initialize.
var ErrNotInitialized = errors.New("detector: not initialized")

// Kind classifies detector failures by what the user can do about them.
type Kind int

const (
	// KindCapabilityMissing: the platform lacks a recognition engine or a
	// capture backend. Only a new Initialize can recover.
	KindCapabilityMissing Kind = iota + 1

	// KindPermissionDenied: microphone or recognition access was refused.
	KindPermissionDenied

	// KindDeviceUnavailable: no usable capture device.
	KindDeviceUnavailable

	// KindRecognitionNetwork: the recognition engine could not be reached.
	KindRecognitionNetwork

	// KindRecognitionService: the recognition engine failed or refused
	// service.
	KindRecognitionService

	// KindConfirmationUnreachable: the confirmation server was not used. It
	// never stops detection.
	KindConfirmationUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindCapabilityMissing:
		return "capability_missing"
	case KindPermissionDenied:
		return "permission_denied"
	case KindDeviceUnavailable:
		return "device_unavailable"
	case KindRecognitionNetwork:
		return "recognition_network_error"
	case KindRecognitionService:
		return "recognition_service_error"
	case KindConfirmationUnreachable:
		return "confirmation_unreachable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Message returns guidance suitable for showing to the user.
func (k Kind) Message() string {
	switch k {
	case KindCapabilityMissing:
		return "Voice activation is not supported here: a speech recognition engine and a microphone backend are both required."
	case KindPermissionDenied:
		return "Microphone access was denied. Grant access and start listening again."
	case KindDeviceUnavailable:
		return "No microphone is available. Connect or free a capture device and try again."
	case KindRecognitionNetwork:
		return "The speech recognition service could not be reached. Check the connection or type your request instead."
	case KindRecognitionService:
		return "The speech recognition service failed. Try again shortly."
	case KindConfirmationUnreachable:
		return "Wake word confirmation is unavailable; detections are judged on this device alone."
	default:
		return "Unknown voice activation error."
	}
}

// Recoverable reports whether Start may be retried without a new Initialize.
func (k Kind) Recoverable() bool { return k != KindCapabilityMissing }

// Error is a classified detector failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("detector: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind carried by err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

func captureError(err error) *Error {
	if errors.Is(err, capture.ErrPermissionDenied) {
		return &Error{Kind: KindPermissionDenied, Err: err}
	}
	return &Error{Kind: KindDeviceUnavailable, Err: err}
}

func recognitionError(err *recognition.Error) *Error {
	var k Kind
	switch err.Class {
	case recognition.ClassNotAllowed:
		k = KindPermissionDenied
	case recognition.ClassAudioCapture:
		k = KindDeviceUnavailable
	case recognition.ClassNetwork:
		k = KindRecognitionNetwork
	default:
		k = KindRecognitionService
	}
	return &Error{Kind: k, Err: err}
}
