package confirm

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Request is one confirmation to perform.
type Request struct {
	// Samples is the detector's recent-audio snapshot in [-1, 1].
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int

	// WakeWord is the phrase the client detected.
	WakeWord string

	// Confidence is the client's detection score.
	Confidence float64

	// UserID identifies the speaker for the server's logs. Optional.
	UserID string
}

// wireRequest is the JSON body of POST /v1/wake/confirm. AudioData is
// base64-encoded 16-bit little-endian mono PCM.
type wireRequest struct {
	AudioData  string  `json:"audioData"`
	WakeWord   string  `json:"wakeWord"`
	Confidence float64 `json:"confidence"`
	UserID     string  `json:"userId,omitempty"`
	SampleRate int     `json:"sampleRate,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func encodeRequest(r Request) wireRequest {
	return wireRequest{
		AudioData:  base64.StdEncoding.EncodeToString(audio.Float32ToPCM16(r.Samples)),
		WakeWord:   r.WakeWord,
		Confidence: r.Confidence,
		UserID:     r.UserID,
		SampleRate: r.SampleRate,
	}
}

// decode validates w and returns the PCM bytes it carries.
func (w wireRequest) decode() ([]byte, error) {
	var errs []error
	if w.WakeWord == "" {
		errs = append(errs, errors.New("wakeWord is required"))
	}
	if w.Confidence < 0 || w.Confidence > 1 {
		errs = append(errs, fmt.Errorf("confidence %v outside [0, 1]", w.Confidence))
	}
	if w.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("sampleRate %d is negative", w.SampleRate))
	}
	pcm, err := base64.StdEncoding.DecodeString(w.AudioData)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("audioData: %w", err))
	case len(pcm) == 0:
		errs = append(errs, errors.New("audioData is empty"))
	case len(pcm)%2 != 0:
		errs = append(errs, errors.New("audioData is not 16-bit PCM"))
	}
	return pcm, errors.Join(errs...)
}
