package detector

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/audio"
)

// HistorySize is the number of detections kept.
const HistorySize = 10

// Record is one fired detection as kept in history.
type Record struct {
	ID         uuid.UUID `json:"id"`
	Transcript string    `json:"transcript"`
	WakeWord   string    `json:"wakeWord"`
	Score      float64   `json:"score"`
	Timestamp  time.Time `json:"timestamp"`
}

// Audio is the recent-audio snapshot attached to a detection.
type Audio struct {
	Samples    []float32
	SampleRate int
	DurationMs int
}

// MarshalJSON encodes the samples as base64 16-bit PCM.
func (a Audio) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Data       string `json:"data"`
		SampleRate int    `json:"sampleRate"`
		DurationMs int    `json:"durationMs"`
	}{
		Data:       base64.StdEncoding.EncodeToString(audio.Float32ToPCM16(a.Samples)),
		SampleRate: a.SampleRate,
		DurationMs: a.DurationMs,
	})
}

// Detection is delivered to the detection handler.
type Detection struct {
	Record
	Audio Audio `json:"audioData"`
}

// history is a FIFO bounded at max entries.
type history struct {
	max   int
	items []Record
}

func (h *history) push(r Record) {
	if len(h.items) == h.max {
		copy(h.items, h.items[1:])
		h.items = h.items[:h.max-1]
	}
	h.items = append(h.items, r)
}

func (h *history) snapshot() []Record {
	return append([]Record(nil), h.items...)
}

func (h *history) clear() { h.items = h.items[:0] }
