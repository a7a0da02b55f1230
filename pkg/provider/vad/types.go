package vad

// Event is an engine's decision for one frame.
type Event struct {
	Type EventType

	// Probability is the speech likelihood in [0, 1]. The energy engine maps
	// frame RMS onto this range.
	Probability float64
}

// Voiced reports whether the frame belongs to a speech segment. The frame
// that closes a segment still counts, so a chunk ending on it is kept.
func (e Event) Voiced() bool { return e.Type != Silence }

// EventType places a frame relative to a speech segment. The zero value is
// Silence.
type EventType int

const (
	Silence EventType = iota
	SpeechStart
	SpeechContinue
	SpeechEnd
)

func (t EventType) String() string {
	switch t {
	case Silence:
		return "silence"
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}
