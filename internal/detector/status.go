package detector

import "fmt"

// Status is the detector's lifecycle state. The numeric values are exported
// as the earshot.detector.status gauge.
type Status int

const (
	StatusIdle Status = iota
	StatusInitializing
	StatusDetecting
	StatusConfirmed
	StatusError
)

var statusNames = [...]string{
	StatusIdle:         "idle",
	StatusInitializing: "initializing",
	StatusDetecting:    "detecting",
	StatusConfirmed:    "confirmed",
	StatusError:        "error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
