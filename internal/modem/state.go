package modem

import "fmt"

// State names the demodulator's current phase, making each phase of the
// receive procedure independently observable and testable.
type State int

const (
	StateNotCalibrated State = iota
	StateSeekSignal
	StateAlign
	StateDecodeFrame
	StateDeliver
)

func (s State) String() string {
	switch s {
	case StateNotCalibrated:
		return "NOT_CALIBRATED"
	case StateSeekSignal:
		return "SEEK_SIGNAL"
	case StateAlign:
		return "ALIGN"
	case StateDecodeFrame:
		return "DECODE_FRAME"
	case StateDeliver:
		return "DELIVER"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the state as its name, for diagnostics snapshots.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}
