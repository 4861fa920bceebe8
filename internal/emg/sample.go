// Package emg turns the raw EMG envelope stream from the sensing board
// into calibrated muscle-state edges and directional commands.
package emg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Sample is one EMG measurement from the sensing board.
type Sample struct {
	Envelope  float64 `json:"envelope"`  // smoothed signal magnitude (board-side filtering)
	RMS       float64 `json:"rms"`       // root mean square of the raw signal
	Deviation float64 `json:"deviation"` // calibrated spike threshold as deviation from baseline; >0 means calibrated
	Active    bool    `json:"active"`    // board's binary muscle-activity flag
	Timestamp float64 `json:"timestamp"` // monotonic seconds, assigned at ingestion
}

// ErrNotSample marks a serial line that is not EMG data (boot messages,
// calibration chatter). Callers surface these as device log output.
var ErrNotSample = errors.New("not an EMG sample line")

// ErrMalformedSample marks a line with the right shape but unusable values.
var ErrMalformedSample = errors.New("malformed EMG sample")

// ParseLine parses one serial line in the board's CSV format:
// envelope,rms,threshold,state. Lines that don't match the shape return
// ErrNotSample; four-field lines with non-finite values return
// ErrMalformedSample. Neither may reach the tracker.
func ParseLine(line string, now float64) (Sample, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 4 {
		return Sample{}, ErrNotSample
	}

	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Sample{}, ErrNotSample
		}
		vals[i] = v
	}

	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Sample{}, fmt.Errorf("%w: non-finite field", ErrMalformedSample)
		}
	}

	return Sample{
		Envelope:  vals[0],
		RMS:       vals[1],
		Deviation: vals[2],
		Active:    vals[3] > 0,
		Timestamp: now,
	}, nil
}

// Control commands understood by the board firmware.
const (
	ControlCalibrate = "CALIBRATE"
	ControlReset     = "RESET"
	ControlStatus    = "STATUS"
)

// Source provides serial lines from the sensing board
type Source interface {
	// ReadLine blocks until the next line is available
	ReadLine(ctx context.Context) (string, error)

	// WriteCommand sends a control command (CALIBRATE, RESET, STATUS)
	WriteCommand(cmd string) error

	// Close releases the transport
	Close() error

	// Healthy returns true if the source is operational
	Healthy() bool

	// Name returns the source type name
	Name() string
}
