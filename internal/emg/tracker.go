package emg

// TrackerConfig configures baseline tracking and threshold derivation
type TrackerConfig struct {
	// BaselineAlpha is the weight of a new relaxed sample in the
	// exponential baseline average.
	BaselineAlpha float64

	// HoldRatio scales the spike threshold down to the hold threshold.
	HoldRatio float64

	// Invert mirrors the reported envelope around the baseline, for
	// sensor placements where flexing pulls the envelope down.
	Invert bool
}

// DefaultTrackerConfig returns sensible defaults
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		BaselineAlpha: 0.05,
		HoldRatio:     0.4,
	}
}

// Edges records which muscle-state transitions fired on one update
type Edges struct {
	SpikeOnset bool
	SpikeEnd   bool
	HoldOnset  bool
	HoldEnd    bool
}

// Tracker maintains the resting baseline and derives the binary
// spiking/holding states from each incoming sample.
//
// Spiking comes straight from the board's activity flag; holding is computed
// locally from the envelope's deviation against the tracked baseline. Both
// are compared against their previous values to produce edge events.
type Tracker struct {
	cfg TrackerConfig

	calibrated   bool
	calibratedAt float64

	seeded   bool
	baseline float64

	spikeThreshold float64
	holdThreshold  float64

	spiking bool
	holding bool

	envelope float64 // last envelope, after optional inversion
}

// NewTracker creates a tracker in the uncalibrated state
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{cfg: cfg}
}

// Update consumes one sample and returns the edges that fired.
// Samples must arrive in non-decreasing timestamp order.
func (t *Tracker) Update(s Sample) Edges {
	if !t.seeded {
		// No smoothing history yet: seed straight from the raw envelope.
		t.baseline = s.Envelope
		t.seeded = true
	}

	if s.Deviation > 0 && !t.calibrated {
		t.calibrated = true
		t.calibratedAt = s.Timestamp
	}

	// Baseline only follows relaxed samples, so contractions can't drag it up.
	if !s.Active {
		t.baseline = (1-t.cfg.BaselineAlpha)*t.baseline + t.cfg.BaselineAlpha*s.Envelope
	}

	if t.calibrated && s.Deviation > 0 {
		t.spikeThreshold = s.Deviation
		t.holdThreshold = s.Deviation * t.cfg.HoldRatio
	}

	if t.cfg.Invert {
		t.envelope = 2*t.baseline - s.Envelope
	} else {
		t.envelope = s.Envelope
	}

	prevSpiking := t.spiking
	prevHolding := t.holding

	t.spiking = s.Active

	// Deviation from baseline is symmetric, so inversion doesn't change it.
	deviation := s.Envelope - t.baseline
	if deviation < 0 {
		deviation = -deviation
	}
	t.holding = t.calibrated && t.holdThreshold > 0 && deviation >= t.holdThreshold

	return Edges{
		SpikeOnset: t.spiking && !prevSpiking,
		SpikeEnd:   !t.spiking && prevSpiking,
		HoldOnset:  t.holding && !prevHolding,
		HoldEnd:    !t.holding && prevHolding,
	}
}

// Reset drops calibration and all derived state. The baseline seed is
// dropped too, so the next sample reseeds it.
func (t *Tracker) Reset() {
	*t = Tracker{cfg: t.cfg}
}

// SetInvert toggles envelope inversion at runtime
func (t *Tracker) SetInvert(invert bool) {
	t.cfg.Invert = invert
}

// Calibrated reports whether a positive threshold deviation has been seen
func (t *Tracker) Calibrated() bool { return t.calibrated }

// CalibratedAt returns the timestamp of the calibration event
func (t *Tracker) CalibratedAt() float64 { return t.calibratedAt }

// Baseline returns the tracked resting baseline
func (t *Tracker) Baseline() float64 { return t.baseline }

// SpikeThreshold returns the calibrated spike threshold deviation (0 until calibrated)
func (t *Tracker) SpikeThreshold() float64 { return t.spikeThreshold }

// HoldThreshold returns the lower hold threshold deviation (0 until calibrated)
func (t *Tracker) HoldThreshold() float64 { return t.holdThreshold }

// Spiking returns the current spike state (board authoritative)
func (t *Tracker) Spiking() bool { return t.spiking }

// Holding returns the current hold state (locally computed)
func (t *Tracker) Holding() bool { return t.holding }

// Envelope returns the last envelope value after optional inversion
func (t *Tracker) Envelope() float64 { return t.envelope }
