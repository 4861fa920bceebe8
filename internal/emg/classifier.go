package emg

import (
	"log/slog"
)

// Command is a directional control output
type Command int

const (
	CommandIdle Command = iota
	CommandForward
	CommandBackward
	CommandLeft
	CommandRight
)

func (c Command) String() string {
	switch c {
	case CommandForward:
		return "forward"
	case CommandBackward:
		return "backward"
	case CommandLeft:
		return "left"
	case CommandRight:
		return "right"
	default:
		return "idle"
	}
}

// MarshalText implements encoding.TextMarshaler so commands serialize by name
func (c Command) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Transition is one command change. A transition to CommandIdle releases the
// previous command; a transition that repeats the active command with
// Locked=true is a lock event. Consumers treat the transition stream as the
// authoritative current command: a press fully retires whatever was active.
type Transition struct {
	Command Command `json:"command"`
	Locked  bool    `json:"locked"`
	At      float64 `json:"at"`
}

// ClassifierConfig holds the pattern-recognition timing constants.
// All values are seconds on the same monotonic clock as Sample.Timestamp.
type ClassifierConfig struct {
	// SpikeWindow is the window for counting quick repeated spikes.
	SpikeWindow float64

	// SpikeRetention bounds how long spike timestamps are kept at all.
	SpikeRetention float64

	// HoldDelay is how long after the first spike of a run the classifier
	// waits before deciding, so it can observe whether the muscle is held.
	HoldDelay float64

	// HoldLockAfter is how long an unlocked left/right hold must persist
	// before the command locks and survives release.
	HoldLockAfter float64
}

// DefaultClassifierConfig returns the tuning used with the stock firmware
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		SpikeWindow:    0.5,
		SpikeRetention: 2.0,
		HoldDelay:      0.25,
		HoldLockAfter:  0.6,
	}
}

// pendingDecision tracks an in-progress spike run between its first spike
// and the moment the hold-or-not observation commits it to a command.
type pendingDecision struct {
	count        int
	firstSpikeAt float64
}

// Classifier maps spike/hold edges over time to directional commands.
//
// Gesture mapping:
//
//	1 spike, released   -> forward  (locked until replaced or stopped)
//	2 spikes, released  -> backward (locked until replaced or stopped)
//	1 spike, held       -> left     (released with the muscle unless held to lock)
//	2 spikes, held      -> right    (released with the muscle unless held to lock)
//	3 quick spikes      -> stop     (always wins, clears everything)
//
// At most one command is active at any time. A fresh spike while a command
// is active starts a new run; committing it replaces the old command.
type Classifier struct {
	cfg    ClassifierConfig
	logger *slog.Logger

	calibrated bool

	spikeTimes []float64
	pending    *pendingDecision

	active    Command
	locked    bool
	lockStart float64

	lastNow       float64
	lastWaitLogAt float64
}

// NewClassifier creates a classifier in the uncalibrated state
func NewClassifier(cfg ClassifierConfig, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{cfg: cfg, logger: logger, lastWaitLogAt: -waitLogInterval}
}

const waitLogInterval = 5.0 // seconds between "waiting for calibration" lines

// Calibrate moves the classifier from uncalibrated to idle
func (c *Classifier) Calibrate() {
	c.calibrated = true
}

// Update consumes one step of edges plus the current holding state and
// returns a transition if a command change occurred, or nil.
func (c *Classifier) Update(edges Edges, holding bool, now float64) *Transition {
	if !c.calibrated {
		if now-c.lastWaitLogAt >= waitLogInterval {
			c.lastWaitLogAt = now
			c.logger.Info("waiting for calibration, commands withheld")
		}
		return nil
	}

	if now < c.lastNow {
		c.logger.Warn("non-monotonic update ignored", "now", now, "last", c.lastNow)
		return nil
	}
	c.lastNow = now

	var tr *Transition

	if edges.SpikeOnset {
		tr = c.onSpike(now)
		if tr != nil {
			// Panic stop: nothing else may run this step.
			return tr
		}
	}

	if d := c.decide(holding, now); d != nil {
		tr = d
	}

	if l := c.checkLock(edges, holding, now); l != nil {
		tr = l
	}

	// Outer retention prune; the decision window is re-pruned on each spike.
	c.pruneSpikes(now, c.cfg.SpikeRetention)

	return tr
}

// onSpike counts the spike and returns a stop transition if it was the
// third within the decision window.
func (c *Classifier) onSpike(now float64) *Transition {
	c.spikeTimes = append(c.spikeTimes, now)
	c.pruneSpikes(now, c.cfg.SpikeWindow)

	if len(c.spikeTimes) >= 3 {
		c.logger.Info("stop gesture", "spikes", len(c.spikeTimes))
		hadWork := c.active != CommandIdle || c.pending != nil
		c.clearAll()
		if hadWork {
			return &Transition{Command: CommandIdle, At: now}
		}
		return nil
	}

	// Start or extend the pending run, even while a command is active.
	// The run is timed from the oldest spike still inside the window, so a
	// spike landing on a stale window decides promptly instead of waiting
	// a full HoldDelay again.
	c.pending = &pendingDecision{
		count:        len(c.spikeTimes),
		firstSpikeAt: c.spikeTimes[0],
	}

	c.logger.Debug("spike counted", "count", c.pending.count)
	return nil
}

// decide commits the pending run once HoldDelay has elapsed since its
// first spike.
func (c *Classifier) decide(holding bool, now float64) *Transition {
	if c.pending == nil || now-c.pending.firstSpikeAt < c.cfg.HoldDelay {
		return nil
	}

	count := c.pending.count
	c.pending = nil

	if holding {
		// Muscle still held: transient command, lock timer starts now.
		if count == 1 {
			c.active = CommandLeft
		} else {
			c.active = CommandRight
		}
		c.locked = false
		c.lockStart = now
	} else {
		// Muscle released: indefinite command, spike window restarts.
		if count == 1 {
			c.active = CommandForward
		} else {
			c.active = CommandBackward
		}
		c.locked = true
		c.spikeTimes = nil
	}

	c.logger.Info("command", "command", c.active.String(), "locked", c.locked, "spikes", count)
	return &Transition{Command: c.active, Locked: c.locked, At: now}
}

// checkLock handles the hold-locking window of an unlocked left/right
// command: lock after HoldLockAfter of continuous hold, release on HoldEnd.
func (c *Classifier) checkLock(edges Edges, holding bool, now float64) *Transition {
	if c.active != CommandLeft && c.active != CommandRight {
		return nil
	}
	if c.locked {
		return nil
	}

	if holding && now-c.lockStart >= c.cfg.HoldLockAfter {
		c.locked = true
		c.logger.Info("command locked", "command", c.active.String())
		return &Transition{Command: c.active, Locked: true, At: now}
	}

	if edges.HoldEnd {
		released := c.active
		c.active = CommandIdle
		c.logger.Info("command released", "command", released.String())
		return &Transition{Command: CommandIdle, At: now}
	}

	return nil
}

// Reset returns the classifier to the uncalibrated state, synchronously
// clearing all pending and locked state. If a command was active, the
// release transition is returned so downstream consumers let go of it.
func (c *Classifier) Reset(now float64) *Transition {
	hadCommand := c.active != CommandIdle
	c.clearAll()
	c.calibrated = false
	c.lastWaitLogAt = now - waitLogInterval
	if hadCommand {
		return &Transition{Command: CommandIdle, At: now}
	}
	return nil
}

// Active returns the current command and its locked flag
func (c *Classifier) Active() (Command, bool) {
	return c.active, c.locked
}

// Calibrated reports whether the classifier is past the uncalibrated state
func (c *Classifier) Calibrated() bool { return c.calibrated }

func (c *Classifier) clearAll() {
	c.spikeTimes = nil
	c.pending = nil
	c.active = CommandIdle
	c.locked = false
}

func (c *Classifier) pruneSpikes(now, window float64) {
	kept := c.spikeTimes[:0]
	for _, ts := range c.spikeTimes {
		if now-ts < window {
			kept = append(kept, ts)
		}
	}
	c.spikeTimes = kept
}
