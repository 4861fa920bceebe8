package emg

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// PipelineConfig configures the ingestion pipeline
type PipelineConfig struct {
	Tracker    TrackerConfig
	Classifier ClassifierConfig

	// HistorySize bounds the retained snapshot history.
	HistorySize int

	// NearSpikeRatio triggers an advisory log when the envelope deviation
	// passes this fraction of the spike threshold without the board
	// flagging activity. 0 disables the advisory.
	NearSpikeRatio float64
}

// DefaultPipelineConfig returns sensible defaults
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Tracker:        DefaultTrackerConfig(),
		Classifier:     DefaultClassifierConfig(),
		HistorySize:    200,
		NearSpikeRatio: 0.7,
	}
}

// Snapshot is the pipeline state after one sample, published as one
// atomically replaced value so readers never see a half-updated step.
type Snapshot struct {
	Sample

	Baseline       float64 `json:"baseline"`
	SpikeThreshold float64 `json:"spike_threshold"`
	HoldThreshold  float64 `json:"hold_threshold"`
	Spiking        bool    `json:"spiking"`
	Holding        bool    `json:"holding"`
	Calibrated     bool    `json:"calibrated"`

	Command Command `json:"command"`
	Locked  bool    `json:"locked"`
}

// Pipeline reads lines from the source, runs them through the tracker and
// classifier, and fans command transitions out to subscribers.
type Pipeline struct {
	source     Source
	cfg        PipelineConfig
	logger     *slog.Logger
	tracker    *Tracker
	classifier *Classifier

	// clock returns monotonic seconds; injected for deterministic tests.
	clock func() float64

	mu      sync.RWMutex
	latest  Snapshot
	history []Snapshot

	// Metrics
	sampleCount     int64
	discardCount    int64
	deviceLineCount int64
	transitionCount int64
	lastNearLogAt   float64

	// Lifecycle
	cancel context.CancelFunc
	done   chan struct{}

	// Subscribers for command transitions
	subsMu sync.RWMutex
	subs   map[chan Transition]struct{}
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(source Source, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()

	return &Pipeline{
		source:     source,
		cfg:        cfg,
		logger:     logger,
		tracker:    NewTracker(cfg.Tracker),
		classifier: NewClassifier(cfg.Classifier, logger),
		clock:      func() float64 { return time.Since(start).Seconds() },
		history:    make([]Snapshot, 0, cfg.HistorySize),
		done:       make(chan struct{}),
		subs:       make(map[chan Transition]struct{}),
	}
}

// SetClock replaces the monotonic clock. Tests only; call before Run.
func (p *Pipeline) SetClock(clock func() float64) {
	p.clock = clock
}

// Run starts the read loop (blocking, use goroutine)
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	defer close(p.done)

	p.logger.Info("pipeline started",
		"source", p.source.Name(),
		"spike_window", p.cfg.Classifier.SpikeWindow,
		"hold_delay", p.cfg.Classifier.HoldDelay,
		"hold_lock_after", p.cfg.Classifier.HoldLockAfter,
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopped",
				"samples", p.sampleCount,
				"discarded", p.discardCount,
				"transitions", p.transitionCount,
			)
			return ctx.Err()
		default:
		}

		line, err := p.source.ReadLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("read failed", "error", err)
			continue
		}

		p.Process(line)
	}
}

// Process runs a single serial line through the tracker and classifier.
// Exposed so tests can drive the pipeline without a live transport.
func (p *Pipeline) Process(line string) {
	now := p.clock()

	sample, err := ParseLine(line, now)
	if err != nil {
		p.mu.Lock()
		if errors.Is(err, ErrNotSample) {
			p.deviceLineCount++
			p.mu.Unlock()
			if line != "" {
				p.logger.Info("device", "line", line)
			}
			return
		}
		p.discardCount++
		p.mu.Unlock()
		p.logger.Warn("sample discarded", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.sampleCount++

	wasCalibrated := p.tracker.Calibrated()
	edges := p.tracker.Update(sample)

	if p.tracker.Calibrated() && !wasCalibrated {
		p.classifier.Calibrate()
		p.logger.Info("calibration complete",
			"spike_threshold", p.tracker.SpikeThreshold(),
			"hold_threshold", p.tracker.HoldThreshold(),
		)
	}

	tr := p.classifier.Update(edges, p.tracker.Holding(), now)

	command, locked := p.classifier.Active()
	snap := Snapshot{
		Sample:         sample,
		Baseline:       p.tracker.Baseline(),
		SpikeThreshold: p.tracker.SpikeThreshold(),
		HoldThreshold:  p.tracker.HoldThreshold(),
		Spiking:        p.tracker.Spiking(),
		Holding:        p.tracker.Holding(),
		Calibrated:     p.tracker.Calibrated(),
		Command:        command,
		Locked:         locked,
	}
	snap.Envelope = p.tracker.Envelope()

	p.latest = snap
	p.appendHistory(snap)
	p.checkNearSpike(sample, now)

	if tr != nil {
		p.transitionCount++
		p.notifySubscribers(*tr)
	}
}

// checkNearSpike logs when the deviation gets close to the spike threshold
// without the board flagging activity. Points at calibration drift.
func (p *Pipeline) checkNearSpike(s Sample, now float64) {
	if p.cfg.NearSpikeRatio <= 0 || !p.tracker.Calibrated() || p.tracker.Spiking() {
		return
	}

	deviation := s.Envelope - p.tracker.Baseline()
	if deviation < 0 {
		deviation = -deviation
	}

	threshold := p.tracker.SpikeThreshold()
	if threshold <= 0 || deviation < threshold*p.cfg.NearSpikeRatio {
		return
	}

	if now-p.lastNearLogAt < 1.0 {
		return
	}
	p.lastNearLogAt = now

	p.logger.Debug("near spike",
		"deviation", deviation,
		"spike_threshold", threshold,
	)
}

func (p *Pipeline) appendHistory(snap Snapshot) {
	p.history = append(p.history, snap)

	if len(p.history) > p.cfg.HistorySize {
		// Shift instead of slice to avoid memory leak
		copy(p.history, p.history[1:])
		p.history = p.history[:p.cfg.HistorySize]
	}
}

func (p *Pipeline) notifySubscribers(tr Transition) {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()

	for ch := range p.subs {
		select {
		case ch <- tr:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives command transitions
func (p *Pipeline) Subscribe() chan Transition {
	ch := make(chan Transition, 16)

	p.subsMu.Lock()
	p.subs[ch] = struct{}{}
	p.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (p *Pipeline) Unsubscribe(ch chan Transition) {
	p.subsMu.Lock()
	if _, exists := p.subs[ch]; exists {
		delete(p.subs, ch)
		close(ch)
	}
	p.subsMu.Unlock()
}

// GetLatest returns the most recent snapshot
func (p *Pipeline) GetLatest() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Calibrate asks the board to recalibrate. The muscle must stay relaxed
// while the firmware samples the resting level.
func (p *Pipeline) Calibrate() error {
	p.logger.Info("requesting calibration")
	return p.source.WriteCommand(ControlCalibrate)
}

// Reset clears calibration on the board and locally. Any active command is
// released synchronously.
func (p *Pipeline) Reset() error {
	err := p.source.WriteCommand(ControlReset)

	now := p.clock()
	p.mu.Lock()
	p.tracker.Reset()
	tr := p.classifier.Reset(now)
	p.latest = Snapshot{}
	p.mu.Unlock()

	if tr != nil {
		p.notifySubscribers(*tr)
	}

	p.logger.Info("calibration reset")
	return err
}

// RequestStatus asks the board to print its status over serial
func (p *Pipeline) RequestStatus() error {
	return p.source.WriteCommand(ControlStatus)
}

// SetInvert toggles envelope inversion at runtime
func (p *Pipeline) SetInvert(invert bool) {
	p.mu.Lock()
	p.tracker.SetInvert(invert)
	p.mu.Unlock()
	p.logger.Info("signal inversion", "enabled", invert)
}

// Stats returns pipeline statistics
func (p *Pipeline) Stats() PipelineStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	p.subsMu.RLock()
	subscribers := len(p.subs)
	p.subsMu.RUnlock()

	command, locked := p.classifier.Active()

	return PipelineStats{
		SampleCount:     p.sampleCount,
		DiscardCount:    p.discardCount,
		DeviceLineCount: p.deviceLineCount,
		TransitionCount: p.transitionCount,
		HistorySize:     len(p.history),
		SubscriberCount: subscribers,
		SourceHealthy:   p.source.Healthy(),
		Calibrated:      p.tracker.Calibrated(),
		Baseline:        p.tracker.Baseline(),
		SpikeThreshold:  p.tracker.SpikeThreshold(),
		HoldThreshold:   p.tracker.HoldThreshold(),
		Command:         command.String(),
		Locked:          locked,
	}
}

// PipelineStats contains pipeline statistics
type PipelineStats struct {
	SampleCount     int64   `json:"sample_count"`
	DiscardCount    int64   `json:"discard_count"`
	DeviceLineCount int64   `json:"device_line_count"`
	TransitionCount int64   `json:"transition_count"`
	HistorySize     int     `json:"history_size"`
	SubscriberCount int     `json:"subscriber_count"`
	SourceHealthy   bool    `json:"source_healthy"`
	Calibrated      bool    `json:"calibrated"`
	Baseline        float64 `json:"baseline"`
	SpikeThreshold  float64 `json:"spike_threshold"`
	HoldThreshold   float64 `json:"hold_threshold"`
	Command         string  `json:"command"`
	Locked          bool    `json:"locked"`
}

// Stop stops the pipeline gracefully
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}

	// Close all subscriber channels
	p.subsMu.Lock()
	for ch := range p.subs {
		close(ch)
		delete(p.subs, ch)
	}
	p.subsMu.Unlock()
}
