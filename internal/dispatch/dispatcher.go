// Package dispatch forwards command transitions to downstream consumers:
// the game-bridge WebSocket endpoint and an MQTT broker.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/drixreyes/go-emg/internal/emg"
)

// Sink consumes command transitions
type Sink interface {
	SendTransition(tr emg.Transition) error
	Name() string
	Close() error
}

// Dispatcher subscribes to pipeline transitions and forwards them to all
// sinks. Disabling it stops forwarding and releases any held command
// downstream by sending an idle transition.
type Dispatcher struct {
	pipeline *emg.Pipeline
	logger   *slog.Logger

	mu    sync.Mutex
	sinks []Sink

	enabled atomic.Bool

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a dispatcher. It starts enabled.
func NewDispatcher(pipeline *emg.Pipeline, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		pipeline: pipeline,
		logger:   logger,
		done:     make(chan struct{}),
	}
	d.enabled.Store(true)

	return d
}

// AddSink registers a transition consumer. Call before Run.
func (d *Dispatcher) AddSink(sink Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, sink)
	d.mu.Unlock()

	d.logger.Info("dispatch sink registered", "sink", sink.Name())
}

// Run forwards transitions until the context is canceled (blocking, use goroutine)
func (d *Dispatcher) Run(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	defer close(d.done)

	ch := d.pipeline.Subscribe()
	defer d.pipeline.Unsubscribe(ch)

	d.logger.Info("dispatcher started", "sinks", len(d.sinks))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped",
				"forwarded", d.forwarded.Load(),
				"dropped", d.dropped.Load(),
			)
			return
		case tr, ok := <-ch:
			if !ok {
				return
			}

			if !d.enabled.Load() {
				d.dropped.Add(1)
				continue
			}

			d.forward(tr)
		}
	}
}

func (d *Dispatcher) forward(tr emg.Transition) {
	d.mu.Lock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.SendTransition(tr); err != nil {
			d.logger.Warn("dispatch failed",
				"sink", sink.Name(),
				"command", tr.Command.String(),
				"error", err,
			)
			continue
		}
	}

	d.forwarded.Add(1)
	d.logger.Debug("transition dispatched",
		"command", tr.Command.String(),
		"locked", tr.Locked,
	)
}

// SetEnabled toggles forwarding. Disabling releases any held command
// downstream so a game never keeps moving after the operator turns the
// controller off.
func (d *Dispatcher) SetEnabled(enabled bool) {
	was := d.enabled.Swap(enabled)
	if was == enabled {
		return
	}

	d.logger.Info("dispatch toggled", "enabled", enabled)

	if !enabled {
		d.forward(emg.Transition{Command: emg.CommandIdle})
	}
}

// Enabled reports whether transitions are being forwarded
func (d *Dispatcher) Enabled() bool {
	return d.enabled.Load()
}

// Stats returns dispatcher statistics
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	sinks := len(d.sinks)
	d.mu.Unlock()

	return Stats{
		Enabled:   d.enabled.Load(),
		Sinks:     sinks,
		Forwarded: d.forwarded.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// Stats contains dispatcher statistics
type Stats struct {
	Enabled   bool   `json:"enabled"`
	Sinks     int    `json:"sinks"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
}

// Stop stops the dispatcher and closes all sinks
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	d.mu.Lock()
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			d.logger.Warn("sink close failed", "sink", sink.Name(), "error", err)
		}
	}
	d.sinks = nil
	d.mu.Unlock()
}
