package emg

import (
	"context"
	"testing"
	"time"
)

// stubSource is a minimal in-package Source for driving Process directly.
type stubSource struct {
	lines    chan string
	commands []string
	healthy  bool
}

func newStubSource() *stubSource {
	return &stubSource{lines: make(chan string, 64), healthy: true}
}

func (s *stubSource) ReadLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line := <-s.lines:
		return line, nil
	}
}

func (s *stubSource) WriteCommand(cmd string) error {
	s.commands = append(s.commands, cmd)
	return nil
}

func (s *stubSource) Close() error { return nil }

func (s *stubSource) Healthy() bool { return s.healthy }

func (s *stubSource) Name() string { return "stub" }

type testClock struct {
	now float64
}

func (c *testClock) fn() func() float64 { return func() float64 { return c.now } }

func newTestPipeline(t *testing.T) (*Pipeline, *stubSource, *testClock) {
	t.Helper()

	src := newStubSource()
	clock := &testClock{}
	p := NewPipeline(src, DefaultPipelineConfig(), nil)
	p.SetClock(clock.fn())
	return p, src, clock
}

func TestPipeline_ProcessUpdatesSnapshot(t *testing.T) {
	p, _, clock := newTestPipeline(t)

	clock.now = 1.0
	p.Process("2000,200,150,0")

	snap := p.GetLatest()
	if !snap.Calibrated {
		t.Error("expected calibrated snapshot")
	}
	if snap.Baseline != 2000 {
		t.Errorf("expected baseline 2000, got %f", snap.Baseline)
	}
	if snap.SpikeThreshold != 150 {
		t.Errorf("expected spike threshold 150, got %f", snap.SpikeThreshold)
	}
	if snap.HoldThreshold != 60 {
		t.Errorf("expected hold threshold 60, got %f", snap.HoldThreshold)
	}
	if snap.Timestamp != 1.0 {
		t.Errorf("expected ingestion timestamp 1.0, got %f", snap.Timestamp)
	}
	if snap.Command != CommandIdle {
		t.Errorf("expected idle command, got %v", snap.Command)
	}
}

func TestPipeline_DeviceLinesPassThrough(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	p.Process("EMG Controller Ready")
	p.Process("Calibrating... keep arm relaxed")
	p.Process("2000,200,0,0")

	stats := p.Stats()
	if stats.DeviceLineCount != 2 {
		t.Errorf("expected 2 device lines, got %d", stats.DeviceLineCount)
	}
	if stats.SampleCount != 1 {
		t.Errorf("expected 1 sample, got %d", stats.SampleCount)
	}
}

func TestPipeline_MalformedLinesDiscarded(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	p.Process("NaN,200,150,0")

	stats := p.Stats()
	if stats.DiscardCount != 1 {
		t.Errorf("expected 1 discard, got %d", stats.DiscardCount)
	}
	if stats.SampleCount != 0 {
		t.Errorf("expected 0 samples, got %d", stats.SampleCount)
	}
}

func TestPipeline_GestureToTransition(t *testing.T) {
	p, _, clock := newTestPipeline(t)

	sub := p.Subscribe()
	defer p.Unsubscribe(sub)

	// Calibrated relaxed stream, then a single quick spike.
	clock.now = 0.0
	p.Process("2000,200,150,0")
	clock.now = 0.1
	p.Process("2400,240,150,1")
	clock.now = 0.2
	p.Process("2000,200,150,0")
	clock.now = 0.4
	p.Process("2000,200,150,0")

	select {
	case tr := <-sub:
		if tr.Command != CommandForward || !tr.Locked {
			t.Errorf("expected locked forward, got %v locked=%t", tr.Command, tr.Locked)
		}
	default:
		t.Fatal("expected a transition on the subscriber channel")
	}

	snap := p.GetLatest()
	if snap.Command != CommandForward || !snap.Locked {
		t.Errorf("expected forward snapshot, got %v locked=%t", snap.Command, snap.Locked)
	}

	stats := p.Stats()
	if stats.TransitionCount != 1 {
		t.Errorf("expected 1 transition, got %d", stats.TransitionCount)
	}
	if stats.Command != "forward" {
		t.Errorf("expected forward in stats, got %q", stats.Command)
	}
}

func TestPipeline_CalibrateWritesCommand(t *testing.T) {
	p, src, _ := newTestPipeline(t)

	if err := p.Calibrate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(src.commands) != 1 || src.commands[0] != ControlCalibrate {
		t.Errorf("expected CALIBRATE written to source, got %v", src.commands)
	}
}

func TestPipeline_ResetClearsStateAndReleases(t *testing.T) {
	p, src, clock := newTestPipeline(t)

	sub := p.Subscribe()
	defer p.Unsubscribe(sub)

	// Establish a forward command.
	clock.now = 0.0
	p.Process("2000,200,150,0")
	clock.now = 0.1
	p.Process("2400,240,150,1")
	clock.now = 0.2
	p.Process("2000,200,150,0")
	clock.now = 0.4
	p.Process("2000,200,150,0")
	<-sub

	clock.now = 1.0
	if err := p.Reset(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(src.commands) != 1 || src.commands[0] != ControlReset {
		t.Errorf("expected RESET written to source, got %v", src.commands)
	}

	select {
	case tr := <-sub:
		if tr.Command != CommandIdle {
			t.Errorf("expected release transition, got %v", tr.Command)
		}
	default:
		t.Fatal("expected release transition after reset")
	}

	snap := p.GetLatest()
	if snap.Calibrated || snap.Command != CommandIdle {
		t.Errorf("expected cleared snapshot, got %+v", snap)
	}

	stats := p.Stats()
	if stats.Calibrated {
		t.Error("expected uncalibrated after reset")
	}
}

func TestPipeline_RequestStatus(t *testing.T) {
	p, src, _ := newTestPipeline(t)

	if err := p.RequestStatus(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(src.commands) != 1 || src.commands[0] != ControlStatus {
		t.Errorf("expected STATUS written to source, got %v", src.commands)
	}
}

func TestPipeline_HistoryBounded(t *testing.T) {
	src := newStubSource()
	cfg := DefaultPipelineConfig()
	cfg.HistorySize = 5
	p := NewPipeline(src, cfg, nil)
	clock := &testClock{}
	p.SetClock(clock.fn())

	for i := 0; i < 20; i++ {
		clock.now = float64(i) * 0.1
		p.Process("2000,200,150,0")
	}

	if stats := p.Stats(); stats.HistorySize != 5 {
		t.Errorf("expected history capped at 5, got %d", stats.HistorySize)
	}
}

func TestPipeline_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	p, _, clock := newTestPipeline(t)

	sub := p.Subscribe()
	defer p.Unsubscribe(sub)

	// More transitions than the channel buffers: alternate forward/backward
	// commits far apart so each spike run decides independently.
	for i := 0; i < 40; i++ {
		base := float64(i) * 10
		clock.now = base
		p.Process("2000,200,150,0")
		clock.now = base + 0.1
		p.Process("2400,240,150,1")
		clock.now = base + 0.2
		p.Process("2000,200,150,0")
		clock.now = base + 0.5
		p.Process("2000,200,150,0")
	}

	// No deadlock is the real assertion; the channel holds at most its buffer.
	if n := len(sub); n > 16 {
		t.Errorf("subscriber channel over capacity: %d", n)
	}
}

func TestPipeline_RunStop(t *testing.T) {
	p, src, clock := newTestPipeline(t)

	go p.Run(context.Background())

	clock.now = 0.0
	src.lines <- "2000,200,150,0"

	deadline := time.After(time.Second)
	for p.Stats().SampleCount == 0 {
		select {
		case <-deadline:
			t.Fatal("pipeline never consumed the line")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.Stop()

	// Stop closed subscriber channels and the run loop exited; a second
	// Stop must be safe.
	p.Stop()
}
