package esp32

import (
	"context"
	"testing"
	"time"

	"github.com/drixreyes/go-emg/internal/emg"
)

func TestMockSource_FeedLine(t *testing.T) {
	m := NewMockSource()

	m.FeedLine("2000,200,150,1")

	line, err := m.ReadLine(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if line != "2000,200,150,1" {
		t.Errorf("unexpected line: %q", line)
	}
}

func TestMockSource_FeedSampleParses(t *testing.T) {
	m := NewMockSource()

	m.FeedSample(2048.5, 204.8, 150, true)

	line, err := m.ReadLine(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, err := emg.ParseLine(line, 1.0)
	if err != nil {
		t.Fatalf("fed sample must parse: %v", err)
	}
	if s.Envelope != 2048.5 || !s.Active {
		t.Errorf("unexpected sample: %+v", s)
	}
}

func TestMockSource_ReadLineCancellation(t *testing.T) {
	m := NewMockSource()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.ReadLine(ctx)
	if err == nil {
		t.Error("expected error on cancelled read")
	}
}

func TestMockSource_CommandsRecorded(t *testing.T) {
	m := NewMockSource()

	if err := m.WriteCommand(emg.ControlCalibrate); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.WriteCommand(emg.ControlReset); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cmds := m.Commands()
	if len(cmds) != 2 || cmds[0] != emg.ControlCalibrate || cmds[1] != emg.ControlReset {
		t.Errorf("unexpected recorded commands: %v", cmds)
	}
}

func TestMockSource_Health(t *testing.T) {
	m := NewMockSource()

	if !m.Healthy() {
		t.Error("expected healthy by default")
	}

	m.SetHealthy(false)
	if m.Healthy() {
		t.Error("expected unhealthy after SetHealthy(false)")
	}
}

func TestMockSource_WaveLinesParse(t *testing.T) {
	m := NewMockSourceWithWave()
	m.rate = time.Millisecond

	for i := 0; i < 5; i++ {
		line, err := m.ReadLine(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		s, err := emg.ParseLine(line, 0)
		if err != nil {
			t.Fatalf("wave line %q must parse: %v", line, err)
		}
		if s.Deviation <= 0 {
			t.Errorf("wave stream should look calibrated, got deviation %f", s.Deviation)
		}
	}
}
