package esp32

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// MockSource is a scriptable EMG source for testing and hardware-free runs
type MockSource struct {
	mu       sync.Mutex
	healthy  bool
	commands []string

	lines chan string

	// Waveform simulation
	simulate  bool
	startTime time.Time
	rate      time.Duration
}

// NewMockSource creates a mock source fed manually via FeedLine/FeedSample
func NewMockSource() *MockSource {
	return &MockSource{
		healthy: true,
		lines:   make(chan string, 64),
	}
}

// NewMockSourceWithWave creates a mock that emits a synthetic calibrated
// EMG stream at 10 Hz: a slow resting drift with a flex every few seconds.
func NewMockSourceWithWave() *MockSource {
	return &MockSource{
		healthy:   true,
		lines:     make(chan string, 64),
		simulate:  true,
		startTime: time.Now(),
		rate:      100 * time.Millisecond,
	}
}

// ReadLine returns the next scripted or simulated line
func (m *MockSource) ReadLine(ctx context.Context) (string, error) {
	if m.simulate {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.rate):
			return m.waveLine(), nil
		}
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-m.lines:
		if !ok {
			return "", fmt.Errorf("source closed")
		}
		return line, nil
	}
}

func (m *MockSource) waveLine() string {
	elapsed := time.Since(m.startTime).Seconds()

	// Resting envelope around 2048 (12-bit ADC midpoint) with mild drift.
	envelope := 2048.0 + 8.0*math.Sin(elapsed/3.0)
	state := 0

	// A one-second flex every five seconds.
	if math.Mod(elapsed, 5.0) < 1.0 {
		envelope += 400.0
		state = 1
	}

	rms := envelope * 0.7
	threshold := 150.0 // pretend the firmware calibrated already

	return fmt.Sprintf("%.1f,%.1f,%.1f,%d", envelope, rms, threshold, state)
}

// FeedLine queues a raw line for the next ReadLine
func (m *MockSource) FeedLine(line string) {
	m.lines <- line
}

// FeedSample queues a well-formed EMG sample line
func (m *MockSource) FeedSample(envelope, rms, threshold float64, active bool) {
	state := 0
	if active {
		state = 1
	}
	m.FeedLine(fmt.Sprintf("%f,%f,%f,%d", envelope, rms, threshold, state))
}

// WriteCommand records the control command
func (m *MockSource) WriteCommand(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
	return nil
}

// Commands returns the control commands written so far
func (m *MockSource) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Close releases resources
func (m *MockSource) Close() error {
	return nil
}

// Healthy returns true if the source is operational
func (m *MockSource) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// SetHealthy sets the mock health state
func (m *MockSource) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// Name returns the source type name
func (m *MockSource) Name() string {
	return "mock"
}
