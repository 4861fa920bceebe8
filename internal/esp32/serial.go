// Package esp32 provides access to the ESP32-S3 EMG sensing board over its
// USB serial interface.
package esp32

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
)

// DefaultBaudRate matches the stock firmware
const DefaultBaudRate = 115200

// SerialConfig configures the serial source
type SerialConfig struct {
	Port                 string
	BaudRate             uint
	MaxConsecutiveErrors int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
}

// DefaultSerialConfig returns sensible defaults
func DefaultSerialConfig(port string) SerialConfig {
	return SerialConfig{
		Port:                 port,
		BaudRate:             DefaultBaudRate,
		MaxConsecutiveErrors: 5,
		InitialBackoff:       100 * time.Millisecond,
		MaxBackoff:           5 * time.Second,
	}
}

// SerialSource reads EMG lines from the board over a serial port and
// writes control commands back. Reconnects with backoff on persistent
// read errors.
type SerialSource struct {
	logger *slog.Logger
	cfg    SerialConfig

	mu     sync.Mutex
	port   io.ReadWriteCloser
	reader *bufio.Reader
	closed bool

	// Health tracking
	healthy           bool
	consecutiveErrors int
	lastError         error
	lastErrorTime     time.Time

	// Reconnection
	reconnectBackoff time.Duration
}

// NewSerialSource opens the serial port to the sensing board
func NewSerialSource(cfg SerialConfig, logger *slog.Logger) (*SerialSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}

	s := &SerialSource{
		logger:           logger,
		cfg:              cfg,
		healthy:          true,
		reconnectBackoff: cfg.InitialBackoff,
	}

	if err := s.openPort(); err != nil {
		return nil, err
	}

	logger.Info("serial source initialized",
		"port", cfg.Port,
		"baud", cfg.BaudRate,
	)

	return s, nil
}

func (s *SerialSource) openPort() error {
	opts := serial.OpenOptions{
		PortName:        s.cfg.Port,
		BaudRate:        s.cfg.BaudRate,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
	}

	port, err := serial.Open(opts)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Port, err)
	}

	s.port = port
	s.reader = bufio.NewReader(port)
	s.healthy = true
	s.consecutiveErrors = 0

	return nil
}

// ReadLine blocks until the next line arrives from the board
func (s *SerialSource) ReadLine(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("source closed")
	}

	if s.port == nil {
		if err := s.reconnect(ctx); err != nil {
			s.mu.Unlock()
			return "", err
		}
	}
	reader := s.reader
	s.mu.Unlock()

	// The read itself runs unlocked so Close can interrupt it by closing
	// the port underneath.
	line, err := reader.ReadString('\n')
	if err != nil {
		s.recordError(err)
		return "", fmt.Errorf("serial read: %w", err)
	}

	s.recordSuccess()
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteCommand sends a control command line to the board
func (s *SerialSource) WriteCommand(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.port == nil {
		return fmt.Errorf("not connected")
	}

	if _, err := s.port.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}

	s.logger.Debug("control command sent", "command", cmd)
	return nil
}

func (s *SerialSource) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.consecutiveErrors++
	s.lastError = err
	s.lastErrorTime = time.Now()

	if s.consecutiveErrors >= s.cfg.MaxConsecutiveErrors {
		s.healthy = false
		s.logger.Warn("serial source marked unhealthy, will attempt reconnect",
			"consecutive_errors", s.consecutiveErrors,
			"last_error", err,
		)

		// Close port to force reconnect on next read
		if s.port != nil {
			s.port.Close()
			s.port = nil
			s.reader = nil
		}
	}
}

func (s *SerialSource) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consecutiveErrors > 0 {
		s.logger.Info("serial source recovered",
			"previous_errors", s.consecutiveErrors,
		)
	}
	s.consecutiveErrors = 0
	s.healthy = true
	s.reconnectBackoff = s.cfg.InitialBackoff
}

// reconnect is called with s.mu held
func (s *SerialSource) reconnect(ctx context.Context) error {
	s.logger.Info("attempting serial reconnect",
		"port", s.cfg.Port,
		"backoff", s.reconnectBackoff,
	)

	select {
	case <-time.After(s.reconnectBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.reconnectBackoff *= 2
	if s.reconnectBackoff > s.cfg.MaxBackoff {
		s.reconnectBackoff = s.cfg.MaxBackoff
	}

	if err := s.openPort(); err != nil {
		s.logger.Warn("serial reconnect failed", "error", err)
		return err
	}

	s.logger.Info("serial reconnect successful")
	return nil
}

// Close releases the serial port
func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if s.port != nil {
		s.port.Close()
		s.port = nil
		s.reader = nil
	}

	s.logger.Info("serial source closed")

	return nil
}

// Healthy returns true if the source is operational
func (s *SerialSource) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// Name returns the source type name
func (s *SerialSource) Name() string {
	return "serial"
}

// Stats returns serial source statistics
func (s *SerialSource) Stats() SerialStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr string
	if s.lastError != nil {
		lastErr = s.lastError.Error()
	}

	return SerialStats{
		Healthy:           s.healthy,
		ConsecutiveErrors: s.consecutiveErrors,
		LastError:         lastErr,
		LastErrorTime:     s.lastErrorTime,
		PortOpen:          s.port != nil,
	}
}

// SerialStats contains serial source statistics
type SerialStats struct {
	Healthy           bool      `json:"healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorTime     time.Time `json:"last_error_time,omitempty"`
	PortOpen          bool      `json:"port_open"`
}
