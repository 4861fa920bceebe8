package esp32

import (
	"testing"
	"time"
)

func TestDefaultSerialConfig(t *testing.T) {
	cfg := DefaultSerialConfig("/dev/ttyACM0")

	if cfg.Port != "/dev/ttyACM0" {
		t.Errorf("expected port /dev/ttyACM0, got %s", cfg.Port)
	}

	if cfg.BaudRate != 115200 {
		t.Errorf("expected baud rate 115200, got %d", cfg.BaudRate)
	}

	if cfg.MaxConsecutiveErrors != 5 {
		t.Errorf("expected MaxConsecutiveErrors 5, got %d", cfg.MaxConsecutiveErrors)
	}

	if cfg.InitialBackoff != 100*time.Millisecond {
		t.Errorf("expected InitialBackoff 100ms, got %v", cfg.InitialBackoff)
	}

	if cfg.MaxBackoff != 5*time.Second {
		t.Errorf("expected MaxBackoff 5s, got %v", cfg.MaxBackoff)
	}
}

func TestSerialStats(t *testing.T) {
	stats := SerialStats{
		Healthy:           true,
		ConsecutiveErrors: 0,
		PortOpen:          true,
	}

	if !stats.Healthy {
		t.Error("expected healthy")
	}

	if stats.ConsecutiveErrors != 0 {
		t.Error("expected 0 errors")
	}

	if !stats.PortOpen {
		t.Error("expected port open")
	}
}

// Note: full integration tests require the actual sensing board on a serial
// port. These tests verify configuration and the mock path only.

func TestNewSerialSource_MissingPort(t *testing.T) {
	cfg := DefaultSerialConfig("/dev/does-not-exist")

	if _, err := NewSerialSource(cfg, nil); err == nil {
		t.Error("expected error opening a missing port")
	}
}
