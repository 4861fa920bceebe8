package esp32

import (
	"log/slog"

	"github.com/drixreyes/go-emg/internal/emg"
)

// NewSource opens the serial port to the sensing board
func NewSource(cfg SerialConfig, logger *slog.Logger) (emg.Source, error) {
	src, err := NewSerialSource(cfg, logger)
	if err != nil {
		logger.Warn("serial source unavailable",
			"port", cfg.Port,
			"error", err,
			"hint", "check the port name and that the board is plugged in",
		)
		return nil, err
	}

	return src, nil
}

// NewSourceWithFallback opens the serial port, falling back to the
// waveform mock when no hardware is available. Use for development.
func NewSourceWithFallback(cfg SerialConfig, logger *slog.Logger) emg.Source {
	source, err := NewSource(cfg, logger)
	if err == nil {
		return source
	}

	logger.Warn("using mock EMG source - no hardware available")
	return NewMockSourceWithWave()
}
