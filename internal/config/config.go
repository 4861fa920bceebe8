// Package config provides configuration management for go-emg
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Signal   SignalConfig   `mapstructure:"signal"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// SerialConfig configures the link to the sensing board
type SerialConfig struct {
	Port           string        `mapstructure:"port"`
	BaudRate       uint          `mapstructure:"baud_rate"`
	MaxErrors      int           `mapstructure:"max_errors"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// SignalConfig configures the tracker and classifier
type SignalConfig struct {
	BaselineAlpha  float64 `mapstructure:"baseline_alpha"`
	HoldRatio      float64 `mapstructure:"hold_ratio"`
	Invert         bool    `mapstructure:"invert"`
	SpikeWindowS   float64 `mapstructure:"spike_window_s"`
	SpikeRetainS   float64 `mapstructure:"spike_retain_s"`
	HoldDelayS     float64 `mapstructure:"hold_delay_s"`
	HoldLockS      float64 `mapstructure:"hold_lock_s"`
	HistorySize    int     `mapstructure:"history_size"`
	NearSpikeRatio float64 `mapstructure:"near_spike_ratio"`
}

// DispatchConfig configures outbound command forwarding
type DispatchConfig struct {
	Enabled bool `mapstructure:"enabled"`

	BridgeURL string `mapstructure:"bridge_url"` // empty disables the WebSocket sink

	MQTTBroker      string `mapstructure:"mqtt_broker"` // empty disables the MQTT sink
	MQTTClientID    string `mapstructure:"mqtt_client_id"`
	MQTTTopicPrefix string `mapstructure:"mqtt_topic_prefix"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9100,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Serial: SerialConfig{
			Port:           "/dev/ttyACM0",
			BaudRate:       115200,
			MaxErrors:      5,
			ReconnectDelay: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Signal: SignalConfig{
			BaselineAlpha:  0.05,
			HoldRatio:      0.4,
			SpikeWindowS:   0.5,
			SpikeRetainS:   2.0,
			HoldDelayS:     0.25,
			HoldLockS:      0.6,
			HistorySize:    200,
			NearSpikeRatio: 0.7,
		},
		Dispatch: DispatchConfig{
			Enabled:         true,
			MQTTClientID:    "go-emg",
			MQTTTopicPrefix: "emg",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			// Config file not found is okay, use defaults
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				// Only warn, don't fail - we have defaults
				fmt.Printf("Warning: config file not found at %s, using defaults\n", path)
			}
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("GOEMG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 9100)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.graceful_timeout", "5s")

	// Serial defaults
	v.SetDefault("serial.port", "/dev/ttyACM0")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.max_errors", 5)
	v.SetDefault("serial.reconnect_delay", "100ms")
	v.SetDefault("serial.max_backoff", "5s")

	// Signal defaults
	v.SetDefault("signal.baseline_alpha", 0.05)
	v.SetDefault("signal.hold_ratio", 0.4)
	v.SetDefault("signal.invert", false)
	v.SetDefault("signal.spike_window_s", 0.5)
	v.SetDefault("signal.spike_retain_s", 2.0)
	v.SetDefault("signal.hold_delay_s", 0.25)
	v.SetDefault("signal.hold_lock_s", 0.6)
	v.SetDefault("signal.history_size", 200)
	v.SetDefault("signal.near_spike_ratio", 0.7)

	// Dispatch defaults
	v.SetDefault("dispatch.enabled", true)
	v.SetDefault("dispatch.bridge_url", "")
	v.SetDefault("dispatch.mqtt_broker", "")
	v.SetDefault("dispatch.mqtt_client_id", "go-emg")
	v.SetDefault("dispatch.mqtt_topic_prefix", "emg")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Serial.Port == "" {
		return fmt.Errorf("serial port must be set")
	}

	if c.Signal.BaselineAlpha <= 0 || c.Signal.BaselineAlpha >= 1 {
		return fmt.Errorf("baseline_alpha must be in (0,1), got %f", c.Signal.BaselineAlpha)
	}

	if c.Signal.HoldRatio <= 0 || c.Signal.HoldRatio > 1 {
		return fmt.Errorf("hold_ratio must be in (0,1], got %f", c.Signal.HoldRatio)
	}

	if c.Signal.SpikeWindowS <= 0 || c.Signal.SpikeWindowS > c.Signal.SpikeRetainS {
		return fmt.Errorf("spike_window_s must be positive and no larger than spike_retain_s")
	}

	if c.Signal.HoldDelayS <= 0 || c.Signal.HoldLockS <= 0 {
		return fmt.Errorf("hold_delay_s and hold_lock_s must be positive")
	}

	return nil
}
