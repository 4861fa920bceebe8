package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/drixreyes/go-emg/internal/emg"
)

// MQTTConfig holds broker settings for the MQTT sink
type MQTTConfig struct {
	Broker      string // e.g. "tcp://localhost:1883"
	ClientID    string
	TopicPrefix string // transitions go to <prefix>/command
}

// DefaultMQTTConfig returns sensible defaults
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:      "tcp://localhost:1883",
		ClientID:    "go-emg",
		TopicPrefix: "emg",
	}
}

// MQTTSink publishes command transitions to an MQTT broker. The latest
// command is retained on <prefix>/command so late subscribers see the
// current state immediately.
type MQTTSink struct {
	cfg    MQTTConfig
	logger *slog.Logger
	client mqtt.Client
}

// NewMQTTSink connects to the broker
func NewMQTTSink(cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	logger.Info("mqtt sink connected", "broker", cfg.Broker)

	return &MQTTSink{
		cfg:    cfg,
		logger: logger,
		client: client,
	}, nil
}

// SendTransition publishes a command transition
func (s *MQTTSink) SendTransition(tr emg.Transition) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("mqtt marshal: %w", err)
	}

	topic := s.cfg.TopicPrefix + "/command"
	token := s.client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("mqtt publish: %w", token.Error())
	}

	return nil
}

// Name returns the sink name
func (s *MQTTSink) Name() string {
	return "mqtt"
}

// Close disconnects from the broker
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	s.logger.Info("mqtt sink closed")
	return nil
}
