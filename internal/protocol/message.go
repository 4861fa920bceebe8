// Package protocol defines the WebSocket message types shared between the
// daemon, its stream clients, and the game-bridge dispatch endpoint.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Daemon → consumer messages
	TypeSignal  MessageType = "signal"  // Live EMG snapshot
	TypeCommand MessageType = "command" // Command transition
	TypeStatus  MessageType = "status"  // Daemon status
	TypeStats   MessageType = "stats"   // Pipeline statistics

	// Consumer → daemon messages
	TypeControl MessageType = "control" // Calibrate / reset / invert / dispatch toggle

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// SignalData is one live EMG snapshot for stream consumers
type SignalData struct {
	Envelope       float64 `json:"envelope"`
	RMS            float64 `json:"rms"`
	Baseline       float64 `json:"baseline"`
	SpikeThreshold float64 `json:"spike_threshold"`
	HoldThreshold  float64 `json:"hold_threshold"`
	Spiking        bool    `json:"spiking"`
	Holding        bool    `json:"holding"`
	Calibrated     bool    `json:"calibrated"`
}

// NewSignalMessage creates a signal message
func NewSignalMessage(data SignalData) (*Message, error) {
	return NewMessage(TypeSignal, data)
}

// CommandData is one command transition
type CommandData struct {
	Command string  `json:"command"`
	Locked  bool    `json:"locked"`
	At      float64 `json:"at"`
}

// NewCommandMessage creates a command transition message
func NewCommandMessage(command string, locked bool, at float64) (*Message, error) {
	return NewMessage(TypeCommand, CommandData{
		Command: command,
		Locked:  locked,
		At:      at,
	})
}

// GetCommandData extracts a command transition from a message
func (m *Message) GetCommandData() (*CommandData, error) {
	var data CommandData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Control actions accepted over the WebSocket stream and the dispatch link
const (
	ControlCalibrate       = "calibrate"
	ControlReset           = "reset"
	ControlStatus          = "status"
	ControlInvert          = "invert"
	ControlEnableDispatch  = "enable_dispatch"
	ControlDisableDispatch = "disable_dispatch"
)

// ControlRequest asks the daemon to perform a control action
type ControlRequest struct {
	Action  string `json:"action"`
	Enabled bool   `json:"enabled,omitempty"` // used by invert
}

// GetControlRequest extracts a control request from a message
func (m *Message) GetControlRequest() (*ControlRequest, error) {
	var data ControlRequest
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// StatusData summarizes daemon state for consumers
type StatusData struct {
	Calibrated      bool   `json:"calibrated"`
	Command         string `json:"command"`
	Locked          bool   `json:"locked"`
	SourceHealthy   bool   `json:"source_healthy"`
	DispatchEnabled bool   `json:"dispatch_enabled"`
}

// NewStatusMessage creates a status message
func NewStatusMessage(data StatusData) (*Message, error) {
	return NewMessage(TypeStatus, data)
}
