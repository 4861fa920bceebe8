package protocol

import (
	"testing"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypePing, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Type != TypePing {
		t.Errorf("expected type ping, got %s", msg.Type)
	}
	if msg.Timestamp == 0 {
		t.Error("expected timestamp to be set")
	}
	if msg.Data != nil {
		t.Error("expected nil data for ping")
	}
}

func TestCommandMessageRoundTrip(t *testing.T) {
	msg, err := NewCommandMessage("left", true, 12.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Type != TypeCommand {
		t.Errorf("expected type command, got %s", parsed.Type)
	}

	data, err := parsed.GetCommandData()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Command != "left" || !data.Locked || data.At != 12.5 {
		t.Errorf("unexpected command data: %+v", data)
	}
}

func TestSignalMessageRoundTrip(t *testing.T) {
	msg, err := NewSignalMessage(SignalData{
		Envelope:       2100,
		RMS:            210,
		Baseline:       2000,
		SpikeThreshold: 150,
		HoldThreshold:  60,
		Holding:        true,
		Calibrated:     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var data SignalData
	if err := parsed.ParseData(&data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Baseline != 2000 || !data.Holding || !data.Calibrated {
		t.Errorf("unexpected signal data: %+v", data)
	}
}

func TestControlRequestRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeControl, ControlRequest{Action: ControlInvert, Enabled: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req, err := parsed.GetControlRequest()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Action != ControlInvert || !req.Enabled {
		t.Errorf("unexpected control request: %+v", req)
	}
}

func TestStatusMessage(t *testing.T) {
	msg, err := NewStatusMessage(StatusData{
		Calibrated:      true,
		Command:         "forward",
		Locked:          true,
		SourceHealthy:   true,
		DispatchEnabled: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var data StatusData
	if err := msg.ParseData(&data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Command != "forward" || !data.Calibrated {
		t.Errorf("unexpected status data: %+v", data)
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	if _, err := ParseMessage([]byte("not json")); err == nil {
		t.Error("expected error parsing invalid message")
	}
}
