package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drixreyes/go-emg/internal/emg"
	"github.com/drixreyes/go-emg/internal/protocol"
)

func TestDefaultWSConfig(t *testing.T) {
	cfg := DefaultWSConfig()

	if cfg.ReconnectBackoff <= 0 {
		t.Error("ReconnectBackoff should be positive")
	}
	if cfg.MaxBackoff <= 0 {
		t.Error("MaxBackoff should be positive")
	}
	if cfg.PingInterval <= 0 {
		t.Error("PingInterval should be positive")
	}
}

func TestNewWSClient(t *testing.T) {
	client := NewWSClient(DefaultWSConfig(), nil)

	if client == nil {
		t.Fatal("NewWSClient returned nil")
	}
	if client.IsConnected() {
		t.Error("client should not be connected initially")
	}
}

func TestWSClient_SendTransitionNotConnected(t *testing.T) {
	client := NewWSClient(DefaultWSConfig(), nil)

	err := client.SendTransition(emg.Transition{Command: emg.CommandForward, Locked: true})
	if err == nil {
		t.Error("SendTransition should return error when not connected")
	}
}

func TestWSClient_GetStats(t *testing.T) {
	client := NewWSClient(DefaultWSConfig(), nil)

	stats := client.GetStats()
	if stats.Connected {
		t.Error("Stats.Connected should be false initially")
	}
	if stats.MessagesSent != 0 {
		t.Error("Stats.MessagesSent should be 0 initially")
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestWSClient_ConnectAndSend(t *testing.T) {
	var commandsReceived atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("Upgrade error: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			parsed, err := protocol.ParseMessage(msg)
			if err != nil {
				t.Logf("Parse error: %v", err)
				continue
			}
			if parsed.Type != protocol.TypeCommand {
				continue
			}

			data, err := parsed.GetCommandData()
			if err != nil {
				t.Logf("Command data error: %v", err)
				continue
			}
			if data.Command == "left" && data.Locked {
				commandsReceived.Add(1)
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	cfg := DefaultWSConfig()
	cfg.URL = wsURL
	cfg.ReconnectBackoff = 100 * time.Millisecond

	client := NewWSClient(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Wait for connection
	time.Sleep(200 * time.Millisecond)

	if !client.IsConnected() {
		t.Error("client should be connected")
	}

	err := client.SendTransition(emg.Transition{Command: emg.CommandLeft, Locked: true, At: 3.2})
	if err != nil {
		t.Errorf("SendTransition() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if commandsReceived.Load() != 1 {
		t.Errorf("server should have received the command, got %d", commandsReceived.Load())
	}

	stats := client.GetStats()
	if stats.MessagesSent < 1 {
		t.Errorf("MessagesSent should be at least 1, got %d", stats.MessagesSent)
	}

	client.Close()

	if client.IsConnected() {
		t.Error("client should not be connected after Close()")
	}
}

func TestWSClient_ReceiveControlRequest(t *testing.T) {
	var controlReceived atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Bridge asks the daemon to recalibrate
		msg, _ := protocol.NewMessage(protocol.TypeControl, protocol.ControlRequest{
			Action: protocol.ControlCalibrate,
		})
		data, _ := json.Marshal(msg)
		conn.WriteMessage(websocket.TextMessage, data)

		// Keep connection alive
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	cfg := DefaultWSConfig()
	cfg.URL = wsURL

	client := NewWSClient(cfg, nil)
	client.OnControlRequest(func(req protocol.ControlRequest) {
		if req.Action == protocol.ControlCalibrate {
			controlReceived.Store(true)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Connect(ctx)

	time.Sleep(300 * time.Millisecond)

	if !controlReceived.Load() {
		t.Error("control request callback should have been called")
	}

	client.Close()
}

func TestWSClient_Reconnect(t *testing.T) {
	var connectionCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connectionCount.Add(1)

		// Close after brief delay
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	cfg := DefaultWSConfig()
	cfg.URL = wsURL
	cfg.ReconnectBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond

	client := NewWSClient(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	client.Connect(ctx)

	time.Sleep(400 * time.Millisecond)

	if connectionCount.Load() < 2 {
		t.Errorf("should have reconnected at least once, got %d connections", connectionCount.Load())
	}

	client.Close()
}

func TestWSClient_NoCallbackSet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		msg, _ := protocol.NewMessage(protocol.TypeControl, protocol.ControlRequest{
			Action: protocol.ControlReset,
		})
		data, _ := json.Marshal(msg)
		conn.WriteMessage(websocket.TextMessage, data)

		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	cfg := DefaultWSConfig()
	cfg.URL = wsURL

	client := NewWSClient(cfg, nil)
	// No callback set

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Connect(ctx)
	time.Sleep(200 * time.Millisecond)

	// Must not panic on messages with no callback registered
	stats := client.GetStats()
	if stats.MessagesReceived < 1 {
		t.Error("should have received at least 1 message")
	}

	client.Close()
}
