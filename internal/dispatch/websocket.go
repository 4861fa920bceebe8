package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drixreyes/go-emg/internal/emg"
	"github.com/drixreyes/go-emg/internal/protocol"
)

// WSConfig holds game-bridge WebSocket client configuration
type WSConfig struct {
	URL              string        // WebSocket URL (e.g., "ws://localhost:8080/ws/emg")
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Ping interval for keepalive
	WriteTimeout     time.Duration // Write timeout
}

// DefaultWSConfig returns sensible defaults
func DefaultWSConfig() WSConfig {
	return WSConfig{
		URL:              "ws://localhost:8080/ws/emg",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// WSClient maintains a WebSocket connection to the game bridge and sends
// command transitions over it. The bridge can send control requests back
// (calibrate, reset), delivered via callback.
type WSClient struct {
	cfg    WSConfig
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc

	onControlRequest func(protocol.ControlRequest)

	// Stats
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	reconnects       atomic.Uint64
}

// NewWSClient creates a new game-bridge client
func NewWSClient(cfg WSConfig, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}

	return &WSClient{
		cfg:    cfg,
		logger: logger,
	}
}

// OnControlRequest sets the callback for control requests from the bridge
func (c *WSClient) OnControlRequest(callback func(protocol.ControlRequest)) {
	c.mu.Lock()
	c.onControlRequest = callback
	c.mu.Unlock()
}

// Connect establishes the WebSocket connection in the background
func (c *WSClient) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	go c.connectionLoop(ctx)
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (c *WSClient) connectionLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("bridge connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			// Exponential backoff
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		// Reset backoff on successful connection
		backoff = c.cfg.ReconnectBackoff

		// Read messages until error
		c.readLoop(ctx)
	}
}

// connect establishes the WebSocket connection
func (c *WSClient) connect(ctx context.Context) error {
	c.logger.Info("connecting to game bridge", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to game bridge")

	// Start ping goroutine
	go c.pingLoop(ctx)

	return nil
}

// pingLoop sends periodic pings
func (c *WSClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.conn == nil {
				c.mu.Unlock()
				return
			}
			conn := c.conn
			c.mu.Unlock()

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads messages from the bridge
func (c *WSClient) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("read error", "error", err)
			c.closeConnection()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(data)
	}
}

// handleMessage processes incoming messages
func (c *WSClient) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	c.mu.Lock()
	controlCb := c.onControlRequest
	c.mu.Unlock()

	switch msg.Type {
	case protocol.TypeControl:
		if controlCb != nil {
			req, err := msg.GetControlRequest()
			if err == nil {
				controlCb(*req)
			}
		}

	case protocol.TypePing:
		// Respond with pong
		pong := &protocol.Message{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()}
		c.SendMessage(pong)
	}
}

// SendMessage sends a message to the bridge
func (c *WSClient) SendMessage(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn("send error", "error", err)
		c.closeConnection()
		return fmt.Errorf("write: %w", err)
	}

	c.messagesSent.Add(1)
	return nil
}

// SendTransition sends a command transition to the bridge
func (c *WSClient) SendTransition(tr emg.Transition) error {
	msg, err := protocol.NewCommandMessage(tr.Command.String(), tr.Locked, tr.At)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

// Name returns the sink name
func (c *WSClient) Name() string {
	return "websocket"
}

// closeConnection closes the WebSocket connection
func (c *WSClient) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts down the client
func (c *WSClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConnection()
	return nil
}

// IsConnected returns connection status
func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WSStats contains client statistics
type WSStats struct {
	Connected        bool   `json:"connected"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	Reconnects       uint64 `json:"reconnects"`
}

// GetStats returns client statistics
func (c *WSClient) GetStats() WSStats {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	return WSStats{
		Connected:        connected,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}
