package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/drixreyes/go-emg/internal/emg"
	"github.com/drixreyes/go-emg/internal/protocol"
)

// WSHub manages WebSocket connections and broadcasts signal frames and
// command transitions
type WSHub struct {
	pipeline *emg.Pipeline
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(pipeline *emg.Pipeline, logger *slog.Logger) *WSHub {
	return &WSHub{
		pipeline: pipeline,
		logger:   logger,
		clients:  make(map[*websocket.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Run starts the broadcast loop
func (h *WSHub) Run(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	defer close(h.done)

	ticker := time.NewTicker(100 * time.Millisecond) // matches the board's 10Hz stream
	defer ticker.Stop()

	var lastCommand emg.Command
	var lastLocked bool

	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return
		case <-ticker.C:
			if h.pipeline == nil {
				continue
			}

			snap := h.pipeline.GetLatest()

			// Broadcast signal frame to all clients
			msg, err := protocol.NewSignalMessage(protocol.SignalData{
				Envelope:       snap.Envelope,
				RMS:            snap.RMS,
				Baseline:       snap.Baseline,
				SpikeThreshold: snap.SpikeThreshold,
				HoldThreshold:  snap.HoldThreshold,
				Spiking:        snap.Spiking,
				Holding:        snap.Holding,
				Calibrated:     snap.Calibrated,
			})
			if err == nil {
				h.broadcast(msg)
			}

			// Immediate command change notification
			if snap.Command != lastCommand || snap.Locked != lastLocked {
				cmdMsg, err := protocol.NewCommandMessage(snap.Command.String(), snap.Locked, snap.Timestamp)
				if err == nil {
					h.broadcast(cmdMsg)
				}
				lastCommand = snap.Command
				lastLocked = snap.Locked

				h.logger.Debug("command change",
					"command", snap.Command.String(),
					"locked", snap.Locked,
				)
			}
		}
	}
}

func (h *WSHub) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// Will be cleaned up when connection closes
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	// Middleware to check if request is a WebSocket upgrade
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the EMG stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	// Keep connection alive, read for close or commands
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			// Connection closed
			break
		}

		h.handleCommand(c, msg)
	}
}

func (h *WSHub) handleCommand(c *websocket.Conn, raw []byte) {
	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		c.WriteJSON(protocol.Message{Type: protocol.TypePong, Timestamp: time.Now().Unix()})

	case protocol.TypeStats:
		if h.pipeline != nil {
			stats, err := protocol.NewMessage(protocol.TypeStats, h.pipeline.Stats())
			if err == nil {
				c.WriteJSON(stats)
			}
		}

	case protocol.TypeControl:
		req, err := msg.GetControlRequest()
		if err != nil || h.pipeline == nil {
			return
		}

		switch req.Action {
		case protocol.ControlCalibrate:
			h.pipeline.Calibrate()
		case protocol.ControlReset:
			h.pipeline.Reset()
		case protocol.ControlStatus:
			h.pipeline.RequestStatus()
		case protocol.ControlInvert:
			h.pipeline.SetInvert(req.Enabled)
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}

	// Close all client connections
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()
}
