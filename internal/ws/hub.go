// Package ws provides real-time WebSocket channels: device command
// channels keyed by device ID, and operator event streams.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when sending to a device with no live channel.
var ErrNotConnected = errors.New("device has no active websocket channel")

// Client represents a connected WebSocket client.
// Device clients carry a deviceID; operator clients carry a userID.
type Client struct {
	conn     *websocket.Conn
	deviceID string
	userID   string
	send     chan Message
	logger   *zap.Logger
}

// Hub manages active WebSocket connections. Device connections are
// indexed by device ID for directed command delivery; operator
// connections receive broadcast events.
type Hub struct {
	mu        sync.RWMutex
	devices   map[string]*Client // device_id -> channel
	operators map[*Client]struct{}
	logger    *zap.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		devices:   make(map[string]*Client),
		operators: make(map[*Client]struct{}),
		logger:    logger,
	}
}

// RegisterDevice adds a device channel. A reconnect replaces the previous
// channel for the same device ID.
func (h *Hub) RegisterDevice(c *Client) {
	h.mu.Lock()
	if prev, ok := h.devices[c.deviceID]; ok {
		close(prev.send)
	}
	h.devices[c.deviceID] = c
	h.mu.Unlock()
	h.logger.Debug("device channel connected", zap.String("device_id", c.deviceID))
}

// UnregisterDevice removes a device channel if it is still the current one.
func (h *Hub) UnregisterDevice(c *Client) {
	h.mu.Lock()
	if cur, ok := h.devices[c.deviceID]; ok && cur == c {
		delete(h.devices, c.deviceID)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug("device channel disconnected", zap.String("device_id", c.deviceID))
}

// RegisterOperator adds an operator event stream.
func (h *Hub) RegisterOperator(c *Client) {
	h.mu.Lock()
	h.operators[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("operator stream connected", zap.String("user_id", c.userID))
}

// UnregisterOperator removes an operator stream and closes its send channel.
func (h *Hub) UnregisterOperator(c *Client) {
	h.mu.Lock()
	if _, ok := h.operators[c]; ok {
		delete(h.operators, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug("operator stream disconnected", zap.String("user_id", c.userID))
}

// Connected reports whether a device has a live channel.
func (h *Hub) Connected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.devices[deviceID]
	return ok
}

// SendToDevice queues a message on a device's channel. The send happens
// under the read lock: a reconnect closes the previous channel under the
// write lock, so releasing before the send would race against that close.
func (h *Hub) SendToDevice(deviceID string, msg Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.devices[deviceID]
	if !ok {
		return ErrNotConnected
	}

	select {
	case c.send <- msg:
		return nil
	default:
		h.logger.Warn("device send buffer full, dropping message",
			zap.String("device_id", deviceID))
		return ErrNotConnected
	}
}

// Broadcast sends a message to all connected operator streams.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.operators {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("operator send buffer full, dropping message",
				zap.String("user_id", c.userID))
		}
	}
}

// DeviceCount returns the number of connected device channels.
func (h *Hub) DeviceCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// OperatorCount returns the number of connected operator streams.
func (h *Hub) OperatorCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.operators)
}

// writePump sends messages from the client's send channel to the WebSocket.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				// Channel closed by hub (unregister).
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := wsjson.Write(writeCtx, c.conn, msg); err != nil {
				cancel()
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}
			cancel()
		}
	}
}

// readPump reads from the WebSocket to detect client disconnect.
// We don't expect client-to-server messages, so we just drain.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}
