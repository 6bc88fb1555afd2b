package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/internal/auth"
	"github.com/signalfleet/signalfleet/internal/dispatch"
	"github.com/signalfleet/signalfleet/internal/fleet"
	"github.com/signalfleet/signalfleet/internal/liveness"
	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// Handler provides the WebSocket endpoints: device command channels and
// operator event streams.
type Handler struct {
	hub    *Hub
	tokens *auth.TokenService
	bus    plugin.EventBus
	logger *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler and subscribes to fleet events.
func NewHandler(tokens *auth.TokenService, bus plugin.EventBus, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:    NewHub(logger),
		tokens: tokens,
		bus:    bus,
		logger: logger,
	}
	h.subscribeToEvents()
	return h
}

// Hub exposes the connection hub for composition wiring.
func (h *Handler) Hub() *Hub { return h.hub }

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/device", h.handleDeviceChannel)
	mux.HandleFunc("GET /api/v1/ws/events", h.handleEventStream)
}

// handleDeviceChannel upgrades a device agent connection. Commands for the
// device are pushed down this channel while it stays open.
func (h *Handler) handleDeviceChannel(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "missing device_id parameter", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:     conn,
		deviceID: deviceID,
		send:     make(chan Message, 256),
		logger:   h.logger,
	}
	h.hub.RegisterDevice(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	// readPump blocks until the device disconnects.
	client.readPump(ctx)

	h.hub.UnregisterDevice(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// handleEventStream upgrades an operator connection and streams fleet
// events. The JWT rides a query parameter because the browser WS API
// cannot set headers.
func (h *Handler) handleEventStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token parameter", http.StatusUnauthorized)
		return
	}
	claims, err := h.tokens.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		userID: claims.UserID,
		send:   make(chan Message, 256),
		logger: h.logger,
	}
	h.hub.RegisterOperator(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	client.readPump(ctx)

	h.hub.UnregisterOperator(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// subscribeToEvents forwards fleet, liveness, and dispatch events to
// connected operator streams.
func (h *Handler) subscribeToEvents() {
	if h.bus == nil {
		return
	}

	h.bus.Subscribe(fleet.TopicDeviceRegistered, func(_ context.Context, event plugin.Event) {
		devEvent, ok := event.Payload.(fleet.DeviceEvent)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageDeviceRegistered,
			DeviceID:  devEvent.Device.DeviceID,
			Timestamp: event.Timestamp,
			Data:      DeviceRegisteredData{Device: devEvent.Device},
		})
	})

	h.bus.Subscribe(fleet.TopicDeviceStatusChanged, func(_ context.Context, event plugin.Event) {
		statusEvent, ok := event.Payload.(fleet.StatusEvent)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageDeviceStatus,
			DeviceID:  statusEvent.DeviceID,
			Timestamp: event.Timestamp,
			Data: DeviceStatusData{
				Status:   statusEvent.Current,
				LastSeen: statusEvent.LastSeen,
			},
		})
	})

	h.bus.Subscribe(liveness.TopicDeviceUnreachable, func(_ context.Context, event plugin.Event) {
		unreachable, ok := event.Payload.(liveness.UnreachableEvent)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageDeviceOffline,
			DeviceID:  unreachable.DeviceID,
			Timestamp: event.Timestamp,
			Data:      map[string]any{"error": unreachable.Error},
		})
	})

	h.bus.Subscribe(dispatch.TopicJobCompleted, func(_ context.Context, event plugin.Event) {
		jobEvent, ok := event.Payload.(dispatch.JobEvent)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageJobCompleted,
			Timestamp: event.Timestamp,
			Data: JobCompletedData{
				JobID:     jobEvent.JobID,
				Succeeded: jobEvent.Succeeded,
				Failed:    jobEvent.Failed,
			},
		})
	})

	h.logger.Info("subscribed to fleet events for WebSocket broadcasting")
}

// SendCommand pushes a command down a device's live channel. Implements
// the delivery interface the dispatch module expects.
func (h *Handler) SendCommand(ctx context.Context, deviceID, command string, params map[string]any, jobID string) error {
	return h.hub.SendToDevice(deviceID, Message{
		Type:      MessageCommand,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Data: CommandData{
			Command: command,
			Params:  params,
			JobID:   jobID,
		},
	})
}

// Connected reports whether a device has a live channel.
func (h *Handler) Connected(deviceID string) bool {
	return h.hub.Connected(deviceID)
}
