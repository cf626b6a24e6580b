package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler fans bus events out to WebSocket clients. It subscribes to the
// bus once; every connection receives the events of its plan execution.
type Handler struct {
	eventBus ports.EventBus
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	planExecutionID string
	send            chan domain.Event
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
}

// Start subscribes the handler to node status and plan events
func (h *Handler) Start(ctx context.Context) error {
	for _, topic := range []string{domain.TopicNodeStatus, domain.TopicPlan} {
		if err := h.eventBus.Subscribe(ctx, topic, h.dispatch); err != nil {
			return err
		}
	}
	return nil
}

// Clients returns the number of connected clients
func (h *Handler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Handler) dispatch(_ context.Context, event domain.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.planExecutionID != event.PlanExecutionID {
			continue
		}
		select {
		case c.send <- event:
		default:
			h.logger.Warn("client buffer full, dropping event",
				zap.String("plan_execution_id", event.PlanExecutionID),
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
		}
	}
	return nil
}

func (h *Handler) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// HandleExecutionStream streams the events of one plan execution
func (h *Handler) HandleExecutionStream(c *gin.Context) {
	planExecutionID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("websocket connection established",
		zap.String("plan_execution_id", planExecutionID),
		zap.String("client", c.ClientIP()))

	cl := &client{planExecutionID: planExecutionID, send: make(chan domain.Event, sendBuffer)}
	h.register(cl)
	defer h.unregister(cl)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// the read side only detects the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("websocket connection closed",
				zap.String("plan_execution_id", planExecutionID))
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Error("failed to write message",
					zap.String("plan_execution_id", planExecutionID),
					zap.Error(err))
				return
			}
		}
	}
}
