// Package uibridge connects UI surfaces to their app instance over a websocket.
//
// A surface sends {service, body}: body is a packet posted from the app's render
// endpoint to service, or to the app's own service when service is empty. Everything
// addressed to the render endpoint comes back the same way, with service left empty
// when the app's own service sent it.
package uibridge

import (
	"net/http"
	"strconv"

	"apphost/metrics"
	"apphost/packet"
	"apphost/server"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// sendQueue bounds the frames buffered for one slow surface.
const sendQueue = 256

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Surfaces are local
	},
}

// Message is one websocket frame in either direction.
type Message struct {
	Service string        `json:"service,omitempty"`
	Body    packet.Packet `json:"body"`
	Error   string        `json:"error,omitempty"`
}

// Apps looks up running app instances.
type Apps interface {
	App(id int) (*server.App, bool)
}

// Handler manages surface connections.
type Handler struct {
	apps    Apps
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Handler)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a handler resolving instances through apps.
func NewHandler(apps Apps, opts ...Option) *Handler {
	h := &Handler{apps: apps, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleConnection upgrades GET /ipc/:instance and bridges it until either side goes away.
func (h *Handler) HandleConnection(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("instance"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}
	app, ok := h.apps.App(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(
		zap.String("conn_id", uuid.NewString()),
		zap.String("app", app.Name()),
		zap.Int("instance", id),
	)
	h.metrics.UIConnection(1)
	defer h.metrics.UIConnection(-1)
	logger.Info("surface connected")

	out := make(chan Message, sendQueue)
	done := make(chan struct{})
	defer close(done)
	go h.writeLoop(conn, out, done, logger)

	detach := app.Attach(func(service string, body packet.Packet) {
		h.enqueue(out, done, Message{Service: service, Body: body}, logger)
	})
	defer detach()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}
		if !app.Post(msg.Service, msg.Body) {
			h.enqueue(out, done, Message{Service: msg.Service, Error: "service unreachable"}, logger)
		}
	}
	logger.Info("surface disconnected")
}

func (h *Handler) enqueue(out chan<- Message, done <-chan struct{}, msg Message, logger *zap.Logger) {
	select {
	case <-done:
	case out <- msg:
	default:
		logger.Warn("surface too slow, dropping message", zap.String("service", msg.Service))
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, out <-chan Message, done <-chan struct{}, logger *zap.Logger) {
	for {
		select {
		case <-done:
			return
		case msg := <-out:
			if err := conn.WriteJSON(msg); err != nil {
				logger.Warn("websocket write error", zap.Error(err))
				return
			}
		}
	}
}
