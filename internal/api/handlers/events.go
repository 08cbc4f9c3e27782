package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/knowledgepitt/server/internal/core"
	"github.com/knowledgepitt/server/internal/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// keepAlive pings the peer until ctx is done or a ping cannot be written.
func keepAlive(ctx context.Context, conn *websocket.Conn, mu *sync.Mutex) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Subscriptions is the observer registry the event socket attaches to.
type Subscriptions interface {
	Connect(obs notify.Observer) error
	Disconnect(id string)
}

// socketObserver forwards status events to one websocket client.
type socketObserver struct {
	id   string
	conn *websocket.Conn
	mu   *sync.Mutex
}

func (o *socketObserver) ID() string { return o.id }

func (o *socketObserver) Deliver(event core.StatusEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return o.conn.WriteJSON(event)
}

type EventsHandler struct {
	hub      Subscriptions
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewEventsHandler(hub Subscriptions, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{hub: hub, upgrader: newUpgrader(), logger: logger.With("component", "events")}
}

// JobEvents pushes every status event to the client until it disconnects.
// Clients only see events broadcast after they connect.
func (h *EventsHandler) JobEvents(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	obs := &socketObserver{id: "ws-" + uuid.New().String(), conn: conn, mu: &sync.Mutex{}}
	if err := h.hub.Connect(obs); err != nil {
		h.logger.Warn("failed to subscribe websocket", "err", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		return
	}
	defer h.hub.Disconnect(obs.ID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go keepAlive(ctx, conn, obs.mu)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// clients are not expected to send anything; reads only detect disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.logger.Debug("event subscriber left", "observer", obs.ID(), "err", err)
			return
		}
	}
}

func (h *EventsHandler) RegisterRoutes(ws *gin.RouterGroup) {
	ws.GET("/jobs", h.JobEvents)
}
