package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/knowledgepitt/server/internal/core"
	"github.com/knowledgepitt/server/internal/llm"
	"github.com/knowledgepitt/server/internal/rag"
)

// Querier answers questions against the knowledge store.
type Querier interface {
	Query(ctx context.Context, question, mode string) (<-chan llm.Chunk, error)
	Answer(ctx context.Context, question, mode string) (string, error)
}

type QueryRequest struct {
	Query string `json:"query" binding:"required"`
	Mode  string `json:"mode"`
}

type QueryResponse struct {
	Answer string `json:"answer"`
	Mode   string `json:"mode"`
}

const (
	FrameChunk = "chunk"
	FrameEnd   = "end"
	FrameError = "error"
)

// ChatFrame is one server message on the chat websocket.
type ChatFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

type QueryHandler struct {
	store       Querier
	defaultMode string
	upgrader    websocket.Upgrader
	pongWait    time.Duration
	logger      *slog.Logger
}

func NewQueryHandler(store Querier, defaultMode string, logger *slog.Logger) *QueryHandler {
	if defaultMode == "" {
		defaultMode = rag.ModeHybrid
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryHandler{
		store:       store,
		defaultMode: defaultMode,
		upgrader:    newUpgrader(),
		pongWait:    pongWait,
		logger:      logger.With("component", "chat"),
	}
}

func (h *QueryHandler) mode(m string) (string, bool) {
	if m == "" {
		return h.defaultMode, true
	}
	return m, rag.ValidMode(m)
}

// Query answers in one response.
func (h *QueryHandler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, ok := h.mode(req.Mode)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mode: " + req.Mode})
		return
	}

	answer, err := h.store.Answer(c.Request.Context(), req.Query, mode)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrQuery) {
			status = http.StatusBadGateway
		}
		h.logger.Error("query failed", "mode", mode, "err", err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, QueryResponse{Answer: answer, Mode: mode})
}

// Chat serves the streaming chat websocket. Each client message is one
// question; the answer is streamed as chunk frames followed by an end frame.
// Failures are reported as error frames and the connection stays open.
func (h *QueryHandler) Chat(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var writeMu sync.Mutex
	write := func(f ChatFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(f)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})
	go keepAlive(ctx, conn, &writeMu)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("chat connection closed", "err", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.pongWait))

		var req QueryRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if write(ChatFrame{Type: FrameError, Error: "invalid message: " + err.Error()}) != nil {
				return
			}
			continue
		}

		if err := h.answer(ctx, req, write); err != nil {
			h.logger.Debug("chat write failed", "err", err)
			return
		}
		// the deadline may have passed while the answer streamed
		conn.SetReadDeadline(time.Now().Add(h.pongWait))
	}
}

// answer streams one reply. The returned error is a write failure; query
// failures are sent to the client.
func (h *QueryHandler) answer(ctx context.Context, req QueryRequest, write func(ChatFrame) error) error {
	if req.Query == "" {
		return write(ChatFrame{Type: FrameError, Error: "query is required"})
	}
	mode, ok := h.mode(req.Mode)
	if !ok {
		return write(ChatFrame{Type: FrameError, Error: "invalid mode: " + req.Mode})
	}

	stream, err := h.store.Query(ctx, req.Query, mode)
	if err != nil {
		h.logger.Error("query failed", "mode", mode, "err", err)
		return write(ChatFrame{Type: FrameError, Error: err.Error()})
	}

	for chunk := range stream {
		if chunk.Err != nil {
			h.logger.Error("query stream failed", "mode", mode, "err", chunk.Err)
			return write(ChatFrame{Type: FrameError, Error: chunk.Err.Error()})
		}
		if err := write(ChatFrame{Type: FrameChunk, Content: chunk.Text}); err != nil {
			return err
		}
	}
	return write(ChatFrame{Type: FrameEnd})
}

func (h *QueryHandler) RegisterRoutes(api *gin.RouterGroup, ws *gin.RouterGroup) {
	api.POST("/query", h.Query)
	ws.GET("/chat", h.Chat)
}
