package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowledgepitt/server/internal/db"
	"github.com/knowledgepitt/server/internal/notify"
)

type StoreStater interface {
	Stats(ctx context.Context) (db.StoreStats, error)
}

type ObserverStater interface {
	Count() int
	Stats() map[string]notify.SubscriberStats
}

type HealthHandler struct {
	queue     JobQueue
	store     StoreStater
	observers ObserverStater
}

func NewHealthHandler(queue JobQueue, store StoreStater, observers ObserverStater) *HealthHandler {
	return &HealthHandler{queue: queue, store: store, observers: observers}
}

func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status":    "ok",
		"queue":     h.queue.Stats(),
		"observers": h.observers.Count(),
	}

	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		resp["status"] = "degraded"
		resp["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp["store"] = stats

	c.JSON(http.StatusOK, resp)
}

func (h *HealthHandler) ObserverStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"observers": h.observers.Stats()})
}

func (h *HealthHandler) RegisterRoutes(r *gin.Engine, api *gin.RouterGroup) {
	r.GET("/health", h.Health)
	api.GET("/observers", h.ObserverStats)
}
