package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowledgepitt/server/internal/config"
	"github.com/knowledgepitt/server/internal/webhook"
)

type WebhookEndpoints interface {
	Endpoints() []config.WebhookConfig
	Test(ctx context.Context, name string) error
}

type WebhookHandler struct {
	sender WebhookEndpoints
}

// WebhookResponse describes a configured endpoint. Secrets are never
// returned.
type WebhookResponse struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Signed bool     `json:"signed"`
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewWebhookHandler(sender WebhookEndpoints) *WebhookHandler {
	return &WebhookHandler{sender: sender}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	endpoints := h.sender.Endpoints()
	resp := make([]WebhookResponse, 0, len(endpoints))
	for _, ep := range endpoints {
		events := ep.Events
		if events == nil {
			events = []string{}
		}
		resp = append(resp, WebhookResponse{
			Name:   ep.Name,
			URL:    ep.URL,
			Events: events,
			Signed: ep.Secret != "",
		})
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": resp})
}

// TestWebhook reports delivery failures in the body with a 200, so callers
// can tell an unreachable endpoint from an unknown one.
func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	name := c.Param("name")

	err := h.sender.Test(c.Request.Context(), name)
	if errors.Is(err, webhook.ErrUnknownEndpoint) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var httpErr *webhook.HTTPError
	switch {
	case errors.As(err, &httpErr):
		c.JSON(http.StatusOK, TestWebhookResponse{
			Success: false,
			Message: fmt.Sprintf("Webhook returned status %d", httpErr.StatusCode),
		})
	case err != nil:
		c.JSON(http.StatusOK, TestWebhookResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to send webhook: %v", err),
		})
	default:
		c.JSON(http.StatusOK, TestWebhookResponse{
			Success: true,
			Message: "Webhook test successful",
		})
	}
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks/:name/test", h.TestWebhook)
}
