// Package api exposes the job, query and event endpoints over HTTP and
// websockets.
package api

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/knowledgepitt/server/internal/api/handlers"
	"github.com/knowledgepitt/server/internal/api/middleware"
	"github.com/knowledgepitt/server/internal/config"
	"github.com/knowledgepitt/server/internal/db"
	"github.com/knowledgepitt/server/internal/notify"
)

// Store is what the router needs from the knowledge store.
type Store interface {
	handlers.Querier
	handlers.Documents
	Stats(ctx context.Context) (db.StoreStats, error)
}

type Deps struct {
	Queue       handlers.JobQueue
	Hub         *notify.Hub
	Store       Store
	UploadDir   string
	MaxUploadMB int64
	DefaultMode string
	Logger      *slog.Logger

	// Optional; their routes are only registered when set.
	Archiver handlers.Archives
	Webhooks handlers.WebhookEndpoints
	Config   *config.Config
}

func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(middleware.Recovery(logger), middleware.RequestLogger(logger.With("component", "http")))
	if d.MaxUploadMB > 0 {
		r.MaxMultipartMemory = d.MaxUploadMB << 20
	}

	api := r.Group("/api")
	ws := r.Group("/ws")

	handlers.NewJobHandler(d.Queue, d.UploadDir, d.MaxUploadMB).RegisterRoutes(api)
	handlers.NewQueryHandler(d.Store, d.DefaultMode, logger).RegisterRoutes(api, ws)
	handlers.NewDocumentHandler(d.Store).RegisterRoutes(api)
	handlers.NewEventsHandler(d.Hub, logger).RegisterRoutes(ws)
	handlers.NewHealthHandler(d.Queue, d.Store, d.Hub).RegisterRoutes(r, api)

	if d.Archiver != nil {
		handlers.NewArchiveHandler(d.Archiver).RegisterRoutes(api)
	}
	if d.Webhooks != nil {
		handlers.NewWebhookHandler(d.Webhooks).RegisterRoutes(api)
	}
	if d.Config != nil {
		handlers.NewSettingsHandler(d.Config).RegisterRoutes(api)
	}

	return r
}
