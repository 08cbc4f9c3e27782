package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowledgepitt/server/internal/config"
)

type SettingsHandler struct {
	config *config.Config
}

type ServerConfigResponse struct {
	Port               int    `json:"port"`
	DatabasePath       string `json:"database_path"`
	ArchiveDir         string `json:"archive_dir"`
	ArchiveInterval    string `json:"archive_interval"`
	MaxConcurrent      int    `json:"max_concurrent"`
	JobTimeout         string `json:"job_timeout"`
	MaxUploadMB        int64  `json:"max_upload_mb"`
	CompletionProvider string `json:"completion_provider"`
	CompletionModel    string `json:"completion_model"`
	EmbeddingModel     string `json:"embedding_model"`
	GeminiConfigured   bool   `json:"gemini_configured"`
	GroqConfigured     bool   `json:"groq_configured"`
	DefaultMode        string `json:"default_mode"`
	Webhooks           int    `json:"webhooks"`
	NATSEnabled        bool   `json:"nats_enabled"`
	MQTTEnabled        bool   `json:"mqtt_enabled"`
	LogLevel           string `json:"log_level"`
	LogFormat          string `json:"log_format"`
}

func NewSettingsHandler(cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{config: cfg}
}

func (h *SettingsHandler) GetServerConfig(c *gin.Context) {
	cfg := h.config

	model := cfg.LLM.GeminiModel
	if cfg.LLM.CompletionProvider == "groq" {
		model = cfg.LLM.GroqModel
	}

	c.JSON(http.StatusOK, ServerConfigResponse{
		Port:               cfg.Server.Port,
		DatabasePath:       cfg.Database.Path,
		ArchiveDir:         cfg.Archive.Dir,
		ArchiveInterval:    cfg.Archive.Interval.String(),
		MaxConcurrent:      cfg.Queue.MaxConcurrent,
		JobTimeout:         cfg.Queue.JobTimeout.String(),
		MaxUploadMB:        cfg.Server.MaxUploadMB,
		CompletionProvider: cfg.LLM.CompletionProvider,
		CompletionModel:    model,
		EmbeddingModel:     cfg.LLM.EmbeddingModel,
		GeminiConfigured:   cfg.LLM.GeminiAPIKey != "",
		GroqConfigured:     cfg.LLM.GroqAPIKey != "",
		DefaultMode:        cfg.RAG.DefaultMode,
		Webhooks:           len(cfg.Webhooks),
		NATSEnabled:        cfg.NATS.URL != "",
		MQTTEnabled:        cfg.MQTT.Broker != "",
		LogLevel:           cfg.Logging.Level,
		LogFormat:          cfg.Logging.Format,
	})
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings/server", h.GetServerConfig)
}
