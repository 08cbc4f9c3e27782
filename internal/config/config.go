package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Queue     QueueConfig     `yaml:"queue"`
	Extractor ExtractorConfig `yaml:"extractor"`
	LLM       LLMConfig       `yaml:"llm"`
	RAG       RAGConfig       `yaml:"rag"`
	Notify    NotifyConfig    `yaml:"notify"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Delivery  DeliveryConfig  `yaml:"webhook_delivery"`
	NATS      NATSConfig      `yaml:"nats"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	UploadDir    string        `yaml:"upload_dir"`
	MaxUploadMB  int64         `yaml:"max_upload_mb"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ArchiveConfig controls knowledge store snapshots. Interval 0 disables the
// periodic run; Keep 0 keeps every snapshot.
type ArchiveConfig struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
	Keep     int           `yaml:"keep"`
}

type QueueConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ExtractorConfig struct {
	PDFToText  string `yaml:"pdftotext"`
	MaxWorkers int    `yaml:"max_workers"`
}

type LLMConfig struct {
	CompletionProvider string        `yaml:"completion_provider"`
	GeminiModel        string        `yaml:"gemini_model"`
	GroqModel          string        `yaml:"groq_model"`
	EmbeddingModel     string        `yaml:"embedding_model"`
	Timeout            time.Duration `yaml:"timeout"`
	GeminiAPIKey       string        `yaml:"-"`
	GroqAPIKey         string        `yaml:"-"`
}

type RAGConfig struct {
	ChunkSize      int    `yaml:"chunk_size"`
	ChunkOverlap   int    `yaml:"chunk_overlap"`
	TopK           int    `yaml:"top_k"`
	EmbedBatchSize int    `yaml:"embed_batch_size"`
	DefaultMode    string `yaml:"default_mode"`
	SystemPrompt   string `yaml:"system_prompt"`
}

type NotifyConfig struct {
	BridgeBuffer     int `yaml:"bridge_buffer"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type WebhookConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// DeliveryConfig tunes the webhook sender shared by every endpoint.
// QueueSize bounds each worker's backlog.
type DeliveryConfig struct {
	RetryCount  int           `yaml:"retry_count"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Timeout     time.Duration `yaml:"timeout"`
	WorkerCount int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
			UploadDir:    "./data/uploads",
			MaxUploadMB:  50,
		},
		Database: DatabaseConfig{
			Path: "./data/knowledge.db",
		},
		Archive: ArchiveConfig{
			Dir:      "./data/archives",
			Interval: 24 * time.Hour,
			Keep:     7,
		},
		Queue: QueueConfig{
			MaxConcurrent:   3,
			PollInterval:    1 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Extractor: ExtractorConfig{
			PDFToText:  "pdftotext",
			MaxWorkers: 4,
		},
		LLM: LLMConfig{
			CompletionProvider: "gemini",
			GeminiModel:        "gemini-2.5-flash-lite",
			GroqModel:          "llama-3.1-8b-instant",
			EmbeddingModel:     "text-embedding-004",
			Timeout:            120 * time.Second,
		},
		RAG: RAGConfig{
			ChunkSize:      300,
			ChunkOverlap:   50,
			TopK:           8,
			EmbedBatchSize: 32,
			DefaultMode:    "hybrid",
		},
		Notify: NotifyConfig{
			BridgeBuffer:     256,
			SubscriberBuffer: 64,
		},
		Delivery: DeliveryConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
		},
		NATS: NATSConfig{
			Subject: "knowledgepitt.jobs.status",
		},
		MQTT: MQTTConfig{
			ClientID: "knowledgepitt",
			Topic:    "knowledgepitt/jobs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Default() *Config {
	return defaults()
}

// Load reads the YAML file at configPath on top of the defaults. A missing
// file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides file values with KP_* variables and reads provider
// secrets, which are never taken from the file.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("KP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid KP_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}

	if v := os.Getenv("KP_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("KP_ARCHIVE_DIR"); v != "" {
		c.Archive.Dir = v
	}

	if v := os.Getenv("KP_UPLOAD_DIR"); v != "" {
		c.Server.UploadDir = v
	}

	if v := os.Getenv("KP_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid KP_MAX_CONCURRENT %q: %w", v, err)
		}
		c.Queue.MaxConcurrent = n
	}

	if v := os.Getenv("KP_COMPLETION_PROVIDER"); v != "" {
		c.LLM.CompletionProvider = v
	}

	if v := os.Getenv("KP_NATS_URL"); v != "" {
		c.NATS.URL = v
	}

	if v := os.Getenv("KP_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}

	if v := os.Getenv("KP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	c.LLM.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	c.LLM.GroqAPIKey = os.Getenv("GROQ_API_KEY")

	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Server.UploadDir == "" {
		return fmt.Errorf("upload directory is required")
	}

	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("max upload size must be at least 1 MB")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Archive.Dir == "" {
		return fmt.Errorf("archive directory is required")
	}

	if c.Archive.Interval < 0 || c.Archive.Keep < 0 {
		return fmt.Errorf("archive interval and keep must be non-negative")
	}

	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent jobs must be at least 1")
	}

	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Queue.JobTimeout < 0 {
		return fmt.Errorf("job timeout must be non-negative")
	}

	if c.Queue.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown timeout must be non-negative")
	}

	if c.Extractor.MaxWorkers < 1 {
		return fmt.Errorf("extractor max workers must be at least 1")
	}

	validProviders := map[string]bool{
		"gemini": true,
		"groq":   true,
	}

	if !validProviders[c.LLM.CompletionProvider] {
		return fmt.Errorf("invalid completion provider: %s (valid: gemini, groq)", c.LLM.CompletionProvider)
	}

	if c.RAG.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be at least 1")
	}

	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("chunk overlap must be in [0, chunk_size)")
	}

	if c.RAG.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1")
	}

	if c.RAG.EmbedBatchSize < 1 {
		return fmt.Errorf("embed batch size must be at least 1")
	}

	validModes := map[string]bool{
		"naive":  true,
		"local":  true,
		"global": true,
		"hybrid": true,
	}

	if !validModes[c.RAG.DefaultMode] {
		return fmt.Errorf("invalid default query mode: %s (valid: naive, local, global, hybrid)", c.RAG.DefaultMode)
	}

	if c.Notify.BridgeBuffer < 1 || c.Notify.SubscriberBuffer < 1 {
		return fmt.Errorf("notification buffers must be at least 1")
	}

	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhooks[%d]: url is required", i)
		}
	}

	if c.Delivery.RetryCount < 1 || c.Delivery.WorkerCount < 1 || c.Delivery.QueueSize < 1 {
		return fmt.Errorf("webhook delivery retry_count, workers and queue_size must be at least 1")
	}

	if c.Delivery.RetryDelay <= 0 || c.Delivery.Timeout <= 0 {
		return fmt.Errorf("webhook delivery retry_delay and timeout must be positive")
	}

	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}

// NewLogger builds the process logger. "plain" drops the time attribute.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "plain":
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
		return slog.New(slog.NewTextHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}
