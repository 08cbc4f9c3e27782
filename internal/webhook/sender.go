// Package webhook delivers job status events to configured HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/knowledgepitt/server/internal/config"
	"github.com/knowledgepitt/server/internal/core"
)

type WebhookEvent string

const (
	EventJobQueued    WebhookEvent = "job_queued"
	EventJobStarted   WebhookEvent = "job_started"
	EventJobCompleted WebhookEvent = "job_completed"
	EventJobFailed    WebhookEvent = "job_failed"
	EventTest         WebhookEvent = "test"
)

var (
	ErrQueueFull       = errors.New("webhook queue full")
	ErrUnknownEndpoint = errors.New("webhook endpoint not found")
)

// EventFor maps a job status to its webhook event name.
func EventFor(status core.JobStatus) WebhookEvent {
	switch status {
	case core.JobStatusQueued:
		return EventJobQueued
	case core.JobStatusProcessing:
		return EventJobStarted
	case core.JobStatusCompleted:
		return EventJobCompleted
	default:
		return EventJobFailed
	}
}

type WebhookPayload struct {
	Event     string       `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Data      JobEventData `json:"data"`
}

type JobEventData struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type SenderConfig struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

func NewSenderConfig(d config.DeliveryConfig) SenderConfig {
	return SenderConfig{
		RetryCount:  d.RetryCount,
		RetryDelay:  d.RetryDelay,
		Timeout:     d.Timeout,
		WorkerCount: d.WorkerCount,
		QueueSize:   d.QueueSize,
	}
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: %d", e.StatusCode)
}

type webhookTask struct {
	endpoint config.WebhookConfig
	payload  *WebhookPayload
	attempt  int
}

// WebhookSender is a fan-out observer that POSTs every event to the
// endpoints subscribed to it. Each worker owns a bounded queue and every job
// is pinned to one worker, so a job's events arrive in the order they were
// emitted.
type WebhookSender struct {
	endpoints  []config.WebhookConfig
	httpClient *http.Client
	cfg        SenderConfig
	queues     []chan *webhookTask
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     *slog.Logger
	now        func() time.Time
}

func NewWebhookSender(endpoints []config.WebhookConfig, cfg SenderConfig, logger *slog.Logger) *WebhookSender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	named := make([]config.WebhookConfig, len(endpoints))
	for i, ep := range endpoints {
		if ep.Name == "" {
			ep.Name = fmt.Sprintf("webhook-%d", i+1)
		}
		named[i] = ep
	}

	queues := make([]chan *webhookTask, cfg.WorkerCount)
	for i := range queues {
		queues[i] = make(chan *webhookTask, cfg.QueueSize)
	}

	return &WebhookSender{
		endpoints: named,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cfg:    cfg,
		queues: queues,
		stopCh: make(chan struct{}),
		logger: logger.With("component", "webhook"),
		now:    time.Now,
	}
}

func (s *WebhookSender) Start() {
	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop interrupts pending retries and waits for the workers to exit. Tasks
// still queued are discarded.
func (s *WebhookSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *WebhookSender) ID() string {
	return "webhook"
}

func (s *WebhookSender) Endpoints() []config.WebhookConfig {
	return slices.Clone(s.endpoints)
}

// Test posts a single signed test payload to the named endpoint, without
// retries.
func (s *WebhookSender) Test(ctx context.Context, name string) error {
	for _, endpoint := range s.endpoints {
		if endpoint.Name != name {
			continue
		}
		return s.post(ctx, endpoint, &WebhookPayload{
			Event:     string(EventTest),
			Timestamp: s.now().UTC(),
			Data:      JobEventData{JobID: "test", Status: "test"},
		})
	}
	return fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
}

// Deliver queues one task per subscribed endpoint. It never blocks; tasks
// that do not fit are dropped and reported as ErrQueueFull.
func (s *WebhookSender) Deliver(event core.StatusEvent) error {
	ev := EventFor(event.Status)
	payload := &WebhookPayload{
		Event:     string(ev),
		Timestamp: s.now().UTC(),
		Data: JobEventData{
			JobID:        event.JobID,
			Status:       string(event.Status),
			ErrorMessage: event.Error,
		},
	}

	queue := s.queueFor(event.JobID)
	dropped := 0
	for _, endpoint := range s.endpoints {
		if !subscribed(endpoint, ev) {
			continue
		}
		select {
		case queue <- &webhookTask{endpoint: endpoint, payload: payload}:
		default:
			dropped++
			s.logger.Warn("queue full, dropping webhook", "webhook", endpoint.Name, "event", ev, "job_id", event.JobID)
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d deliveries dropped", ErrQueueFull, dropped)
	}
	return nil
}

func (s *WebhookSender) queueFor(jobID string) chan *webhookTask {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	return s.queues[h.Sum32()%uint32(len(s.queues))]
}

func subscribed(endpoint config.WebhookConfig, event WebhookEvent) bool {
	if len(endpoint.Events) == 0 {
		return true
	}
	for _, e := range endpoint.Events {
		if e == string(event) {
			return true
		}
	}
	return false
}

func (s *WebhookSender) worker(id int) {
	defer s.wg.Done()

	queue := s.queues[id]
	for {
		select {
		case <-s.stopCh:
			return
		case task := <-queue:
			if err := s.sendWithRetry(task); err != nil {
				s.logger.Error("webhook delivery failed",
					"worker", id, "webhook", task.endpoint.Name, "event", task.payload.Event,
					"attempts", task.attempt, "err", err)
			}
		}
	}
}

func (s *WebhookSender) sendWithRetry(task *webhookTask) error {
	var lastErr error
	for task.attempt < s.cfg.RetryCount {
		task.attempt++

		err := s.sendRequest(task.endpoint, task.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if task.attempt < s.cfg.RetryCount {
			backoff := s.cfg.RetryDelay * time.Duration(1<<(task.attempt-1))
			s.logger.Debug("retrying webhook", "webhook", task.endpoint.Name,
				"attempt", task.attempt, "max", s.cfg.RetryCount, "backoff", backoff, "err", err)

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *WebhookSender) sendRequest(endpoint config.WebhookConfig, payload *WebhookPayload) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return s.post(ctx, endpoint, payload)
}

func (s *WebhookSender) post(ctx context.Context, endpoint config.WebhookConfig, payload *WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.Event)
	if endpoint.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, endpoint.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body. Receivers recompute it over the
// raw request body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 400 && httpErr.StatusCode < 500
	}
	return false
}
