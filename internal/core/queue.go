package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/knowledgepitt/server/internal/config"
)

// Queue runs submitted jobs through extraction and ingestion. A single
// dispatcher pulls job ids in submission order and hands each one to its own
// goroutine once a permit is available, so at most MaxConcurrent jobs are
// processing at any time.
type Queue struct {
	registry  *Registry
	extractor Extractor
	ingester  Ingester
	publisher EventPublisher
	config    *config.QueueConfig
	logger    *slog.Logger
	sem       *semaphore.Weighted

	mu      sync.Mutex
	pending []string
	running bool
	stopped bool

	wakeCh     chan struct{}
	doneCh     chan struct{}
	stopCtx    context.Context
	stopCancel context.CancelFunc
	jobCtx     context.Context
	jobCancel  context.CancelFunc
	inflight   sync.WaitGroup
}

func NewQueue(registry *Registry, ex Extractor, in Ingester, pub EventPublisher, cfg *config.QueueConfig, logger *slog.Logger) *Queue {
	if cfg == nil {
		cfg = &config.QueueConfig{
			MaxConcurrent:   3,
			PollInterval:    1 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		}
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	stopCtx, stopCancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())

	return &Queue{
		registry:   registry,
		extractor:  ex,
		ingester:   in,
		publisher:  pub,
		config:     cfg,
		logger:     logger.With("component", "queue"),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wakeCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		jobCtx:     jobCtx,
		jobCancel:  jobCancel,
	}
}

func (q *Queue) Start() error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrPoolStopped
	}
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.mu.Unlock()

	go q.dispatcher()

	q.logger.Info("worker pool started", "max_concurrent", q.config.MaxConcurrent)
	return nil
}

// Stop stops pulling queued jobs and waits for in-flight jobs to reach a
// terminal status. When ctx expires first, in-flight jobs are cancelled and
// the context error is returned.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	wasRunning := q.running
	q.running = false
	q.mu.Unlock()

	q.stopCancel()
	if wasRunning {
		<-q.doneCh
	}

	drained := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		q.jobCancel()
		q.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		q.jobCancel()
		q.logger.Warn("shutdown deadline reached, cancelling in-flight jobs")
		return fmt.Errorf("failed to drain worker pool: %w", ctx.Err())
	}
}

// Submit records a new queued job and schedules it. Only input validation
// errors are returned; processing failures are recorded on the job.
func (q *Queue) Submit(sourceRef string) (Job, error) {
	if sourceRef == "" {
		return Job{}, fmt.Errorf("%w: empty source reference", ErrSubmission)
	}

	// stopped is checked and the id appended under one lock, so a job
	// accepted here is always pending before Stop returns.
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %w", ErrSubmission, ErrPoolStopped)
	}
	job := q.registry.create(sourceRef)
	q.publish(job)
	q.pending = append(q.pending, job.ID)
	q.mu.Unlock()

	q.wake()

	q.logger.Info("job queued", "job_id", job.ID, "source", sourceRef)
	return job, nil
}

func (q *Queue) Get(id string) (Job, bool) {
	return q.registry.Get(id)
}

func (q *Queue) List(status JobStatus) []Job {
	return q.registry.List(status)
}

func (q *Queue) Stats() QueueStats {
	return q.registry.Stats()
}

func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return "", false
	}
	id := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	return id, true
}

func (q *Queue) requeueFront(id string) {
	q.mu.Lock()
	q.pending = append([]string{id}, q.pending...)
	q.mu.Unlock()
}

func (q *Queue) dispatcher() {
	defer close(q.doneCh)

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCtx.Done():
			return
		default:
		}

		id, ok := q.next()
		if !ok {
			select {
			case <-q.stopCtx.Done():
				return
			case <-q.wakeCh:
			case <-ticker.C:
			}
			continue
		}

		if !q.dispatch(id) {
			return
		}
	}
}

// dispatch waits for a permit and starts the job. It returns false once the
// pool is stopping; the id is put back so the job stays queued.
func (q *Queue) dispatch(id string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("dispatch panic", "job_id", id, "err", fmt.Errorf("%w: %v", ErrInternalWorker, r))
			ok = true
		}
	}()

	if err := q.sem.Acquire(q.stopCtx, 1); err != nil {
		q.requeueFront(id)
		return false
	}

	q.inflight.Add(1)
	go q.processJob(id)
	return true
}

func (q *Queue) processJob(id string) {
	defer q.inflight.Done()
	defer q.sem.Release(1)

	logger := q.logger.With("job_id", id)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrInternalWorker, r)
			logger.Error("job panic", "err", err)
			q.fail(id, err, logger)
		}
	}()

	job, err := q.registry.transition(id, JobStatusProcessing, "")
	if err != nil {
		logger.Error("failed to start job", "err", err)
		return
	}
	q.publish(job)
	logger.Info("processing started", "source", job.SourceRef)

	ctx := q.jobCtx
	if q.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.config.JobTimeout)
		defer cancel()
	}

	text, err := q.extractor.Extract(ctx, job.SourceRef)
	if err != nil {
		q.fail(id, wrapStage(ErrExtraction, err), logger)
		return
	}

	token, err := q.ingester.Ingest(ctx, []string{text})
	if err != nil {
		q.fail(id, wrapStage(ErrIngestion, err), logger)
		return
	}

	job, err = q.registry.transition(id, JobStatusCompleted, "")
	if err != nil {
		logger.Error("failed to complete job", "err", err)
		return
	}
	q.publish(job)
	logger.Info("job completed", "token", token)
}

func (q *Queue) fail(id string, jobErr error, logger *slog.Logger) {
	job, err := q.registry.transition(id, JobStatusFailed, jobErr.Error())
	if err != nil {
		logger.Error("failed to record job failure", "err", err, "cause", jobErr)
		return
	}
	q.publish(job)
	logger.Error("job failed", "err", jobErr)
}

func (q *Queue) publish(job Job) {
	if q.publisher == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("failed to publish status event", "job_id", job.ID, "err", fmt.Errorf("%w: %v", ErrInternalWorker, r))
		}
	}()
	q.publisher.Publish(job.Event())
}

func wrapStage(stage, err error) error {
	if errors.Is(err, stage) {
		return err
	}
	return fmt.Errorf("%w: %w", stage, err)
}
