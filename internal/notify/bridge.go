package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/knowledgepitt/server/internal/core"
)

type Broadcaster interface {
	Broadcast(event core.StatusEvent)
}

// Bridge hands events from worker goroutines to a single consumer goroutine
// that feeds the hub. Events are delivered in publish order; when the buffer
// is full or the bridge is closed they are dropped and counted.
type Bridge struct {
	target Broadcaster
	ch     chan core.StatusEvent
	done   chan struct{}
	logger *slog.Logger

	mu      sync.RWMutex
	started bool
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewBridge(target Broadcaster, bufferSize int, logger *slog.Logger) *Bridge {
	if bufferSize < 1 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		target: target,
		ch:     make(chan core.StatusEvent, bufferSize),
		done:   make(chan struct{}),
		logger: logger.With("component", "bridge"),
	}
}

func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started || b.closed {
		return
	}
	b.started = true
	go b.run()
}

// Publish never blocks.
func (b *Bridge) Publish(event core.StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		return
	}

	select {
	case b.ch <- event:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("bridge buffer full, dropping event", "job_id", event.JobID, "status", event.Status)
	}
}

func (b *Bridge) run() {
	defer close(b.done)

	for event := range b.ch {
		b.forward(event)
	}
}

func (b *Bridge) forward(event core.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("broadcast panic", "job_id", event.JobID, "err", fmt.Errorf("%w: %v", core.ErrInternalWorker, r))
		}
	}()
	b.target.Broadcast(event)
}

// Close stops accepting events and waits until buffered ones are forwarded.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	started := b.started
	close(b.ch)
	b.mu.Unlock()

	if started {
		<-b.done
	}
}

func (b *Bridge) Published() uint64 { return b.published.Load() }
func (b *Bridge) Dropped() uint64   { return b.dropped.Load() }
