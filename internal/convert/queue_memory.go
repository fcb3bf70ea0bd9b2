package convert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"docmd/pkg/backoff"
)

// MemoryQueueConfig configures the in-process WorkQueue.
type MemoryQueueConfig struct {
	BufferSize  int           // pending items buffer, default 10000
	Workers     int           // concurrent worker goroutines, default 2 (worker_concurrency)
	RetryMax    int           // per-item retry attempts, default 3
	RetryBase   time.Duration // backoff base, default 60s
	ItemTimeout time.Duration // per-work-item handler timeout, default 5m
}

func (c MemoryQueueConfig) withDefaults() MemoryQueueConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 60 * time.Second
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 5 * time.Minute
	}
	return c
}

// deadLetter records an item that exhausted its retry budget.
type deadLetter struct {
	item WorkItem
	err  error
}

// MemoryQueue is an in-process WorkQueue. It is grounded on the teacher's
// internal/dispatcher.MemoryDispatcher (bounded channel, worker pool,
// graceful drain on shutdown) but trades the dispatcher's drop-on-full
// policy for the spec's at-least-once/bounded-retry/dead-letter contract
// (§4.2): a full buffer is a queue_unavailable error back to the caller
// rather than a silently dropped event, and a failed item is redelivered
// with backoff.Exponential instead of discarded.
type MemoryQueue struct {
	cfg MemoryQueueConfig

	queue   chan WorkItem
	handler func(context.Context, WorkItem) error
	logger  *slog.Logger

	mu  sync.Mutex
	dlq []deadLetter

	onDeadLetter func(ctx context.Context, item WorkItem, err error)

	enqueued  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	deadOnEnd atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemoryQueue constructs a MemoryQueue. Call Handle before Run.
func NewMemoryQueue(cfg MemoryQueueConfig) *MemoryQueue {
	cfg = cfg.withDefaults()
	return &MemoryQueue{
		cfg:      cfg,
		queue:    make(chan WorkItem, cfg.BufferSize),
		logger:   slog.With("component", "workqueue", "backend", "memory"),
		shutdown: make(chan struct{}),
	}
}

func (q *MemoryQueue) Handle(fn func(context.Context, WorkItem) error) {
	q.handler = fn
}

// OnDeadLetter registers a callback invoked whenever an item is
// dead-lettered, so the orchestrator can mark the corresponding job failed
// (spec.md §5's terminal-state invariant).
func (q *MemoryQueue) OnDeadLetter(fn func(ctx context.Context, item WorkItem, err error)) {
	q.onDeadLetter = fn
}

func (q *MemoryQueue) Enqueue(item WorkItem) error {
	if q.closed.Load() {
		return fmt.Errorf("memqueue: closed")
	}
	select {
	case q.queue <- item:
		q.enqueued.Add(1)
		return nil
	default:
		return fmt.Errorf("memqueue: buffer full (%d items)", q.cfg.BufferSize)
	}
}

func (q *MemoryQueue) Run(ctx context.Context) error {
	if q.handler == nil {
		return fmt.Errorf("memqueue: no handler registered")
	}
	q.wg.Add(q.cfg.Workers)
	for i := 0; i < q.cfg.Workers; i++ {
		go q.worker(ctx)
	}
	<-ctx.Done()
	close(q.shutdown)
	q.wg.Wait()
	return nil
}

func (q *MemoryQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.shutdown:
			q.drain()
			return
		case item := <-q.queue:
			q.process(ctx, item)
		}
	}
}

func (q *MemoryQueue) drain() {
	for {
		select {
		case item := <-q.queue:
			q.process(context.Background(), item)
		default:
			return
		}
	}
}

func (q *MemoryQueue) process(ctx context.Context, item WorkItem) {
	itemCtx, cancel := context.WithTimeout(ctx, q.cfg.ItemTimeout)
	err := q.handler(itemCtx, item)
	cancel()
	if err == nil {
		q.succeeded.Add(1)
		return
	}

	if !IsRetriable(err) || item.Attempt >= q.cfg.RetryMax {
		q.failed.Add(1)
		q.deadLetter(ctx, item, err)
		return
	}

	item.Attempt++
	delay := backoff.Exponential(item.Attempt, &backoff.Config{Initial: q.cfg.RetryBase, Max: q.cfg.RetryBase * 8})
	q.logger.Warn("work item failed, retrying", "kind", item.Kind, "attempt", item.Attempt, "delay", delay, "error", err)

	go func() {
		select {
		case <-time.After(delay):
		case <-q.shutdown:
			return
		}
		select {
		case q.queue <- item:
		case <-q.shutdown:
			q.deadLetter(context.Background(), item, err)
		}
	}()
}

func (q *MemoryQueue) deadLetter(ctx context.Context, item WorkItem, err error) {
	q.deadOnEnd.Add(1)
	q.mu.Lock()
	q.dlq = append(q.dlq, deadLetter{item: item, err: err})
	q.mu.Unlock()
	q.logger.Error("work item dead-lettered", "kind", item.Kind, "main_id", item.MainID, "attempts", item.Attempt, "error", err)
	if q.onDeadLetter != nil {
		q.onDeadLetter(ctx, item, err)
	}
}

// DeadLettered returns a snapshot of items that exhausted their retry
// budget, for diagnostics and tests.
func (q *MemoryQueue) DeadLettered() []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]WorkItem, len(q.dlq))
	for i, d := range q.dlq {
		out[i] = d.item
	}
	return out
}

func (q *MemoryQueue) Close() error {
	q.closed.Store(true)
	return nil
}

var _ WorkQueue = (*MemoryQueue)(nil)
var _ DeadLetterNotifier = (*MemoryQueue)(nil)
