package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"docmd/pkg/backoff"
)

// RabbitMQQueueConfig configures the RabbitMQ-backed WorkQueue.
type RabbitMQQueueConfig struct {
	URL         string
	QueuePrefix string // queue name prefix, default "docmd"
	Prefetch    int    // per-consumer QoS, default 10
	RetryMax    int    // per-item retry attempts, default 3
	RetryBase   time.Duration
	ItemTimeout time.Duration
}

func (c RabbitMQQueueConfig) withDefaults() RabbitMQQueueConfig {
	if c.QueuePrefix == "" {
		c.QueuePrefix = "docmd"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
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

// RabbitMQQueue is a durable WorkQueue over RabbitMQ. It is grounded on
// amrrdev-trawl's services/shared/queue.RabbitMQ connection/channel pair and
// its indexing service's Producer/Consumer (per-queue dead-letter args,
// QoS-bound consumer), generalized from indexing's one job type to the five
// WorkItem kinds of §4.2 — one durable queue and matching "_dlq" per kind,
// instead of indexing's single queue, since fan-out handlers need
// independent retry/backoff budgets per kind.
type RabbitMQQueue struct {
	cfg  RabbitMQQueueConfig
	conn *amqp.Connection
	ch   *amqp.Channel

	handler      func(context.Context, WorkItem) error
	onDeadLetter func(ctx context.Context, item WorkItem, err error)
	logger       *slog.Logger

	wg sync.WaitGroup
}

// NewRabbitMQQueue dials RabbitMQ, opens a channel, and declares a durable
// queue plus dead-letter queue for every WorkItem Kind.
func NewRabbitMQQueue(cfg RabbitMQQueueConfig) (*RabbitMQQueue, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitqueue: missing URL")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitqueue: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitqueue: channel: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitqueue: qos: %w", err)
	}

	q := &RabbitMQQueue{cfg: cfg, conn: conn, ch: ch, logger: slog.With("component", "workqueue", "backend", "rabbitmq")}
	for _, k := range allKinds {
		if err := q.declareKind(k); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return q, nil
}

var allKinds = []Kind{KindConvertWhole, KindSplitPdf, KindConvertPage, KindMergePages, KindRetryPage}

func (q *RabbitMQQueue) queueName(k Kind) string { return fmt.Sprintf("%s.%s", q.cfg.QueuePrefix, k) }
func (q *RabbitMQQueue) dlqName(k Kind) string   { return q.queueName(k) + "_dlq" }

func (q *RabbitMQQueue) declareKind(k Kind) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.dlqName(k),
	}
	if _, err := q.ch.QueueDeclare(q.queueName(k), true, false, false, false, dlqArgs); err != nil {
		return fmt.Errorf("rabbitqueue: declare %s: %w", q.queueName(k), err)
	}
	if _, err := q.ch.QueueDeclare(q.dlqName(k), true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitqueue: declare %s: %w", q.dlqName(k), err)
	}
	return nil
}

func (q *RabbitMQQueue) Enqueue(item WorkItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("rabbitqueue: marshal: %w", err)
	}
	err = q.ch.Publish("", q.queueName(item.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"attempt": int32(item.Attempt)},
	})
	if err != nil {
		return fmt.Errorf("rabbitqueue: publish %s: %w", item.Kind, err)
	}
	return nil
}

func (q *RabbitMQQueue) Handle(fn func(context.Context, WorkItem) error) {
	q.handler = fn
}

// OnDeadLetter registers a callback invoked whenever a decoded item is routed
// to its kind's DLQ, so the orchestrator can mark the corresponding job failed
// (spec.md §5's terminal-state invariant). A body that does not decode is
// dead-lettered without calling it.
func (q *RabbitMQQueue) OnDeadLetter(fn func(ctx context.Context, item WorkItem, err error)) {
	q.onDeadLetter = fn
}

func (q *RabbitMQQueue) Run(ctx context.Context) error {
	if q.handler == nil {
		return fmt.Errorf("rabbitqueue: no handler registered")
	}
	for _, k := range allKinds {
		deliveries, err := q.ch.Consume(q.queueName(k), "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("rabbitqueue: consume %s: %w", q.queueName(k), err)
		}
		q.wg.Add(1)
		go q.consume(ctx, k, deliveries)
	}
	<-ctx.Done()
	q.wg.Wait()
	return nil
}

func (q *RabbitMQQueue) consume(ctx context.Context, k Kind, deliveries <-chan amqp.Delivery) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			q.process(ctx, k, d)
		}
	}
}

func (q *RabbitMQQueue) process(ctx context.Context, k Kind, d amqp.Delivery) {
	var item WorkItem
	if err := json.Unmarshal(d.Body, &item); err != nil {
		q.logger.Error("malformed work item, dead-lettering", "kind", k, "error", err)
		_ = d.Nack(false, false)
		return
	}
	if attempt, ok := d.Headers["attempt"].(int32); ok {
		item.Attempt = int(attempt)
	}

	itemCtx, cancel := context.WithTimeout(ctx, q.cfg.ItemTimeout)
	err := q.handler(itemCtx, item)
	cancel()

	if err == nil {
		_ = d.Ack(false)
		return
	}

	if !IsRetriable(err) || item.Attempt >= q.cfg.RetryMax {
		q.logger.Error("work item dead-lettered", "kind", k, "main_id", item.MainID, "attempts", item.Attempt, "error", err)
		_ = d.Nack(false, false) // routed to the kind's DLQ via dead-letter args
		if q.onDeadLetter != nil {
			q.onDeadLetter(ctx, item, err)
		}
		return
	}

	item.Attempt++
	delay := backoff.Exponential(item.Attempt, &backoff.Config{Initial: q.cfg.RetryBase, Max: q.cfg.RetryBase * 8})
	q.logger.Warn("work item failed, retrying", "kind", k, "attempt", item.Attempt, "delay", delay, "error", err)

	_ = d.Ack(false) // remove from the primary queue; we own redelivery below
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if err := q.Enqueue(item); err != nil {
			q.logger.Error("requeue failed", "kind", k, "error", err)
		}
	}()
}

// Ping implements Pinger for readiness probes.
func (q *RabbitMQQueue) Ping(_ context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return fmt.Errorf("rabbitqueue: connection closed")
	}
	return nil
}

func (q *RabbitMQQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		return fmt.Errorf("rabbitqueue: close channel: %w", err)
	}
	if err := q.conn.Close(); err != nil {
		return fmt.Errorf("rabbitqueue: close connection: %w", err)
	}
	return nil
}

var _ WorkQueue = (*RabbitMQQueue)(nil)
var _ DeadLetterNotifier = (*RabbitMQQueue)(nil)
