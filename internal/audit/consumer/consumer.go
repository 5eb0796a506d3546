package consumer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"cityfix/internal/audit"
	"cityfix/internal/audit/metrics"
	"cityfix/internal/platform/kafka"
)

// Config tunes the worker pool and retry budget.
type Config struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// PartitionByEntity routes messages with the same key to the same
	// worker, preserving strict per-entity processing order. Off by
	// default; the store's non-reordering guarantee is usually enough.
	PartitionByEntity bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Second
	}
	return c
}

// Consumer pulls events off the stream and drives them to a terminal
// outcome. Each worker owns one message end-to-end: deserialize, process
// with backoff, then ack or dead-letter. A message is only acknowledged
// after durable success or deliberate dead-lettering, and because group
// offsets are cumulative the commit itself is gated through a per-partition
// watermark: an offset is committed only once every earlier fetched offset
// on its partition has been acknowledged too.
type Consumer struct {
	source    Source
	processor Processor
	letters   audit.DeadLetterStore
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	commits   *commitTracker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a consumer.
func New(source Source, processor Processor, letters audit.DeadLetterStore, m *metrics.Metrics, logger *slog.Logger, cfg Config) (*Consumer, error) {
	if source == nil {
		return nil, fmt.Errorf("message source is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("event processor is required")
	}
	if letters == nil {
		return nil, fmt.Errorf("dead-letter store is required")
	}
	return &Consumer{
		source:    source,
		processor: processor,
		letters:   letters,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   m,
		commits:   newCommitTracker(),
		now:       time.Now,
		sleep:     sleepCtx,
	}, nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	queues := make([]chan *kafka.Message, c.cfg.Workers)
	for i := range queues {
		queues[i] = make(chan *kafka.Message)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range queues {
		queue := queues[i]
		worker := i
		g.Go(func() error {
			c.runWorker(ctx, worker, queue)
			return nil
		})
	}
	g.Go(func() error {
		return c.dispatch(ctx, queues)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) dispatch(ctx context.Context, queues []chan *kafka.Message) error {
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()

	next := 0
	for {
		msgs, err := c.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("poll failed, backing off", "error", err)
			if err := c.sleep(ctx, c.cfg.BackoffBase); err != nil {
				return err
			}
			continue
		}

		for _, msg := range msgs {
			c.commits.track(msg)
			idx := next % len(queues)
			next++
			if c.cfg.PartitionByEntity && len(msg.Key) > 0 {
				idx = int(hashKey(msg.Key) % uint32(len(queues)))
			}
			select {
			case queues[idx] <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) runWorker(ctx context.Context, id int, queue <-chan *kafka.Message) {
	for msg := range queue {
		if c.handle(ctx, msg) {
			if tip := c.commits.ack(msg); tip != nil {
				if err := c.source.Commit(ctx, tip); err != nil {
					// The window will be redelivered; dedup absorbs it.
					c.logger.Error("commit failed", "worker", id, "offset", tip.Offset, "error", err)
				}
			}
		} else {
			c.logger.Warn("message left unacknowledged, holding partition commits",
				"worker", id,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// handle drives one message to a terminal outcome and reports whether it may
// be acknowledged. A panic while processing is contained to the message: it
// is logged and left unacknowledged so the stream keeps moving.
func (c *Consumer) handle(ctx context.Context, msg *kafka.Message) (ack bool) {
	start := c.now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while processing message",
				"offset", msg.Offset,
				"partition", msg.Partition,
				"panic", r,
			)
			ack = false
		}
	}()

	event, err := audit.ParseEvent(msg.Value)
	if err != nil {
		return c.deadLetterMalformed(ctx, msg, err, start)
	}

	for attempt := max(msg.Attempt, 1); ; attempt++ {
		result, err := c.processor.Process(ctx, event, attempt)
		switch result {
		case audit.ResultStored, audit.ResultDuplicate:
			c.metrics.ObserveOutcome(result.String(), c.now().Sub(start))
			return true

		case audit.ResultPermanentFailure:
			// The writer already dead-lettered it.
			c.metrics.ObserveOutcome(result.String(), c.now().Sub(start))
			c.metrics.DeadLetters.WithLabelValues("schema_violation").Inc()
			return true

		case audit.ResultTransientFailure:
			if attempt >= c.cfg.MaxAttempts {
				return c.deadLetterExhausted(ctx, event, err, attempt, start)
			}
			c.metrics.Retries.Inc()
			c.logger.Warn("transient failure, backing off",
				"event_id", event.EventID,
				"attempt", attempt,
				"error", err,
			)
			if c.sleep(ctx, c.backoff(attempt)) != nil {
				// Shutting down mid-retry: leave unacknowledged.
				return false
			}

		default:
			c.logger.Error("unexpected processing result", "result", result, "event_id", event.EventID)
			return false
		}
	}
}

func (c *Consumer) deadLetterMalformed(ctx context.Context, msg *kafka.Message, cause error, start time.Time) bool {
	rec := audit.DeadLetterRecord{
		// Nothing parseable to embed; keep the raw bytes with the error.
		LastError:   fmt.Sprintf("%v; raw payload: %q", cause, truncate(msg.Value, 512)),
		Attempts:    1,
		FirstSeenAt: c.now(),
	}
	if err := c.letters.InsertDeadLetter(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Error("failed to dead-letter malformed message", "offset", msg.Offset, "error", err)
		return false
	}
	c.metrics.DeadLetters.WithLabelValues("malformed").Inc()
	c.metrics.ObserveOutcome("dead_lettered", c.now().Sub(start))
	c.logger.Warn("malformed message dead-lettered", "offset", msg.Offset, "partition", msg.Partition)
	return true
}

func (c *Consumer) deadLetterExhausted(ctx context.Context, event audit.DomainEvent, cause error, attempts int, start time.Time) bool {
	lastError := "transient store failure"
	if cause != nil {
		lastError = cause.Error()
	}
	rec := audit.DeadLetterRecord{
		Event:       event,
		LastError:   lastError,
		Attempts:    attempts,
		FirstSeenAt: c.now(),
	}
	if err := c.letters.InsertDeadLetter(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Error("failed to dead-letter exhausted event", "event_id", event.EventID, "error", err)
		return false
	}
	c.metrics.DeadLetters.WithLabelValues("retries_exhausted").Inc()
	c.metrics.ObserveOutcome("dead_lettered", c.now().Sub(start))
	c.logger.Error("event dead-lettered after exhausting retries",
		"event_id", event.EventID,
		"attempts", attempts,
		"last_error", lastError,
	)
	return true
}

func (c *Consumer) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase << (attempt - 1)
	if d > c.cfg.BackoffCap || d <= 0 {
		return c.cfg.BackoffCap
	}
	return d
}

func hashKey(key []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return h.Sum32()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
