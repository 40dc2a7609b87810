package persistence

import (
	"context"
	"fmt"
	"time"

	"kirby/internal/kirbyerr"
	"kirby/internal/notify"
	"kirby/libs/observability"
	"kirby/libs/resilience"
)

// Notifier is the post-commit event sink. notify.Bus satisfies this.
type Notifier interface {
	Publish(ctx context.Context, ev notify.Event)
}

type queuedRow[T any] struct {
	row T
}

// entityQueue batches rows of one time-series entity, flushing on a size or
// time threshold (spec §4.4), retrying transient storage errors with
// exponential backoff behind a circuit breaker, and — once a batch commits
// — emitting post-commit notifications synchronously and in commit order.
type entityQueue[T any] struct {
	entity  string
	upsert  func(ctx context.Context, rows []T) error
	toEvent func(row T) notify.Event

	notifier Notifier
	metrics  *observability.CoreMetrics

	batchSize   int
	flushEvery  time.Duration
	backoff     resilience.Backoff
	maxAttempts int
	breaker     *resilience.CircuitBreaker

	ch    chan queuedRow[T]
	fatal chan error
}

func newEntityQueue[T any](
	entity string,
	queueSize, batchSize int,
	flushEvery time.Duration,
	backoff resilience.Backoff,
	upsert func(ctx context.Context, rows []T) error,
	toEvent func(row T) notify.Event,
	notifier Notifier,
	metrics *observability.CoreMetrics,
) *entityQueue[T] {
	return &entityQueue[T]{
		entity:      entity,
		upsert:      upsert,
		toEvent:     toEvent,
		notifier:    notifier,
		metrics:     metrics,
		batchSize:   batchSize,
		flushEvery:  flushEvery,
		backoff:     backoff,
		maxAttempts: 6,
		breaker:     resilience.NewCircuitBreaker(resilience.DefaultConfig("persistence_" + entity)),
		ch:          make(chan queuedRow[T], queueSize),
		fatal:       make(chan error, 1),
	}
}

// Fatal reports storage-exhaustion failures (spec §7: "Fatal to the
// writing collector task; supervisor observes and restarts"). A send never
// blocks — if a restart is already pending for a prior failure, further
// reports within the same window are redundant and dropped.
func (q *entityQueue[T]) Fatal() <-chan error {
	return q.fatal
}

// Submit enqueues row, blocking (back-pressure, never dropping) while the
// queue is full. Returns ctx.Err() if ctx is cancelled while blocked.
func (q *entityQueue[T]) Submit(ctx context.Context, row T) error {
	select {
	case q.ch <- queuedRow[T]{row: row}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run accumulates rows until batchSize is reached or flushEvery elapses,
// then flushes. It returns when ctx is cancelled, flushing any partial
// batch first.
func (q *entityQueue[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(q.flushEvery)
	defer ticker.Stop()

	batch := make([]T, 0, q.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		toFlush := batch
		batch = make([]T, 0, q.batchSize)
		q.flush(ctx, toFlush)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case r := <-q.ch:
			batch = append(batch, r.row)
			if len(batch) >= q.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (q *entityQueue[T]) flush(ctx context.Context, rows []T) {
	start := time.Now()
	var err error
	for attempt := 0; attempt < q.maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(q.backoff.Delay(attempt - 1))
		}
		_, execErr := q.breaker.Execute(func() (any, error) {
			return nil, q.upsert(ctx, rows)
		})
		err = execErr
		if err == nil {
			break
		}
	}
	duration := time.Since(start)

	if err != nil {
		err = fmt.Errorf("%w: %v", kirbyerr.ErrStorageUnavailable, err)
	}
	observability.RecordPersistenceFlush(ctx, q.entity, len(rows), duration, err)
	if q.metrics != nil {
		q.metrics.BatchesFlushed.Inc("entity", q.entity)
	}

	if err != nil {
		observability.LogEvent(ctx, "error", "persistence_flush_exhausted", map[string]any{
			"entity": q.entity,
			"rows":   len(rows),
			"error":  err.Error(),
		})
		select {
		case q.fatal <- err:
		default:
		}
		return
	}

	if q.metrics != nil {
		q.metrics.RowsIngested.Add(float64(len(rows)), "entity", q.entity)
	}
	if q.notifier == nil {
		return
	}
	for _, row := range rows {
		q.notifier.Publish(ctx, q.toEvent(row))
	}
}
