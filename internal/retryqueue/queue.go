// Package retryqueue holds events whose processing failed transiently,
// and drains them back through the Processor on a timer. It absorbs the
// brief windows where the Store or the chain RPC is unavailable without
// losing the underlying log.
package retryqueue

import (
	"sync"

	"go.uber.org/zap"

	"github.com/okrame/verbeth/internal/events"
	"github.com/okrame/verbeth/internal/metrics"
)

// DefaultCapacity bounds the queue's size; beyond it, the oldest entry is
// dead-lettered to make room for the newest failure.
const DefaultCapacity = 1000

// MaxRetries is the number of PushRetry calls an entry tolerates before
// it is dead-lettered and discarded.
const MaxRetries = 3

// Entry is one event awaiting a retried Process call.
type Entry struct {
	Decoded    *events.Decoded
	RetryCount int
	LastError  string
}

// Queue is a bounded in-memory FIFO guarded by a mutex. It is a queue,
// not a channel, because Pop must report "empty" without blocking and
// Push must inspect-then-evict the head when full.
type Queue struct {
	mu       sync.Mutex
	items    []*Entry
	capacity int
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// New constructs a Queue with the given capacity (DefaultCapacity if <= 0).
// metricsRegistry may be nil.
func New(capacity int, logger *zap.Logger, metricsRegistry *metrics.Registry) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity, logger: logger, metrics: metricsRegistry}
}

// Push enqueues a freshly-failed event. If the queue is at capacity, the
// oldest entry is dead-lettered (logged and dropped) to make room — the
// newest failure always displaces the oldest one, by design.
func (q *Queue) Push(d *events.Decoded, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		old := q.items[0]
		q.items = q.items[1:]
		q.logger.Error("dead-lettered event (queue full)",
			zap.Uint64("block", old.Decoded.Meta.BlockNumber),
			zap.Uint64("log_index", old.Decoded.Meta.LogIndex),
			zap.Int("retries", old.RetryCount),
			zap.String("error", old.LastError),
		)
		if q.metrics != nil {
			q.metrics.EventsDeadLettered.Inc()
		}
	}

	q.items = append(q.items, &Entry{
		Decoded:   d,
		LastError: err.Error(),
	})
}

// PushRetry re-enqueues an entry that failed again during a drain pass.
// Once RetryCount reaches MaxRetries, the entry is dead-lettered and
// discarded instead.
func (q *Queue) PushRetry(e *Entry, err error) {
	e.RetryCount++
	e.LastError = err.Error()

	if e.RetryCount >= MaxRetries {
		q.logger.Error("dead-lettered event (max retries)",
			zap.Uint64("block", e.Decoded.Meta.BlockNumber),
			zap.Uint64("log_index", e.Decoded.Meta.LogIndex),
			zap.Int("retries", e.RetryCount),
			zap.String("error", e.LastError),
		)
		if q.metrics != nil {
			q.metrics.EventsDeadLettered.Inc()
		}
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, e)
}

// Pop removes and returns the head entry, or (nil, false) if empty.
func (q *Queue) Pop() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
