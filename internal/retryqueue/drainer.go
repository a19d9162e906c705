package retryqueue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/okrame/verbeth/internal/metrics"
	"github.com/okrame/verbeth/internal/processor"
	"github.com/okrame/verbeth/internal/store"
)

// DrainInterval is how often the drainer wakes to retry queued events.
const DrainInterval = 10 * time.Second

// Drainer periodically empties the Queue through the Processor, advancing
// the checkpoint on successful inserts and re-queuing (or dead-lettering)
// events that fail again.
type Drainer struct {
	queue     *Queue
	processor *processor.Processor
	store     *store.Store
	metrics   *metrics.Registry
	logger    *zap.Logger
}

// NewDrainer constructs a Drainer over the given queue, processor, and
// store. metricsRegistry may be nil.
func NewDrainer(q *Queue, p *processor.Processor, s *store.Store, metricsRegistry *metrics.Registry, logger *zap.Logger) *Drainer {
	return &Drainer{queue: q, processor: p, store: s, metrics: metricsRegistry, logger: logger}
}

// Run ticks every DrainInterval until ctx is canceled, draining the queue
// on each tick. It returns once ctx is done and the in-flight drain pass
// (if any) completes.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

// drainOnce makes one attempt for each entry queued when the pass starts;
// entries re-queued by PushRetry during the pass wait for the next tick.
func (d *Drainer) drainOnce(ctx context.Context) {
	if d.metrics != nil {
		defer func() { d.metrics.RetryQueueDepth.Set(float64(d.queue.Len())) }()
	}
	for n := d.queue.Len(); n > 0; n-- {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry, ok := d.queue.Pop()
		if !ok {
			return
		}

		result, err := d.processor.Process(ctx, entry.Decoded)
		if err != nil {
			d.queue.PushRetry(entry, err)
			continue
		}

		switch result {
		case store.Inserted:
			if err := d.store.SetLastBlock(ctx, int64(entry.Decoded.Meta.BlockNumber)); err != nil {
				d.logger.Error("retry drainer: failed to advance checkpoint", zap.Error(err))
			} else if d.metrics != nil {
				d.metrics.LastBlock.Set(float64(entry.Decoded.Meta.BlockNumber))
			}
		case store.Duplicate:
			// already persisted by a concurrent writer; drop silently
		}
	}
}
