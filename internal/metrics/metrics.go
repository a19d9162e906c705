package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors exported by the indexer.
type Registry struct {
	LastBlock            prometheus.Gauge
	RetryQueueDepth      prometheus.Gauge
	EventsInserted       *prometheus.CounterVec
	EventsDuplicate      *prometheus.CounterVec
	EventsSkipped        prometheus.Counter
	EventsDeadLettered   prometheus.Counter
	SubscriberReconnects prometheus.Counter
	BackfillChunksDone   prometheus.Counter
}

// NewRegistry creates and registers the indexer's Prometheus collectors.
func NewRegistry() *Registry {
	return &Registry{
		LastBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "verbeth_indexer_last_block",
			Help: "Highest block number fully committed to the store",
		}),
		RetryQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "verbeth_indexer_retry_queue_depth",
			Help: "Current number of events waiting in the retry queue",
		}),
		EventsInserted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "verbeth_indexer_events_inserted_total",
			Help: "Total number of events newly inserted, by stream",
		}, []string{"stream"}),
		EventsDuplicate: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "verbeth_indexer_events_duplicate_total",
			Help: "Total number of events observed that were already persisted, by stream",
		}, []string{"stream"}),
		EventsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verbeth_indexer_events_skipped_total",
			Help: "Total number of logs skipped due to an unrecognized event signature",
		}),
		EventsDeadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verbeth_indexer_events_dead_lettered_total",
			Help: "Total number of events permanently dropped by the retry queue",
		}),
		SubscriberReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verbeth_indexer_subscriber_reconnects_total",
			Help: "Total number of WebSocket subscription reconnect attempts",
		}),
		BackfillChunksDone: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verbeth_indexer_backfill_chunks_total",
			Help: "Total number of backfill chunks committed",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
