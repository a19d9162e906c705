// Package subscriber maintains a live WebSocket log subscription with
// automatic reconnect and gap recovery: every reconnect except the first
// runs a backfill from the last checkpoint to the current chain head
// before resuming live ingestion, so no block window is ever missed.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/okrame/verbeth/internal/backfill"
	"github.com/okrame/verbeth/internal/events"
	"github.com/okrame/verbeth/internal/metrics"
	"github.com/okrame/verbeth/internal/processor"
	"github.com/okrame/verbeth/internal/retryqueue"
	"github.com/okrame/verbeth/internal/store"
)

// InitialBackoff is the reconnect delay after the first failure; it
// doubles on each subsequent failure up to MaxBackoff, and resets after
// any successful connect.
const InitialBackoff = 1 * time.Second

// MaxBackoff caps the reconnect delay.
const MaxBackoff = 60 * time.Second

// SubClient is the subset of a live chain client the subscription loop
// needs; narrowed to an interface, mirroring backfill.LogFetcher, so
// tests can inject a fake provider instead of dialing a real node.
type SubClient interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Close()
}

// RecoveryClient is the subset of a chain client needed to run a
// gap-recovery backfill over HTTP JSON-RPC.
type RecoveryClient interface {
	backfill.LogFetcher
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Dialer constructs the WS and HTTP clients the worker needs, for the
// live subscription and its gap-recovery backfill respectively.
type Dialer interface {
	DialWS(ctx context.Context, url string) (SubClient, error)
	DialHTTP(ctx context.Context, url string) (RecoveryClient, error)
}

// ethDialer is the production Dialer, backed by real JSON-RPC clients.
type ethDialer struct{}

func (ethDialer) DialWS(ctx context.Context, url string) (SubClient, error) {
	return ethclient.DialContext(ctx, url)
}

func (ethDialer) DialHTTP(ctx context.Context, url string) (RecoveryClient, error) {
	return ethclient.DialContext(ctx, url)
}

// Worker owns the subscription's reconnect loop.
type Worker struct {
	WsURL           string
	HTTPURL         string
	ContractAddress common.Address
	ChunkSize       uint64

	Store      *store.Store
	Processor  *processor.Processor
	RetryQueue *retryqueue.Queue
	Metrics    *metrics.Registry
	Logger     *zap.Logger

	// Dialer constructs the worker's chain clients; nil uses ethDialer,
	// the production go-ethereum-backed implementation. Tests supply a
	// fake here instead of dialing a real node.
	Dialer Dialer

	first     bool
	connected bool
}

func (w *Worker) dialer() Dialer {
	if w.Dialer != nil {
		return w.Dialer
	}
	return ethDialer{}
}

// Run blocks until ctx is canceled, reconnecting with exponential backoff
// whenever the subscription drops.
func (w *Worker) Run(ctx context.Context) {
	w.first = true
	backoffDelay := InitialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		w.connected = false
		err := w.connectAndSubscribe(ctx)
		w.first = false

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			w.Logger.Info("subscriber shut down gracefully")
			return
		}
		if w.connected {
			backoffDelay = InitialBackoff
		}

		w.Logger.Warn("subscriber error, reconnecting", zap.Error(err), zap.Duration("backoff", backoffDelay))
		if w.Metrics != nil {
			w.Metrics.SubscriberReconnects.Inc()
		}

		select {
		case <-time.After(backoffDelay):
		case <-ctx.Done():
			return
		}

		backoffDelay *= 2
		if backoffDelay > MaxBackoff {
			backoffDelay = MaxBackoff
		}
	}
}

func (w *Worker) connectAndSubscribe(ctx context.Context) error {
	if !w.first {
		if err := w.gapRecovery(ctx); err != nil {
			return fmt.Errorf("subscriber: gap recovery: %w", err)
		}
	}

	w.Logger.Info("connecting to websocket", zap.String("url", w.WsURL))
	client, err := w.dialer().DialWS(ctx, w.WsURL)
	if err != nil {
		return fmt.Errorf("subscriber: dial: %w", err)
	}
	defer client.Close()

	query := ethereum.FilterQuery{
		Addresses: []common.Address{w.ContractAddress},
		Topics: [][]common.Hash{{
			events.MessageSentSignature,
			events.HandshakeSignature,
			events.HandshakeResponseSignature,
		}},
	}

	logCh := make(chan types.Log, 256)
	sub, err := client.SubscribeFilterLogs(ctx, query, logCh)
	if err != nil {
		return fmt.Errorf("subscriber: subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	w.Logger.Info("subscribed to verbeth events")

	// successful (re)connect: Run resets its backoff to InitialBackoff
	// when this subscription later drops.
	w.connected = true
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				return errors.New("subscriber: subscription closed")
			}
			return fmt.Errorf("subscriber: subscription error: %w", err)
		case log := <-logCh:
			w.handleLog(ctx, client, log)
		}
	}
}

func (w *Worker) handleLog(ctx context.Context, client SubClient, log types.Log) {
	decoded, ok := events.Decode(log)
	if !ok {
		w.Logger.Debug("unknown event, skipping", zap.Uint64("block", log.BlockNumber))
		if w.Metrics != nil {
			w.Metrics.EventsSkipped.Inc()
		}
		return
	}

	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(log.BlockNumber))
	if err != nil {
		w.Logger.Warn("failed to fetch block timestamp, skipping log (will be re-presented by next gap recovery)",
			zap.Uint64("block", log.BlockNumber), zap.Error(err))
		return
	}
	decoded.Meta.BlockTimestamp = header.Time

	result, err := w.Processor.Process(ctx, decoded)
	if err != nil {
		w.Logger.Error("failed to process live event, queuing for retry",
			zap.Uint64("block", log.BlockNumber), zap.Error(err))
		w.RetryQueue.Push(decoded, err)
		if w.Metrics != nil {
			w.Metrics.RetryQueueDepth.Set(float64(w.RetryQueue.Len()))
		}
		return
	}

	stream, _ := decoded.Stream()
	switch result {
	case store.Inserted:
		if w.Metrics != nil {
			w.Metrics.EventsInserted.WithLabelValues(stream.String()).Inc()
		}
		if err := w.Store.SetLastBlock(ctx, int64(log.BlockNumber)); err != nil {
			w.Logger.Error("failed to advance checkpoint", zap.Error(err))
		} else if w.Metrics != nil {
			w.Metrics.LastBlock.Set(float64(log.BlockNumber))
		}
	case store.Duplicate:
		if w.Metrics != nil {
			w.Metrics.EventsDuplicate.WithLabelValues(stream.String()).Inc()
		}
	}
}

// gapRecovery backfills (last_block, chain_head] before the subscription
// (re)opens, closing the window during which the previous subscription
// was down.
func (w *Worker) gapRecovery(ctx context.Context) error {
	httpClient, err := w.dialer().DialHTTP(ctx, w.HTTPURL)
	if err != nil {
		return fmt.Errorf("dial http: %w", err)
	}
	defer httpClient.Close()

	head, err := httpClient.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get chain head: %w", err)
	}

	lastBlock, err := w.Store.GetLastBlock(ctx)
	if err != nil {
		return fmt.Errorf("get last block: %w", err)
	}

	var from uint64
	if lastBlock != nil {
		from = uint64(*lastBlock) + 1
	}

	if from > head {
		return nil
	}

	w.Logger.Info("running gap-recovery backfill", zap.Uint64("from", from), zap.Uint64("to", head))
	_, err = backfill.Run(ctx, httpClient, w.ContractAddress, from, head, w.ChunkSize, w.Processor, w.Store, w.Metrics, w.Logger)
	return err
}
