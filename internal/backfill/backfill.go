// Package backfill performs chunked historical log replay over HTTP
// JSON-RPC, rate-limited and retried, writing a per-chunk checkpoint so a
// crash mid-run resumes from the next chunk instead of the beginning.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/okrame/verbeth/internal/events"
	"github.com/okrame/verbeth/internal/metrics"
	"github.com/okrame/verbeth/internal/processor"
	"github.com/okrame/verbeth/internal/store"
)

// RequestsPerSecond bounds the shared token bucket for one backfill
// invocation; both getLogs and getBlockByNumber consume tokens from it.
// 5 req/s keeps a free-tier RPC provider (e.g. Alchemy's ~6 req/s ceiling
// for getLogs) comfortably under its limit.
const RequestsPerSecond = 5

// MaxRateLimitRetries bounds the exponential backoff applied to a single
// request that looks rate-limited.
const MaxRateLimitRetries = 5

// InitialBackoff is the first retry delay; it doubles on each attempt.
const InitialBackoff = 1 * time.Second

// JitterMax bounds the random delay added after taking a getLogs token and
// before sending the request, to avoid every chunk in a fleet of indexers
// requesting in lockstep.
const JitterMax = 100 * time.Millisecond

// LogFetcher is the subset of ethclient.Client the backfill worker needs;
// narrowed to an interface so tests can supply a fake provider.
type LogFetcher interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Stats summarizes one backfill run.
type Stats struct {
	BlocksProcessed uint64
	EventsProcessed uint64
	EventsSkipped   uint64
}

// BlockNotFoundError is fatal: the RPC provider has no header for a block
// number a getLogs response just claimed contains a log.
type BlockNotFoundError struct {
	BlockNumber uint64
}

func (e *BlockNotFoundError) Error() string {
	return fmt.Sprintf("backfill: block not found: %d", e.BlockNumber)
}

// Run fetches and processes every Verbeth log between fromBlock and
// toBlock (inclusive), chunkSize blocks at a time, checkpointing
// last_block after each chunk.
func Run(
	ctx context.Context,
	client LogFetcher,
	contract common.Address,
	fromBlock, toBlock, chunkSize uint64,
	proc *processor.Processor,
	st *store.Store,
	metricsRegistry *metrics.Registry,
	logger *zap.Logger,
) (Stats, error) {
	logger.Info("starting backfill",
		zap.Uint64("from_block", fromBlock),
		zap.Uint64("to_block", toBlock),
		zap.Uint64("chunk_size", chunkSize),
	)

	if chunkSize == 0 {
		chunkSize = 1
	}

	limiter := rate.NewLimiter(rate.Limit(RequestsPerSecond), RequestsPerSecond)
	blockTimestamps := make(map[uint64]uint64)

	var stats Stats

	for chunkStart := fromBlock; chunkStart <= toBlock; chunkStart += chunkSize {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		chunkEnd := chunkStart + chunkSize - 1
		if chunkEnd > toBlock {
			chunkEnd = toBlock
		}

		if err := waitToken(ctx, limiter, true); err != nil {
			return stats, err
		}

		query := ethereum.FilterQuery{
			Addresses: []common.Address{contract},
			FromBlock: new(big.Int).SetUint64(chunkStart),
			ToBlock:   new(big.Int).SetUint64(chunkEnd),
		}

		logs, err := getLogsWithRetry(ctx, client, query, logger)
		if err != nil {
			return stats, err
		}

		sort.Slice(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber < logs[j].BlockNumber
			}
			return logs[i].Index < logs[j].Index
		})

		unique := make(map[uint64]struct{})
		for _, l := range logs {
			if _, ok := blockTimestamps[l.BlockNumber]; !ok {
				unique[l.BlockNumber] = struct{}{}
			}
		}
		for blockNum := range unique {
			if err := waitToken(ctx, limiter, false); err != nil {
				return stats, err
			}
			ts, err := fetchBlockTimestampWithRetry(ctx, client, blockNum, logger)
			if err != nil {
				return stats, err
			}
			blockTimestamps[blockNum] = ts
		}

		for _, log := range logs {
			decoded, ok := events.Decode(log)
			if !ok {
				stats.EventsSkipped++
				if metricsRegistry != nil {
					metricsRegistry.EventsSkipped.Inc()
				}
				continue
			}
			decoded.Meta.BlockTimestamp = blockTimestamps[log.BlockNumber]

			result, err := proc.Process(ctx, decoded)
			if err != nil {
				logger.Error("backfill: failed to process event",
					zap.Uint64("block", log.BlockNumber),
					zap.Error(err),
				)
				continue
			}
			switch result {
			case store.Inserted:
				stats.EventsProcessed++
			case store.Duplicate:
				stats.EventsSkipped++
			}
		}

		if err := st.SetLastBlock(ctx, int64(chunkEnd)); err != nil {
			return stats, fmt.Errorf("backfill: checkpoint chunk %d: %w", chunkEnd, err)
		}
		if metricsRegistry != nil {
			metricsRegistry.LastBlock.Set(float64(chunkEnd))
			metricsRegistry.BackfillChunksDone.Inc()
		}

		stats.BlocksProcessed = chunkEnd - fromBlock + 1
		total := toBlock - fromBlock + 1
		progress := float64(chunkEnd-fromBlock+1) / float64(total) * 100
		logger.Info("backfill progress",
			zap.Uint64("blocks_done", stats.BlocksProcessed),
			zap.Uint64("blocks_total", total),
			zap.Float64("percent", progress),
			zap.Uint64("events_processed", stats.EventsProcessed),
		)
	}

	logger.Info("backfill complete",
		zap.Uint64("blocks_processed", stats.BlocksProcessed),
		zap.Uint64("events_processed", stats.EventsProcessed),
		zap.Uint64("events_skipped", stats.EventsSkipped),
	)
	return stats, nil
}

func waitToken(ctx context.Context, limiter *rate.Limiter, jitter bool) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	if jitter {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(JitterMax)))):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isRateLimitError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "429") || strings.Contains(s, "exceeded") || strings.Contains(s, "rate")
}

func getLogsWithRetry(ctx context.Context, client LogFetcher, query ethereum.FilterQuery, logger *zap.Logger) ([]types.Log, error) {
	attempt := 0
	for {
		logs, err := client.FilterLogs(ctx, query)
		if err == nil {
			return logs, nil
		}
		if !isRateLimitError(err) || attempt >= MaxRateLimitRetries {
			return nil, fmt.Errorf("backfill: getLogs: %w", err)
		}
		attempt++
		backoff := InitialBackoff * time.Duration(1<<(attempt-1))
		logger.Warn("rate limited, retrying getLogs", zap.Duration("backoff", backoff), zap.Int("attempt", attempt))
		if err := sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
}

func fetchBlockTimestampWithRetry(ctx context.Context, client LogFetcher, blockNum uint64, logger *zap.Logger) (uint64, error) {
	attempt := 0
	for {
		header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNum))
		if err == nil {
			return header.Time, nil
		}
		if errors.Is(err, ethereum.NotFound) {
			return 0, &BlockNotFoundError{BlockNumber: blockNum}
		}
		if !isRateLimitError(err) || attempt >= MaxRateLimitRetries {
			return 0, fmt.Errorf("backfill: getBlockByNumber(%d): %w", blockNum, err)
		}
		attempt++
		backoff := InitialBackoff * time.Duration(1<<(attempt-1))
		logger.Warn("rate limited, retrying getBlockByNumber",
			zap.Uint64("block", blockNum), zap.Duration("backoff", backoff), zap.Int("attempt", attempt))
		if err := sleep(ctx, backoff); err != nil {
			return 0, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
