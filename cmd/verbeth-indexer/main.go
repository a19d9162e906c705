// Command verbeth-indexer watches a single Verbeth contract on an EVM
// chain, backfills its history, and keeps ingesting new events over a
// live WebSocket subscription.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/okrame/verbeth/internal/backfill"
	"github.com/okrame/verbeth/internal/config"
	"github.com/okrame/verbeth/internal/health"
	"github.com/okrame/verbeth/internal/logging"
	"github.com/okrame/verbeth/internal/metrics"
	"github.com/okrame/verbeth/internal/processor"
	"github.com/okrame/verbeth/internal/retryqueue"
	"github.com/okrame/verbeth/internal/store"
	"github.com/okrame/verbeth/internal/subscriber"
)

// blocksPerDay approximates a ~2s-block L2 chain, used to size the
// initial backfill window when the store is empty.
const blocksPerDay = 43200

// connectionPoolSize bounds the Store's pooled SQLite connections.
const connectionPoolSize = 4

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger.Info("starting verbeth indexer",
		zap.String("contract", cfg.ContractAddress.Hex()),
		zap.String("database", cfg.DatabasePath),
		zap.Uint64("rpc_chunk_size", cfg.RPCChunkSize),
	)

	st, err := store.Open(cfg.DatabasePath, connectionPoolSize)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metrics.NewRegistry()
	proc := processor.New(st)

	httpClient, err := ethclient.DialContext(ctx, cfg.RPCHTTPURL)
	if err != nil {
		return fmt.Errorf("dial rpc http: %w", err)
	}
	defer httpClient.Close()

	chainHead, err := httpClient.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get chain head: %w", err)
	}
	logger.Info("chain head", zap.Uint64("block", chainHead))

	isEmpty, err := st.IsEmpty(ctx)
	if err != nil {
		return fmt.Errorf("store: check empty: %w", err)
	}

	startBlock, err := determineStartBlock(ctx, st, cfg, chainHead, isEmpty)
	if err != nil {
		return fmt.Errorf("determine start block: %w", err)
	}

	if startBlock < chainHead {
		logger.Info("running initial backfill", zap.Uint64("from", startBlock), zap.Uint64("to", chainHead))
		if _, err := backfill.Run(ctx, httpClient, cfg.ContractAddress, startBlock, chainHead, cfg.RPCChunkSize, proc, st, metricsRegistry, logger); err != nil {
			return fmt.Errorf("initial backfill: %w", err)
		}
	} else {
		logger.Info("no backfill needed, starting from chain head")
	}

	retryQueue := retryqueue.New(retryqueue.DefaultCapacity, logger, metricsRegistry)
	drainer := retryqueue.NewDrainer(retryQueue, proc, st, metricsRegistry, logger)

	sub := &subscriber.Worker{
		WsURL:           cfg.RPCWsURL,
		HTTPURL:         cfg.RPCHTTPURL,
		ContractAddress: cfg.ContractAddress,
		ChunkSize:       cfg.RPCChunkSize,
		Store:           st,
		Processor:       proc,
		RetryQueue:      retryQueue,
		Metrics:         metricsRegistry,
		Logger:          logger,
	}

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		sub.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		drainer.Run(ctx)
	}()

	healthHandler := health.NewHandler(st, time.Now())
	mux := http.NewServeMux()
	mux.Handle("/health", healthHandler)
	mux.Handle("/metrics", metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("health listener starting", zap.Int("port", cfg.ServerPort))
		serverErrCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("health listener error", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health listener shutdown error", zap.Error(err))
	}

	workers.Wait()
	logger.Info("shutdown complete")
	return nil
}

// determineStartBlock implements the supervisor's start-block rule: if
// the store is empty, start backfill_days back from the chain head
// (clamped to creation_block); otherwise resume right after the last
// checkpoint.
func determineStartBlock(ctx context.Context, st *store.Store, cfg config.Config, chainHead uint64, isEmpty bool) (uint64, error) {
	if isEmpty {
		window := blocksPerDay * uint64(cfg.BackfillDays)
		start := uint64(0)
		if chainHead > window {
			start = chainHead - window
		}
		if start < cfg.CreationBlock {
			start = cfg.CreationBlock
		}
		return start, nil
	}

	lastBlock, err := st.GetLastBlock(ctx)
	if err != nil {
		return 0, err
	}
	if lastBlock == nil {
		return cfg.CreationBlock, nil
	}
	return uint64(*lastBlock) + 1, nil
}
