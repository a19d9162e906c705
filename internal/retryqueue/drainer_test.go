package retryqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/okrame/verbeth/internal/events"
	"github.com/okrame/verbeth/internal/processor"
	"github.com/okrame/verbeth/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "indexer.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestDrainOnceInsertsQueuedEvent(t *testing.T) {
	st := openTestStore(t)
	proc := processor.New(st)
	q := New(10, zap.NewNop(), nil)
	d := NewDrainer(q, proc, st, nil, zap.NewNop())

	decoded := &events.Decoded{
		Meta: events.Meta{BlockNumber: 100},
		MessageSent: &events.MessageSent{
			Topic:      common.HexToHash("0xaaaa"),
			Sender:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Ciphertext: []byte("ct"),
		},
	}
	q.Push(decoded, context.DeadlineExceeded)
	require.Equal(t, 1, q.Len())

	d.drainOnce(context.Background())

	require.Equal(t, 0, q.Len())
	counts, err := st.GetEventCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Messages)

	lastBlock, err := st.GetLastBlock(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lastBlock)
	require.Equal(t, int64(100), *lastBlock)
}

func TestDrainOnceStopsOnContextCancellation(t *testing.T) {
	st := openTestStore(t)
	proc := processor.New(st)
	q := New(10, zap.NewNop(), nil)
	d := NewDrainer(q, proc, st, nil, zap.NewNop())

	decoded := &events.Decoded{
		Meta:        events.Meta{BlockNumber: 100},
		MessageSent: &events.MessageSent{Topic: common.HexToHash("0xaaaa")},
	}
	q.Push(decoded, context.DeadlineExceeded)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.drainOnce(ctx)
	require.Equal(t, 1, q.Len(), "a canceled context must leave queued entries untouched")
}

func TestRunReturnsWhenContextIsCanceled(t *testing.T) {
	st := openTestStore(t)
	proc := processor.New(st)
	q := New(10, zap.NewNop(), nil)
	d := NewDrainer(q, proc, st, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
