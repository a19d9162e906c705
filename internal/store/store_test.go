package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/okrame/verbeth/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "indexer.db")
	st, err := Open(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleMessage(topic common.Hash, block uint64) (*events.MessageSent, events.Meta) {
	return &events.MessageSent{
			Topic:      topic,
			Sender:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Ciphertext: []byte("ciphertext"),
			Timestamp:  1700000000,
			Nonce:      1,
		}, events.Meta{
			BlockNumber:    block,
			LogIndex:       0,
			BlockTimestamp: 1700000000,
		}
}

func TestInsertMessageSentAssignsIncreasingSequence(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	topic := common.HexToHash("0xaaaa")

	msg1, meta1 := sampleMessage(topic, 100)
	result, seq, err := st.InsertMessageSent(ctx, msg1, meta1)
	require.NoError(t, err)
	require.Equal(t, Inserted, result)
	require.Equal(t, int64(0), seq)

	msg2, meta2 := sampleMessage(topic, 101)
	result, seq, err = st.InsertMessageSent(ctx, msg2, meta2)
	require.NoError(t, err)
	require.Equal(t, Inserted, result)
	require.Equal(t, int64(1), seq)
}

func TestInsertMessageSentDuplicateLeavesNoSequenceGap(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	topic := common.HexToHash("0xbbbb")

	msg, meta := sampleMessage(topic, 100)
	_, _, err := st.InsertMessageSent(ctx, msg, meta)
	require.NoError(t, err)

	result, _, err := st.InsertMessageSent(ctx, msg, meta)
	require.NoError(t, err)
	require.Equal(t, Duplicate, result)

	next, _, err := st.InsertMessageSent(ctx, msg, events.Meta{BlockNumber: 102})
	require.NoError(t, err)
	require.Equal(t, Duplicate, next)

	fresh := &events.MessageSent{Topic: topic, Sender: msg.Sender, Ciphertext: []byte("new")}
	result, seq, err := st.InsertMessageSent(ctx, fresh, events.Meta{BlockNumber: 103})
	require.NoError(t, err)
	require.Equal(t, Inserted, result)
	require.Equal(t, int64(1), seq, "duplicate insert must not have consumed a sequence number")
}

func TestSequencesAreIndependentPerTopic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	topicA := common.HexToHash("0xaaaa")
	topicB := common.HexToHash("0xbbbb")

	msgA, metaA := sampleMessage(topicA, 100)
	_, seqA, err := st.InsertMessageSent(ctx, msgA, metaA)
	require.NoError(t, err)
	require.Equal(t, int64(0), seqA)

	msgB, metaB := sampleMessage(topicB, 101)
	_, seqB, err := st.InsertMessageSent(ctx, msgB, metaB)
	require.NoError(t, err)
	require.Equal(t, int64(0), seqB, "a different topic must start its own sequence at zero")
}

func TestInsertHandshakeResponseUsesGlobalSequence(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	hsr1 := &events.HandshakeResponse{
		InResponseTo:        common.HexToHash("0x1"),
		Responder:           common.HexToAddress("0x2222222222222222222222222222222222222222"),
		ResponderEphemeralR: common.HexToHash("0x3"),
		Ciphertext:          []byte("ct1"),
	}
	hsr2 := &events.HandshakeResponse{
		InResponseTo:        common.HexToHash("0x4"),
		Responder:           common.HexToAddress("0x5555555555555555555555555555555555555555"),
		ResponderEphemeralR: common.HexToHash("0x6"),
		Ciphertext:          []byte("ct2"),
	}

	_, seq1, err := st.InsertHandshakeResponse(ctx, hsr1, events.Meta{BlockNumber: 100})
	require.NoError(t, err)
	_, seq2, err := st.InsertHandshakeResponse(ctx, hsr2, events.Meta{BlockNumber: 101})
	require.NoError(t, err)

	require.Equal(t, int64(0), seq1)
	require.Equal(t, int64(1), seq2)
}

func TestLastBlockCheckpointRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	got, err := st.GetLastBlock(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, st.SetLastBlock(ctx, 500))
	got, err = st.GetLastBlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int64(500), *got)
}

func TestSetLastBlockNeverRegresses(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetLastBlock(ctx, 500))
	require.NoError(t, st.SetLastBlock(ctx, 300))

	got, err := st.GetLastBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(500), *got)
}

func TestGetEventCountsAndIsEmpty(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	empty, err := st.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)

	msg, meta := sampleMessage(common.HexToHash("0xaaaa"), 100)
	_, _, err = st.InsertMessageSent(ctx, msg, meta)
	require.NoError(t, err)

	counts, err := st.GetEventCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Messages)
	require.Equal(t, int64(0), counts.Handshakes)

	empty, err = st.IsEmpty(ctx)
	require.NoError(t, err)
	require.False(t, empty)
}
