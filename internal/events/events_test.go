package events

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageSent(t *testing.T) {
	topic := common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")

	data, err := messageSentDataArgs.Pack([]byte("ciphertext"), big.NewInt(1700000000), big.NewInt(42))
	require.NoError(t, err)

	log := types.Log{
		Topics: []common.Hash{
			MessageSentSignature,
			common.BytesToHash(sender.Bytes()),
			topic,
		},
		Data:        data,
		BlockNumber: 1000,
		Index:       3,
	}

	decoded, ok := Decode(log)
	require.True(t, ok)
	require.NotNil(t, decoded.MessageSent)
	require.Equal(t, topic, decoded.MessageSent.Topic)
	require.Equal(t, sender, decoded.MessageSent.Sender)
	require.Equal(t, []byte("ciphertext"), decoded.MessageSent.Ciphertext)
	require.Equal(t, uint64(1700000000), decoded.MessageSent.Timestamp)
	require.Equal(t, uint64(42), decoded.MessageSent.Nonce)
	require.Equal(t, uint64(1000), decoded.Meta.BlockNumber)
	require.Equal(t, uint64(3), decoded.Meta.LogIndex)

	stream, key := decoded.Stream()
	require.Equal(t, StreamMessages, stream)
	require.Equal(t, topic.Bytes(), key)
}

func TestDecodeHandshake(t *testing.T) {
	recipientHash := common.HexToHash("0xbbbb")
	sender := common.HexToAddress("0x2222222222222222222222222222222222222222")

	data, err := handshakeDataArgs.Pack([]byte("pubkeys"), []byte("ephemeral"), []byte("plaintext"))
	require.NoError(t, err)

	log := types.Log{
		Topics: []common.Hash{
			HandshakeSignature,
			recipientHash,
			common.BytesToHash(sender.Bytes()),
		},
		Data: data,
	}

	decoded, ok := Decode(log)
	require.True(t, ok)
	require.NotNil(t, decoded.Handshake)
	require.Equal(t, recipientHash, decoded.Handshake.RecipientHash)
	require.Equal(t, sender, decoded.Handshake.Sender)
	require.Equal(t, []byte("pubkeys"), decoded.Handshake.PubKeys)
	require.Equal(t, []byte("ephemeral"), decoded.Handshake.EphemeralPubKey)
	require.Equal(t, []byte("plaintext"), decoded.Handshake.PlaintextPayload)

	stream, key := decoded.Stream()
	require.Equal(t, StreamHandshakes, stream)
	require.Equal(t, recipientHash.Bytes(), key)
}

func TestDecodeHandshakeResponse(t *testing.T) {
	inResponseTo := common.HexToHash("0xcccc")
	responder := common.HexToAddress("0x3333333333333333333333333333333333333333")
	var ephemeralR [32]byte
	copy(ephemeralR[:], common.HexToHash("0xdddd").Bytes())

	data, err := handshakeResponseDataArgs.Pack(ephemeralR, []byte("ciphertext"))
	require.NoError(t, err)

	log := types.Log{
		Topics: []common.Hash{
			HandshakeResponseSignature,
			inResponseTo,
			common.BytesToHash(responder.Bytes()),
		},
		Data: data,
	}

	decoded, ok := Decode(log)
	require.True(t, ok)
	require.NotNil(t, decoded.HandshakeResponse)
	require.Equal(t, inResponseTo, decoded.HandshakeResponse.InResponseTo)
	require.Equal(t, responder, decoded.HandshakeResponse.Responder)
	require.Equal(t, common.BytesToHash(ephemeralR[:]), decoded.HandshakeResponse.ResponderEphemeralR)
	require.Equal(t, []byte("ciphertext"), decoded.HandshakeResponse.Ciphertext)

	stream, key := decoded.Stream()
	require.Equal(t, StreamHandshakeResponses, stream)
	require.Nil(t, key)
}

func TestDecodeUnknownSignatureIsSkipped(t *testing.T) {
	log := types.Log{
		Topics: []common.Hash{common.HexToHash("0xdeadbeef")},
	}
	_, ok := Decode(log)
	require.False(t, ok)
}

func TestDecodeNoTopicsIsSkipped(t *testing.T) {
	_, ok := Decode(types.Log{})
	require.False(t, ok)
}

func TestDecodeTooFewTopicsIsSkipped(t *testing.T) {
	log := types.Log{
		Topics: []common.Hash{MessageSentSignature, common.HexToHash("0x1")},
	}
	_, ok := Decode(log)
	require.False(t, ok)
}
