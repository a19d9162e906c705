// Package events decodes raw chain logs into the three Verbeth event
// types the indexer understands, and carries their chain-position
// metadata (block number, log index, block timestamp).
package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Stream identifies one of the three independently-sequenced event
// streams the indexer persists.
type Stream int

const (
	StreamMessages Stream = iota
	StreamHandshakes
	StreamHandshakeResponses
)

func (s Stream) String() string {
	switch s {
	case StreamMessages:
		return "messages"
	case StreamHandshakes:
		return "handshakes"
	case StreamHandshakeResponses:
		return "handshake_responses"
	default:
		return "unknown"
	}
}

// MessageSent mirrors the Verbeth MessageSent event.
type MessageSent struct {
	Topic      common.Hash
	Sender     common.Address
	Ciphertext []byte
	Timestamp  uint64
	Nonce      uint64
}

// Handshake mirrors the Verbeth Handshake event.
type Handshake struct {
	RecipientHash    common.Hash
	Sender           common.Address
	PubKeys          []byte
	EphemeralPubKey  []byte
	PlaintextPayload []byte
}

// HandshakeResponse mirrors the Verbeth HandshakeResponse event.
type HandshakeResponse struct {
	InResponseTo        common.Hash
	Responder           common.Address
	ResponderEphemeralR common.Hash
	Ciphertext          []byte
}

// Meta carries a log's position in the chain, independent of which event
// type it decoded to.
type Meta struct {
	BlockNumber    uint64
	LogIndex       uint64
	BlockTimestamp uint64
}

// Decoded is a fully decoded log: exactly one of the three event fields
// is non-nil.
type Decoded struct {
	Meta              Meta
	MessageSent       *MessageSent
	Handshake         *Handshake
	HandshakeResponse *HandshakeResponse
}

// Stream reports which sequencing stream this event belongs to, and the
// stream key to sequence it under ("" / nil for the global HSR stream).
func (d *Decoded) Stream() (Stream, []byte) {
	switch {
	case d.MessageSent != nil:
		return StreamMessages, d.MessageSent.Topic.Bytes()
	case d.Handshake != nil:
		return StreamHandshakes, d.Handshake.RecipientHash.Bytes()
	default:
		return StreamHandshakeResponses, nil
	}
}

// Event signature hashes (topic0), computed once from the canonical
// Solidity event signatures in the Verbeth ABI.
var (
	MessageSentSignature       = crypto.Keccak256Hash([]byte("MessageSent(address,bytes,uint256,bytes32,uint256)"))
	HandshakeSignature         = crypto.Keccak256Hash([]byte("Handshake(bytes32,address,bytes,bytes,bytes)"))
	HandshakeResponseSignature = crypto.Keccak256Hash([]byte("HandshakeResponse(bytes32,address,bytes32,bytes)"))
)

var (
	bytesType, _   = abi.NewType("bytes", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	messageSentDataArgs = abi.Arguments{
		{Type: bytesType},   // ciphertext
		{Type: uint256Type}, // timestamp
		{Type: uint256Type}, // nonce
	}
	handshakeDataArgs = abi.Arguments{
		{Type: bytesType}, // pubKeys
		{Type: bytesType}, // ephemeralPubKey
		{Type: bytesType}, // plaintextPayload
	}
	handshakeResponseDataArgs = abi.Arguments{
		{Type: bytes32Type}, // responderEphemeralR
		{Type: bytesType},   // ciphertext
	}
)

// Decode inspects a raw log's first topic and, if it matches one of the
// three known Verbeth event signatures, reconstructs the typed event from
// the topic slots and the ABI-decoded data slots. Logs with zero topics
// or an unrecognized topic0 (e.g. the contract's Upgraded or
// OwnershipTransferred events) decode to (nil, false) — the caller is
// expected to skip them silently.
func Decode(log types.Log) (*Decoded, bool) {
	if len(log.Topics) == 0 {
		return nil, false
	}

	meta := Meta{
		BlockNumber: log.BlockNumber,
		LogIndex:    uint64(log.Index),
	}

	switch log.Topics[0] {
	case MessageSentSignature:
		if len(log.Topics) < 3 {
			return nil, false
		}
		values, err := messageSentDataArgs.Unpack(log.Data)
		if err != nil || len(values) != 3 {
			return nil, false
		}
		ciphertext, _ := values[0].([]byte)
		timestamp, _ := values[1].(*big.Int)
		nonce, _ := values[2].(*big.Int)
		if timestamp == nil || nonce == nil {
			return nil, false
		}
		return &Decoded{
			Meta: meta,
			MessageSent: &MessageSent{
				Sender:     common.BytesToAddress(log.Topics[1].Bytes()),
				Topic:      log.Topics[2],
				Ciphertext: ciphertext,
				Timestamp:  timestamp.Uint64(),
				Nonce:      nonce.Uint64(),
			},
		}, true

	case HandshakeSignature:
		if len(log.Topics) < 3 {
			return nil, false
		}
		values, err := handshakeDataArgs.Unpack(log.Data)
		if err != nil || len(values) != 3 {
			return nil, false
		}
		pubKeys, _ := values[0].([]byte)
		ephemeralPubKey, _ := values[1].([]byte)
		plaintextPayload, _ := values[2].([]byte)
		return &Decoded{
			Meta: meta,
			Handshake: &Handshake{
				RecipientHash:    log.Topics[1],
				Sender:           common.BytesToAddress(log.Topics[2].Bytes()),
				PubKeys:          pubKeys,
				EphemeralPubKey:  ephemeralPubKey,
				PlaintextPayload: plaintextPayload,
			},
		}, true

	case HandshakeResponseSignature:
		if len(log.Topics) < 3 {
			return nil, false
		}
		values, err := handshakeResponseDataArgs.Unpack(log.Data)
		if err != nil || len(values) != 2 {
			return nil, false
		}
		responderEphemeralR, _ := values[0].([32]byte)
		ciphertext, _ := values[1].([]byte)
		return &Decoded{
			Meta: meta,
			HandshakeResponse: &HandshakeResponse{
				InResponseTo:        log.Topics[1],
				Responder:           common.BytesToAddress(log.Topics[2].Bytes()),
				ResponderEphemeralR: common.BytesToHash(responderEphemeralR[:]),
				Ciphertext:          ciphertext,
			},
		}, true

	default:
		return nil, false
	}
}
