// Package processor validates, sequences, and persists decoded Verbeth
// events. It is the only caller of the store's sequenced-insert
// operations, so it is where payload size limits and stream selection
// are enforced.
package processor

import (
	"context"
	"fmt"

	"github.com/okrame/verbeth/internal/events"
	"github.com/okrame/verbeth/internal/store"
)

// Size limits for the Verbeth protocol's payload fields. These guard
// against malformed or hostile logs; they are not a protocol rule.
const (
	MaxCiphertextSize        = 64 * 1024
	MaxPubKeysSize           = 65
	MaxEphemeralPubKeySize   = 1216
	MaxPlaintextPayloadSize  = 1024
	MaxHSRCiphertextSize     = 4 * 1024
)

// PayloadTooLargeError is returned when a decoded event's payload exceeds
// its configured cap. It is permanent: retrying will not make the
// payload smaller.
type PayloadTooLargeError struct {
	Field string
	Size  int
	Max   int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload too large: field=%s size=%d max=%d", e.Field, e.Size, e.Max)
}

// Processor decodes payload validation and sequencing into a single
// contract over the Store.
type Processor struct {
	store *store.Store
}

// New constructs a Processor over the given Store.
func New(s *store.Store) *Processor {
	return &Processor{store: s}
}

// Process validates payload sizes, assigns a sequence number, and
// inserts the event idempotently, reporting whether the insert was new
// or a duplicate. Any other failure (store I/O, size validation) is
// returned unchanged for the caller to classify.
func (p *Processor) Process(ctx context.Context, d *events.Decoded) (store.Result, error) {
	if err := validateSize(d); err != nil {
		return 0, err
	}

	switch {
	case d.MessageSent != nil:
		result, _, err := p.store.InsertMessageSent(ctx, d.MessageSent, d.Meta)
		return result, err
	case d.Handshake != nil:
		result, _, err := p.store.InsertHandshake(ctx, d.Handshake, d.Meta)
		return result, err
	case d.HandshakeResponse != nil:
		result, _, err := p.store.InsertHandshakeResponse(ctx, d.HandshakeResponse, d.Meta)
		return result, err
	default:
		return 0, fmt.Errorf("processor: decoded event carries no payload")
	}
}

func validateSize(d *events.Decoded) error {
	switch {
	case d.MessageSent != nil:
		if n := len(d.MessageSent.Ciphertext); n > MaxCiphertextSize {
			return &PayloadTooLargeError{Field: "ciphertext", Size: n, Max: MaxCiphertextSize}
		}
	case d.Handshake != nil:
		h := d.Handshake
		if n := len(h.PubKeys); n > MaxPubKeysSize {
			return &PayloadTooLargeError{Field: "pubKeys", Size: n, Max: MaxPubKeysSize}
		}
		if n := len(h.EphemeralPubKey); n > MaxEphemeralPubKeySize {
			return &PayloadTooLargeError{Field: "ephemeralPubKey", Size: n, Max: MaxEphemeralPubKeySize}
		}
		if n := len(h.PlaintextPayload); n > MaxPlaintextPayloadSize {
			return &PayloadTooLargeError{Field: "plaintextPayload", Size: n, Max: MaxPlaintextPayloadSize}
		}
	case d.HandshakeResponse != nil:
		if n := len(d.HandshakeResponse.Ciphertext); n > MaxHSRCiphertextSize {
			return &PayloadTooLargeError{Field: "hsrCiphertext", Size: n, Max: MaxHSRCiphertextSize}
		}
	}
	return nil
}
