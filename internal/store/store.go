// Package store is the indexer's embedded SQLite persistence layer: three
// event tables, a per-stream sequence-counter table, and a single-row
// checkpoint table, all behind a small connection pool.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3"

	"github.com/okrame/verbeth/internal/events"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Result reports whether an Insert* call performed a new write or observed
// an already-persisted event.
type Result int

const (
	Inserted Result = iota
	Duplicate
)

// Counts is the per-stream row count used by the health endpoint.
type Counts struct {
	Messages           int64
	Handshakes         int64
	HandshakeResponses int64
}

// Store wraps a pooled *sql.DB configured for WAL-mode SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database file at path, applies pragmas, and
// runs schema migrations. poolSize bounds the number of pooled
// connections (default 4 per the indexer's concurrency budget); SQLite
// still serializes writers internally.
func Open(path string, poolSize int) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if poolSize <= 0 {
		poolSize = 4
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}

	var version int64
	row := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("store: read schema_version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("store: schema version mismatch: have %d, want %d", version, schemaVersion)
	}
	return nil
}

// getAndIncrementSeqTx reads next_seq for (keyType, keyHash) and writes
// back next_seq+1 within tx, returning the sequence number to assign. The
// read-modify-write and the event insert performed by the caller share
// this single transaction, so a rollback (on a uniqueness conflict on the
// event row) undoes the counter advance too — see withSequencedInsert.
func getAndIncrementSeqTx(tx *sql.Tx, keyType string, keyHash []byte) (int64, error) {
	var seq int64
	row := tx.QueryRow(
		"SELECT next_seq FROM seq_counters WHERE key_type = ? AND key_hash IS ?",
		keyType, keyHash,
	)
	switch err := row.Scan(&seq); {
	case errors.Is(err, sql.ErrNoRows):
		seq = 0
	case err != nil:
		return 0, fmt.Errorf("store: read seq_counters: %w", err)
	}

	_, err := tx.Exec(
		`INSERT INTO seq_counters (key_type, key_hash, next_seq) VALUES (?, ?, ?)
		 ON CONFLICT(key_type, key_hash) DO UPDATE SET next_seq = excluded.next_seq`,
		keyType, keyHash, seq+1,
	)
	if err != nil {
		return 0, fmt.Errorf("store: write seq_counters: %w", err)
	}
	return seq, nil
}

// withSequencedInsert assigns the next sequence number for (keyType,
// keyHash) and performs doInsert in the same transaction. If the insert
// affects zero rows (the uniqueness key already exists), the whole
// transaction — counter advance included — is rolled back and Duplicate
// is returned. This is the "Preferred" sequencing strategy from the
// indexer's design: the counter read, the counter write, and the event
// insert are atomic together, so a duplicate never leaves a gap.
func (s *Store) withSequencedInsert(ctx context.Context, keyType string, keyHash []byte, doInsert func(tx *sql.Tx, seq int64) (sql.Result, error)) (Result, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	seq, err := getAndIncrementSeqTx(tx, keyType, keyHash)
	if err != nil {
		return 0, 0, err
	}

	res, err := doInsert(tx, seq)
	if err != nil {
		return 0, 0, fmt.Errorf("store: insert: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("store: rows affected: %w", err)
	}
	if rows == 0 {
		return Duplicate, 0, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("store: commit: %w", err)
	}
	return Inserted, seq, nil
}

// InsertMessageSent inserts a MessageSent event, assigning its
// per-topic sequence number atomically.
func (s *Store) InsertMessageSent(ctx context.Context, e *events.MessageSent, meta events.Meta) (Result, int64, error) {
	topic := e.Topic.Bytes()
	return s.withSequencedInsert(ctx, "message", topic, func(tx *sql.Tx, seq int64) (sql.Result, error) {
		return tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO messages
			 (topic, seq, sender, ciphertext, timestamp, nonce, block_number, log_index, block_timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			topic, seq, e.Sender.Bytes(), e.Ciphertext, e.Timestamp, e.Nonce,
			meta.BlockNumber, meta.LogIndex, meta.BlockTimestamp,
		)
	})
}

// InsertHandshake inserts a Handshake event, assigning its
// per-recipient sequence number atomically.
func (s *Store) InsertHandshake(ctx context.Context, e *events.Handshake, meta events.Meta) (Result, int64, error) {
	recipientHash := e.RecipientHash.Bytes()
	return s.withSequencedInsert(ctx, "handshake", recipientHash, func(tx *sql.Tx, seq int64) (sql.Result, error) {
		return tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO handshakes
			 (recipient_hash, seq, sender, pub_keys, ephemeral_pub_key, plaintext_payload, block_number, log_index, block_timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			recipientHash, seq, e.Sender.Bytes(), e.PubKeys, e.EphemeralPubKey, e.PlaintextPayload,
			meta.BlockNumber, meta.LogIndex, meta.BlockTimestamp,
		)
	})
}

// InsertHandshakeResponse inserts a HandshakeResponse event into the
// single global stream, assigning its global sequence number atomically.
func (s *Store) InsertHandshakeResponse(ctx context.Context, e *events.HandshakeResponse, meta events.Meta) (Result, int64, error) {
	// key_hash must be a non-NULL (empty) blob, not nil: SQLite's UNIQUE
	// constraint treats NULL as distinct from NULL, so an ON CONFLICT
	// target of NULL never matches and every insert would silently
	// create a new seq_counters row instead of incrementing the shared one.
	return s.withSequencedInsert(ctx, "hsr", []byte{}, func(tx *sql.Tx, seq int64) (sql.Result, error) {
		return tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO handshake_responses
			 (global_seq, in_response_to, responder, responder_ephemeral_r, ciphertext, block_number, log_index, block_timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			seq, e.InResponseTo.Bytes(), e.Responder.Bytes(), e.ResponderEphemeralR.Bytes(), e.Ciphertext,
			meta.BlockNumber, meta.LogIndex, meta.BlockTimestamp,
		)
	})
}

// GetLastBlock returns the checkpoint block, or nil if none has been set.
func (s *Store) GetLastBlock(ctx context.Context) (*int64, error) {
	var value string
	row := s.db.QueryRowContext(ctx, "SELECT value FROM indexer_state WHERE key = 'last_block'")
	switch err := row.Scan(&value); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("store: read last_block: %w", err)
	}

	block, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("store: parse last_block: %w", err)
	}
	return &block, nil
}

// SetLastBlock advances the checkpoint to block, refusing to regress it
// if a concurrent writer already advanced it further.
func (s *Store) SetLastBlock(ctx context.Context, block int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current int64 = -1
	var value string
	row := tx.QueryRow("SELECT value FROM indexer_state WHERE key = 'last_block'")
	switch err := row.Scan(&value); {
	case errors.Is(err, sql.ErrNoRows):
		// no checkpoint yet
	case err != nil:
		return fmt.Errorf("store: read last_block: %w", err)
	default:
		current, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("store: parse last_block: %w", err)
		}
	}

	if block <= current {
		return tx.Commit()
	}

	_, err = tx.Exec(
		"INSERT INTO indexer_state (key, value) VALUES ('last_block', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		strconv.FormatInt(block, 10),
	)
	if err != nil {
		return fmt.Errorf("store: write last_block: %w", err)
	}
	return tx.Commit()
}

// GetEventCounts returns the row count of each of the three event tables.
func (s *Store) GetEventCounts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&c.Messages); err != nil {
		return Counts{}, fmt.Errorf("store: count messages: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM handshakes").Scan(&c.Handshakes); err != nil {
		return Counts{}, fmt.Errorf("store: count handshakes: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM handshake_responses").Scan(&c.HandshakeResponses); err != nil {
		return Counts{}, fmt.Errorf("store: count handshake_responses: %w", err)
	}
	return c, nil
}

// IsEmpty reports whether no events have been persisted yet.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	c, err := s.GetEventCounts(ctx)
	if err != nil {
		return false, err
	}
	return c.Messages == 0 && c.Handshakes == 0 && c.HandshakeResponses == 0, nil
}
