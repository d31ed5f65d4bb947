package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/devblac/chain-events/internal/event"
)

// Store wraps SQLite-backed persistence for chain events and per-chain
// cursors.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS cursors (
  chain       TEXT PRIMARY KEY,
  height      INTEGER NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chain_events (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  fingerprint   TEXT NOT NULL UNIQUE,
  chain         TEXT NOT NULL,
  network       TEXT NOT NULL,
  kind          TEXT NOT NULL,
  entity        TEXT,
  block_number  INTEGER NOT NULL,
  tx_hash       TEXT,
  log_index     INTEGER NOT NULL,
  payload_json  TEXT,
  received_at   TIMESTAMP,
  created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS chain_events_chain_block ON chain_events (chain, block_number);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// StoredEvent is a persisted chain event.
type StoredEvent struct {
	ID          int64
	Fingerprint string
	Chain       string
	Network     string
	Kind        string
	Entity      string
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	PayloadJSON string
	ReceivedAt  time.Time
}

// Fingerprint identifies an event independently of when it was received, so
// replays from catch-up collapse onto the live copy.
func Fingerprint(ev event.Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s|%d|%s", ev.Chain, ev.Network, ev.Kind, ev.BlockNumber, ev.TxHash, ev.LogIndex, ev.Entity)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordEvent stores ev and advances the chain cursor in one transaction.
// An event already stored is not inserted again; inserted reports which
// case happened and the stored record is returned either way.
func (s *Store) RecordEvent(ctx context.Context, ev event.Event) (rec StoredEvent, inserted bool, err error) {
	if ev.Chain == "" {
		return StoredEvent{}, false, errors.New("event chain required")
	}
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return StoredEvent{}, false, fmt.Errorf("encode payload: %w", err)
	}
	fp := Fingerprint(ev)

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO chain_events (fingerprint, chain, network, kind, entity, block_number, tx_hash, log_index, payload_json, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(fingerprint) DO NOTHING;
`, fp, ev.Chain, string(ev.Network), string(ev.Kind), ev.Entity, ev.BlockNumber, ev.TxHash, ev.LogIndex, string(payload), nullTime(ev.ReceivedAt))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		inserted = n == 1

		if err := upsertCursor(ctx, tx, ev.Chain, ev.BlockNumber); err != nil {
			return err
		}

		rec, err = scanEvent(tx.QueryRowContext(ctx, selectEvent+` WHERE fingerprint = ?;`, fp))
		return err
	})
	return rec, inserted, err
}

const selectEvent = `
SELECT id, fingerprint, chain, network, kind, COALESCE(entity, ''), block_number, COALESCE(tx_hash, ''), log_index, COALESCE(payload_json, ''), received_at
FROM chain_events`

func scanEvent(row interface{ Scan(...any) error }) (StoredEvent, error) {
	var (
		rec      StoredEvent
		received sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Fingerprint, &rec.Chain, &rec.Network, &rec.Kind, &rec.Entity,
		&rec.BlockNumber, &rec.TxHash, &rec.LogIndex, &rec.PayloadJSON, &received)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("scan event: %w", err)
	}
	if received.Valid {
		rec.ReceivedAt = received.Time
	}
	return rec, nil
}

// ListEvents returns the stored events of a chain in block order, newest
// last, limited to limit rows when limit > 0.
func (s *Store) ListEvents(ctx context.Context, chain string, limit int) ([]StoredEvent, error) {
	q := selectEvent + ` WHERE chain = ? ORDER BY block_number, log_index`
	args := []any{chain}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountEvents returns how many events are stored for a chain.
func (s *Store) CountEvents(ctx context.Context, chain string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chain_events WHERE chain = ?;`, chain).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsertCursor only ever moves a cursor forward.
func upsertCursor(ctx context.Context, db execer, chain string, height uint64) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO cursors (chain, height, updated_at)
VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(chain) DO UPDATE SET
  height=MAX(cursors.height, excluded.height),
  updated_at=CURRENT_TIMESTAMP;
`, chain, height)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// UpsertCursor records height for a chain unless a higher one is stored.
func (s *Store) UpsertCursor(ctx context.Context, chain string, height uint64) error {
	if chain == "" {
		return errors.New("chain required")
	}
	return upsertCursor(ctx, s.db, chain, height)
}

// GetCursor retrieves the cursor for a chain.
func (s *Store) GetCursor(ctx context.Context, chain string) (height uint64, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT height FROM cursors WHERE chain = ?;
`, chain)
	switch err = row.Scan(&height); err {
	case nil:
		return height, true, nil
	case sql.ErrNoRows:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
}

// Cursor is the persisted progress of one chain.
type Cursor struct {
	Chain     string
	Height    uint64
	UpdatedAt time.Time
}

// ListCursors returns every cursor ordered by chain.
func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chain, height, updated_at FROM cursors ORDER BY chain;`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.Chain, &c.Height, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DiscoverReconnectRange returns the range to catch up after a restart: it
// starts at the last block with a stored event, whose events are replayed
// harmlessly thanks to fingerprints. Without a cursor the range has no
// start, which tells the listener to skip catch-up.
func (s *Store) DiscoverReconnectRange(ctx context.Context, chain string) (*event.BlockRange, error) {
	height, ok, err := s.GetCursor(ctx, chain)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &event.BlockRange{}, nil
	}
	rng := event.From(height)
	return &rng, nil
}

// WithTx executes a callback inside a transaction for callers needing atomicity.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
