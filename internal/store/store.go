// Package store is the SQLite-backed event store for the audit chain.
//
// The events table is the source of truth for the chain. Canonical order is
// (ts, seq) where ts is the event-claimed time in Unix nanoseconds and seq
// is the insertion order assigned by SQLite.
//
// Writers serialize on the chain_lock row: every write transaction updates
// it as its first statement, which takes SQLite's write lock for the rest
// of the transaction. That makes the lock hold across processes sharing the
// same database file, not only across goroutines.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"github.com/ctrlai/ledger/internal/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id           TEXT    NOT NULL UNIQUE,
	ts                 INTEGER NOT NULL,
	actor              TEXT    NOT NULL,
	action             TEXT    NOT NULL,
	entity_type        TEXT    NOT NULL DEFAULT '',
	entity_id          TEXT    NOT NULL DEFAULT '',
	correlation_id     TEXT    NOT NULL DEFAULT '',
	event_data         TEXT    NOT NULL DEFAULT '',
	previous_hash      TEXT    NOT NULL DEFAULT '',
	current_hash       TEXT    NOT NULL DEFAULT '',
	original_hash      TEXT    NOT NULL DEFAULT '',
	is_offline         INTEGER NOT NULL DEFAULT 0,
	offline_device_id  TEXT    NOT NULL DEFAULT '',
	offline_session_id TEXT    NOT NULL DEFAULT '',
	offline_merge_id   TEXT    NOT NULL DEFAULT '',
	integrity_status   TEXT    NOT NULL,
	last_verified_at   INTEGER,
	archived           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_chain ON events(ts, seq);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);

CREATE TABLE IF NOT EXISTS chain_lock (
	name        TEXT PRIMARY KEY,
	holder      TEXT NOT NULL DEFAULT '',
	acquired_at INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO chain_lock (name) VALUES ('chain');

CREATE TABLE IF NOT EXISTS merge_records (
	merge_id    TEXT PRIMARY KEY,
	device_id   TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	received    INTEGER NOT NULL,
	merged      INTEGER NOT NULL,
	duplicates  INTEGER NOT NULL,
	conflicts   INTEGER NOT NULL,
	rehashed    INTEGER NOT NULL,
	dropped     INTEGER NOT NULL,
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS verifications (
	id              TEXT PRIMARY KEY,
	trigger_kind    TEXT NOT NULL,
	range_from      INTEGER NOT NULL,
	range_to        INTEGER NOT NULL,
	status          TEXT NOT NULL,
	events_verified INTEGER NOT NULL,
	broken_event_id TEXT NOT NULL DEFAULT '',
	position        INTEGER NOT NULL,
	started_at      INTEGER NOT NULL,
	duration_ns     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS archives (
	archive_id             TEXT PRIMARY KEY,
	export_date            TEXT NOT NULL UNIQUE,
	bucket                 TEXT NOT NULL,
	object_key             TEXT NOT NULL,
	metadata_key           TEXT NOT NULL,
	verifier_key           TEXT NOT NULL,
	event_count            INTEGER NOT NULL,
	uncompressed_bytes     INTEGER NOT NULL,
	size_bytes             INTEGER NOT NULL,
	compression_ratio      REAL NOT NULL,
	sha256                 TEXT NOT NULL,
	chain_start            TEXT NOT NULL,
	chain_end              TEXT NOT NULL,
	chain_link             TEXT NOT NULL,
	retention_until        INTEGER NOT NULL,
	replication_status     TEXT NOT NULL,
	replication_checked_at INTEGER,
	created_at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archives_replication ON archives(replication_status);
`

const eventColumns = `seq, event_id, ts, actor, action, entity_type, entity_id,
	correlation_id, event_data, previous_hash, current_hash, original_hash,
	is_offline, offline_device_id, offline_session_id, offline_merge_id,
	integrity_status, last_verified_at, archived`

// Store implements audit.Store on a single SQLite database file.
type Store struct {
	db     *sql.DB
	holder string
	now    func() time.Time
}

var _ audit.Store = (*Store)(nil)

// Open opens (or creates) the ledger database at path.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database %s: %w", path, err)
	}

	// One connection: transactions never wait on a sibling connection of the
	// same process, and every statement in a unit of work shares the lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	host, _ := os.Hostname()
	return &Store{
		db:     db,
		holder: fmt.Sprintf("%s/%d", host, os.Getpid()),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Append links e to the current tail and inserts it. Events claiming a time
// earlier than the tail are refused with audit.ErrOutOfOrder: they would
// invalidate chained hashes and must go through the reconciler instead.
func (s *Store) Append(ctx context.Context, e audit.Event) (audit.Event, error) {
	var stored audit.Event
	err := s.ExecuteTransactionally(ctx, func(ctx context.Context, tx audit.Tx) error {
		t := tx.(*storeTx)

		now := s.now()
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		e.Timestamp = e.Timestamp.UTC()
		if e.EventID == "" {
			e.EventID = uuid.NewString()
		}
		if e.CorrelationID == "" {
			e.CorrelationID = e.EventID
		}
		if err := audit.ValidateEvent(&e); err != nil {
			return err
		}

		tail, err := t.tail(ctx)
		if err != nil && !errors.Is(err, audit.ErrNotFound) {
			return err
		}
		prev := ""
		if err == nil {
			if e.Timestamp.Before(tail.Timestamp) {
				return fmt.Errorf("append %s at %s (tail %s): %w",
					e.EventID, audit.FormatTimestamp(e.Timestamp),
					audit.FormatTimestamp(tail.Timestamp), audit.ErrOutOfOrder)
			}
			prev = tail.CurrentHash
		}

		e.CurrentHash, e.OriginalHash = "", ""
		e.Link(prev)
		e.IntegrityStatus = audit.StatusVerified
		e.LastVerifiedAt = &now

		inserted, err := t.InsertMany(ctx, []audit.Event{e})
		if err != nil {
			return err
		}
		stored = inserted[0]
		return nil
	})
	if err != nil {
		return audit.Event{}, err
	}
	return stored, nil
}

// RangeQuery returns the events in r in canonical order.
func (s *Store) RangeQuery(ctx context.Context, r audit.Range) ([]audit.Event, error) {
	return rangeQuery(ctx, s.db, r)
}

// PredecessorHash returns the hash of the last event strictly before t.
func (s *Store) PredecessorHash(ctx context.Context, t time.Time) (string, error) {
	return predecessorHash(ctx, s.db, t)
}

// UpdateMany rewrites chain fields of events in one locked transaction.
func (s *Store) UpdateMany(ctx context.Context, events []audit.Event) error {
	return s.ExecuteTransactionally(ctx, func(ctx context.Context, tx audit.Tx) error {
		return tx.UpdateMany(ctx, events)
	})
}

// ExecuteTransactionally runs fn inside a transaction holding the chain lock.
func (s *Store) ExecuteTransactionally(ctx context.Context, fn func(ctx context.Context, tx audit.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Error("ledger rollback failed", "error", rbErr)
			}
		}
	}()

	if _, err = sqlTx.ExecContext(ctx,
		`UPDATE chain_lock SET holder = ?, acquired_at = ? WHERE name = 'chain'`,
		s.holder, s.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("acquiring chain lock: %w", err)
	}

	if err = fn(ctx, &storeTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Tail returns the last limit events in canonical order.
func (s *Store) Tail(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY ts DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying tail: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// FirstEventTime returns the timestamp of the genesis event.
// Returns audit.ErrNotFound for an empty chain.
func (s *Store) FirstEventTime(ctx context.Context) (time.Time, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(ts) FROM events`).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("querying first event: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, audit.ErrNotFound
	}
	return fromNanos(ts.Int64), nil
}

// MarkArchived flags events in r as archived. Rows are kept.
func (s *Store) MarkArchived(ctx context.Context, r audit.Range) (int64, error) {
	query, args := rangeClause(`UPDATE events SET archived = 1 WHERE archived = 0`, r)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("marking events archived: %w", err)
	}
	return res.RowsAffected()
}

// storeTx implements audit.Tx over a *sql.Tx.
type storeTx struct {
	tx *sql.Tx
}

func (t *storeTx) RangeQuery(ctx context.Context, r audit.Range) ([]audit.Event, error) {
	return rangeQuery(ctx, t.tx, r)
}

func (t *storeTx) PredecessorHash(ctx context.Context, ts time.Time) (string, error) {
	return predecessorHash(ctx, t.tx, ts)
}

func (t *storeTx) InsertMany(ctx context.Context, events []audit.Event) ([]audit.Event, error) {
	stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO events (
		event_id, ts, actor, action, entity_type, entity_id, correlation_id,
		event_data, previous_hash, current_hash, original_hash, is_offline,
		offline_device_id, offline_session_id, offline_merge_id,
		integrity_status, last_verified_at, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	out := make([]audit.Event, len(events))
	for i, e := range events {
		if err := audit.ValidateEvent(&e); err != nil {
			return nil, err
		}
		res, err := stmt.ExecContext(ctx,
			e.EventID, e.Timestamp.UnixNano(), e.Actor, e.Action, e.EntityType,
			e.EntityID, e.CorrelationID, e.EventData, e.PreviousHash,
			e.CurrentHash, e.OriginalHash, e.IsOffline, e.OfflineDeviceID,
			e.OfflineSessionID, e.OfflineMergeID, string(e.IntegrityStatus),
			nullableNanos(e.LastVerifiedAt), e.Archived,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting event %s: %w", e.EventID, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("reading sequence of %s: %w", e.EventID, err)
		}
		e.Sequence = seq
		e.Timestamp = e.Timestamp.UTC()
		out[i] = e
	}
	return out, nil
}

func (t *storeTx) UpdateMany(ctx context.Context, events []audit.Event) error {
	stmt, err := t.tx.PrepareContext(ctx, `UPDATE events SET
		previous_hash = ?, current_hash = ?, original_hash = ?,
		integrity_status = ?, last_verified_at = ?
		WHERE event_id = ?`)
	if err != nil {
		return fmt.Errorf("preparing update: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		res, err := stmt.ExecContext(ctx,
			e.PreviousHash, e.CurrentHash, e.OriginalHash,
			string(e.IntegrityStatus), nullableNanos(e.LastVerifiedAt), e.EventID,
		)
		if err != nil {
			return fmt.Errorf("updating event %s: %w", e.EventID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("updating event %s: %w", e.EventID, audit.ErrNotFound)
		}
	}
	return nil
}

// idChunk keeps IN lists under SQLite's bound-parameter limit.
const idChunk = 500

func (t *storeTx) KnownEventIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	known := make(map[string]bool)
	for start := 0; start < len(ids); start += idChunk {
		chunk := ids[start:min(start+idChunk, len(ids))]
		marks := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			marks[i] = "?"
			args[i] = id
		}
		rows, err := t.tx.QueryContext(ctx,
			`SELECT event_id FROM events WHERE event_id IN (`+strings.Join(marks, ", ")+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("querying known event ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning event id: %w", err)
			}
			known[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return known, nil
}

func (t *storeTx) tail(ctx context.Context) (audit.Event, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY ts DESC, seq DESC LIMIT 1`)
	if err != nil {
		return audit.Event{}, fmt.Errorf("querying chain tail: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return audit.Event{}, err
	}
	if len(events) == 0 {
		return audit.Event{}, audit.ErrNotFound
	}
	return events[0], nil
}

func rangeQuery(ctx context.Context, q queryer, r audit.Range) ([]audit.Event, error) {
	query, args := rangeClause(`SELECT `+eventColumns+` FROM events WHERE 1=1`, r)
	query += " ORDER BY ts ASC, seq ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying event range: %w", err)
	}
	return scanEvents(rows)
}

// rangeClause appends the range bounds to base. Bounds past the storable
// timestamps are treated as unbounded.
func rangeClause(base string, r audit.Range) (string, []any) {
	var args []any
	if !r.From.IsZero() && r.From.After(audit.MinTimestamp) {
		base += " AND ts >= ?"
		args = append(args, r.From.UnixNano())
	}
	if !r.To.IsZero() && !r.To.After(audit.MaxTimestamp) {
		base += " AND ts < ?"
		args = append(args, r.To.UnixNano())
	}
	return base, args
}

func predecessorHash(ctx context.Context, q queryer, t time.Time) (string, error) {
	var hash string
	err := q.QueryRowContext(ctx,
		`SELECT current_hash FROM events WHERE ts < ? ORDER BY ts DESC, seq DESC LIMIT 1`,
		t.UnixNano(),
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying predecessor of %s: %w", audit.FormatTimestamp(t), err)
	}
	return hash, nil
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e        audit.Event
			ts       int64
			status   string
			verified sql.NullInt64
		)
		err := rows.Scan(
			&e.Sequence, &e.EventID, &ts, &e.Actor, &e.Action, &e.EntityType,
			&e.EntityID, &e.CorrelationID, &e.EventData, &e.PreviousHash,
			&e.CurrentHash, &e.OriginalHash, &e.IsOffline, &e.OfflineDeviceID,
			&e.OfflineSessionID, &e.OfflineMergeID, &status, &verified, &e.Archived,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		e.Timestamp = fromNanos(ts)
		e.IntegrityStatus = audit.IntegrityStatus(status)
		e.IsGenesis = e.PreviousHash == ""
		if verified.Valid {
			v := fromNanos(verified.Int64)
			e.LastVerifiedAt = &v
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
