package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ctrlai/ledger/internal/audit"
)

// SaveMergeRecord appends one reconciliation outcome.
func (s *Store) SaveMergeRecord(ctx context.Context, r audit.MergeRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO merge_records (
		merge_id, device_id, session_id, received, merged, duplicates,
		conflicts, rehashed, dropped, status, started_at, duration_ns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.MergeID, r.DeviceID, r.SessionID, r.Received, r.Merged, r.Duplicates,
		r.Conflicts, r.Rehashed, r.Dropped, string(r.Status),
		r.StartedAt.UnixNano(), int64(r.Duration), r.Error,
	)
	if err != nil {
		return fmt.Errorf("saving merge record %s: %w", r.MergeID, err)
	}
	return nil
}

// ListMergeRecords returns the most recent merge records, newest first.
func (s *Store) ListMergeRecords(ctx context.Context, limit int) ([]audit.MergeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT merge_id, device_id, session_id,
		received, merged, duplicates, conflicts, rehashed, dropped, status,
		started_at, duration_ns, error
		FROM merge_records ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying merge records: %w", err)
	}
	defer rows.Close()

	var records []audit.MergeRecord
	for rows.Next() {
		var (
			r         audit.MergeRecord
			status    string
			startedAt int64
			duration  int64
		)
		if err := rows.Scan(&r.MergeID, &r.DeviceID, &r.SessionID, &r.Received,
			&r.Merged, &r.Duplicates, &r.Conflicts, &r.Rehashed, &r.Dropped,
			&status, &startedAt, &duration, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning merge record: %w", err)
		}
		r.Status = audit.MergeStatus(status)
		r.StartedAt = fromNanos(startedAt)
		r.Duration = time.Duration(duration)
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveVerification appends one verification history row.
func (s *Store) SaveVerification(ctx context.Context, v audit.VerificationRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO verifications (
		id, trigger_kind, range_from, range_to, status, events_verified,
		broken_event_id, position, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Trigger, zeroableNanos(v.From), zeroableNanos(v.To), string(v.Status),
		v.EventsVerified, v.BrokenEventID, v.Position, v.StartedAt.UnixNano(),
		int64(v.Duration),
	)
	if err != nil {
		return fmt.Errorf("saving verification %s: %w", v.ID, err)
	}
	return nil
}

// ListVerifications returns the most recent verification runs, newest first.
func (s *Store) ListVerifications(ctx context.Context, limit int) ([]audit.VerificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, trigger_kind, range_from,
		range_to, status, events_verified, broken_event_id, position,
		started_at, duration_ns
		FROM verifications ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying verifications: %w", err)
	}
	defer rows.Close()

	var records []audit.VerificationRecord
	for rows.Next() {
		var (
			v                          audit.VerificationRecord
			from, to, started, elapsed int64
			status                     string
		)
		if err := rows.Scan(&v.ID, &v.Trigger, &from, &to, &status,
			&v.EventsVerified, &v.BrokenEventID, &v.Position, &started, &elapsed); err != nil {
			return nil, fmt.Errorf("scanning verification: %w", err)
		}
		if from != 0 {
			v.From = fromNanos(from)
		}
		if to != 0 {
			v.To = fromNanos(to)
		}
		v.Status = audit.VerificationStatus(status)
		v.StartedAt = fromNanos(started)
		v.Duration = time.Duration(elapsed)
		records = append(records, v)
	}
	return records, rows.Err()
}

const archiveColumns = `archive_id, export_date, bucket, object_key, metadata_key,
	verifier_key, event_count, uncompressed_bytes, size_bytes, compression_ratio,
	sha256, chain_start, chain_end, chain_link, retention_until,
	replication_status, replication_checked_at, created_at`

// SaveArchive appends archive metadata. A second row for the same export
// date violates the unique constraint.
func (s *Store) SaveArchive(ctx context.Context, a audit.ArchiveMetadata) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO archives (`+archiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ArchiveID, a.ExportDate, a.Bucket, a.ObjectKey, a.MetadataKey,
		a.VerifierKey, a.EventCount, a.UncompressedBytes, a.SizeBytes,
		a.CompressionRatio, a.SHA256, a.ChainStart, a.ChainEnd, a.ChainLink,
		a.RetentionUntil.UnixNano(), string(a.ReplicationStatus),
		nullableNanos(a.ReplicationCheckedAt), a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving archive %s: %w", a.ExportDate, err)
	}
	return nil
}

// ArchiveByDate returns the archive for an export date (YYYY-MM-DD).
// Returns audit.ErrNotFound if the date has not been exported.
func (s *Store) ArchiveByDate(ctx context.Context, date string) (audit.ArchiveMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+archiveColumns+` FROM archives WHERE export_date = ?`, date)
	if err != nil {
		return audit.ArchiveMetadata{}, fmt.Errorf("querying archive %s: %w", date, err)
	}
	archives, err := scanArchives(rows)
	if err != nil {
		return audit.ArchiveMetadata{}, err
	}
	if len(archives) == 0 {
		return audit.ArchiveMetadata{}, fmt.Errorf("archive %s: %w", date, audit.ErrNotFound)
	}
	return archives[0], nil
}

// ListArchives returns archives, newest export date first. With statuses,
// only archives in one of those replication states are returned.
func (s *Store) ListArchives(ctx context.Context, statuses ...audit.ReplicationStatus) ([]audit.ArchiveMetadata, error) {
	query := `SELECT ` + archiveColumns + ` FROM archives`
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE replication_status IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY export_date DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying archives: %w", err)
	}
	return scanArchives(rows)
}

// UpdateReplicationStatus records the result of one replication check.
func (s *Store) UpdateReplicationStatus(ctx context.Context, archiveID string, status audit.ReplicationStatus, checkedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE archives SET replication_status = ?, replication_checked_at = ? WHERE archive_id = ?`,
		string(status), checkedAt.UnixNano(), archiveID)
	if err != nil {
		return fmt.Errorf("updating replication of %s: %w", archiveID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("archive %s: %w", archiveID, audit.ErrNotFound)
	}
	return nil
}

func scanArchives(rows *sql.Rows) ([]audit.ArchiveMetadata, error) {
	defer rows.Close()

	var archives []audit.ArchiveMetadata
	for rows.Next() {
		var (
			a                  audit.ArchiveMetadata
			retention, created int64
			status             string
			checked            sql.NullInt64
		)
		err := rows.Scan(&a.ArchiveID, &a.ExportDate, &a.Bucket, &a.ObjectKey,
			&a.MetadataKey, &a.VerifierKey, &a.EventCount, &a.UncompressedBytes,
			&a.SizeBytes, &a.CompressionRatio, &a.SHA256, &a.ChainStart,
			&a.ChainEnd, &a.ChainLink, &retention, &status, &checked, &created)
		if err != nil {
			return nil, fmt.Errorf("scanning archive: %w", err)
		}
		a.RetentionUntil = fromNanos(retention)
		a.ReplicationStatus = audit.ReplicationStatus(status)
		if checked.Valid {
			c := fromNanos(checked.Int64)
			a.ReplicationCheckedAt = &c
		}
		a.CreatedAt = fromNanos(created)
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

func zeroableNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
