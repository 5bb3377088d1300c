package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctrlai/ledger/internal/audit"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendAt(t *testing.T, s *Store, ts time.Time, actor string) audit.Event {
	t.Helper()
	e, err := s.Append(context.Background(), audit.Event{
		Timestamp: ts,
		Actor:     actor,
		Action:    "login",
	})
	if err != nil {
		t.Fatalf("Append(%s): %v", actor, err)
	}
	return e
}

func TestAppend_LinksAgainstTail(t *testing.T) {
	s := openTestStore(t)

	g := appendAt(t, s, base, "g")
	a := appendAt(t, s, base.Add(time.Second), "a")
	b := appendAt(t, s, base.Add(time.Second), "b") // same instant as a

	if !g.IsGenesis || g.PreviousHash != "" {
		t.Errorf("first event should be genesis, got previous_hash %q", g.PreviousHash)
	}
	if a.PreviousHash != g.CurrentHash {
		t.Error("a should link to g")
	}
	if b.PreviousHash != a.CurrentHash {
		t.Error("b should link to a (sequence breaks the tie)")
	}
	if !(g.Sequence < a.Sequence && a.Sequence < b.Sequence) {
		t.Errorf("sequences should increase: %d %d %d", g.Sequence, a.Sequence, b.Sequence)
	}
	for _, e := range []audit.Event{g, a, b} {
		if e.IntegrityStatus != audit.StatusVerified {
			t.Errorf("%s: status %s, want VERIFIED", e.Actor, e.IntegrityStatus)
		}
		if e.OriginalHash != e.CurrentHash {
			t.Errorf("%s: original hash should equal first hash", e.Actor)
		}
		if e.CorrelationID != e.EventID {
			t.Errorf("%s: correlation id should default to event id", e.Actor)
		}
		if !audit.VerifyHash(&e, e.PreviousHash) {
			t.Errorf("%s: stored hash does not verify", e.Actor)
		}
	}
}

func TestAppend_RefusesTimestampBeforeTail(t *testing.T) {
	s := openTestStore(t)
	appendAt(t, s, base, "g")

	_, err := s.Append(context.Background(), audit.Event{
		Timestamp: base.Add(-time.Minute),
		Actor:     "late",
		Action:    "login",
	})
	if !errors.Is(err, audit.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}

	events, _ := s.RangeQuery(context.Background(), audit.Range{})
	if len(events) != 1 {
		t.Errorf("refused append must not persist, have %d events", len(events))
	}
}

func TestAppend_RefusesUnrepresentableEvents(t *testing.T) {
	tests := []struct {
		name  string
		event audit.Event
	}{
		{"year 2300", audit.Event{Timestamp: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), Actor: "a", Action: "x"}},
		{"year 1600", audit.Event{Timestamp: time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC), Actor: "a", Action: "x"}},
		{"event_data not utf-8", audit.Event{Timestamp: base, Actor: "a", Action: "x", EventData: "\xff\xfe raw"}},
		{"actor not utf-8", audit.Event{Timestamp: base, Actor: "a\xc0", Action: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			if _, err := s.Append(context.Background(), tt.event); !errors.Is(err, audit.ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
			events, _ := s.RangeQuery(context.Background(), audit.Range{})
			if len(events) != 0 {
				t.Errorf("refused append must not persist, have %d events", len(events))
			}
		})
	}
}

func TestAppend_AcceptsTimestampBounds(t *testing.T) {
	s := openTestStore(t)
	for _, ts := range []time.Time{audit.MinTimestamp, audit.MaxTimestamp} {
		e, err := s.Append(context.Background(), audit.Event{Timestamp: ts, Actor: "a", Action: "x"})
		if err != nil {
			t.Fatalf("Append at %s: %v", ts, err)
		}
		if !e.Timestamp.Equal(ts) {
			t.Errorf("timestamp: expected %s, got %s", ts, e.Timestamp)
		}
	}
	events, _ := s.RangeQuery(context.Background(), audit.Range{})
	if len(events) != 2 || !events[1].Timestamp.Equal(audit.MaxTimestamp) {
		t.Errorf("bounds should round-trip through the store: %+v", events)
	}
}

func TestAppend_DefaultsTimestamp(t *testing.T) {
	s := openTestStore(t)
	s.now = func() time.Time { return base }

	e, err := s.Append(context.Background(), audit.Event{Actor: "a", Action: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !e.Timestamp.Equal(base) {
		t.Errorf("timestamp: expected %s, got %s", base, e.Timestamp)
	}
	if e.LastVerifiedAt == nil || !e.LastVerifiedAt.Equal(base) {
		t.Errorf("last_verified_at should be the append time, got %v", e.LastVerifiedAt)
	}
}

func TestRangeQuery_CanonicalOrderAndBounds(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		appendAt(t, s, base.Add(time.Duration(i)*time.Minute), string(rune('a'+i)))
	}

	all, err := s.RangeQuery(context.Background(), audit.Range{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 events, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if !audit.Before(&all[i-1], &all[i]) {
			t.Errorf("events %d and %d out of canonical order", i-1, i)
		}
	}

	window, err := s.RangeQuery(context.Background(), audit.Range{
		From: base.Add(time.Minute),
		To:   base.Add(3 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 2 || window[0].Actor != "b" || window[1].Actor != "c" {
		t.Errorf("half-open window should hold b and c, got %+v", window)
	}
}

func TestPredecessorHash(t *testing.T) {
	s := openTestStore(t)
	g := appendAt(t, s, base, "g")
	appendAt(t, s, base.Add(time.Minute), "a")

	ctx := context.Background()
	if h, _ := s.PredecessorHash(ctx, base); h != "" {
		t.Errorf("nothing precedes genesis, got %q", h)
	}
	if h, _ := s.PredecessorHash(ctx, base.Add(30*time.Second)); h != g.CurrentHash {
		t.Errorf("predecessor of mid-gap instant should be g")
	}
}

func TestExecuteTransactionally_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	g := appendAt(t, s, base, "g")
	boom := errors.New("boom")

	err := s.ExecuteTransactionally(context.Background(), func(ctx context.Context, tx audit.Tx) error {
		if _, err := tx.InsertMany(ctx, []audit.Event{{
			EventID:         "x",
			Timestamp:       base.Add(time.Second),
			Actor:           "x",
			Action:          "y",
			IntegrityStatus: audit.StatusPendingRehash,
		}}); err != nil {
			return err
		}
		g.CurrentHash = "sha256:rewritten"
		if err := tx.UpdateMany(ctx, []audit.Event{g}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	events, _ := s.RangeQuery(context.Background(), audit.Range{})
	if len(events) != 1 {
		t.Fatalf("insert should be rolled back, have %d events", len(events))
	}
	if events[0].CurrentHash == "sha256:rewritten" {
		t.Error("update should be rolled back")
	}
}

func TestExecuteTransactionally_CancelledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.ExecuteTransactionally(ctx, func(ctx context.Context, tx audit.Tx) error {
		t.Error("unit of work should not run on a cancelled context")
		return nil
	})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestUpdateMany_UnknownEvent(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateMany(context.Background(), []audit.Event{{EventID: "ghost"}})
	if !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkArchived_FlagsOnly(t *testing.T) {
	s := openTestStore(t)
	appendAt(t, s, base, "old")
	appendAt(t, s, base.Add(48*time.Hour), "new")

	n, err := s.MarkArchived(context.Background(), audit.Range{To: base.Add(24 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 archived row, got %d", n)
	}

	events, _ := s.RangeQuery(context.Background(), audit.Range{})
	if len(events) != 2 {
		t.Fatalf("archival must not delete rows, have %d", len(events))
	}
	if !events[0].Archived || events[1].Archived {
		t.Errorf("archived flags: %v %v", events[0].Archived, events[1].Archived)
	}
}

func TestFirstEventTime(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.FirstEventTime(context.Background()); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("empty chain: expected ErrNotFound, got %v", err)
	}
	appendAt(t, s, base, "g")
	got, err := s.FirstEventTime(context.Background())
	if err != nil || !got.Equal(base) {
		t.Errorf("first event time: %v %v", got, err)
	}
}

func TestTail(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 4; i++ {
		appendAt(t, s, base.Add(time.Duration(i)*time.Second), string(rune('a'+i)))
	}
	tail, err := s.Tail(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Actor != "c" || tail[1].Actor != "d" {
		t.Errorf("tail should be c, d in canonical order, got %+v", tail)
	}
}

func TestMergeRecords_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := audit.MergeRecord{
		MergeID:    "m1",
		DeviceID:   "laptop",
		SessionID:  "s1",
		Received:   3,
		Merged:     2,
		Duplicates: 1,
		Status:     audit.MergePartialSuccess,
		StartedAt:  base,
		Duration:   150 * time.Millisecond,
	}
	if err := s.SaveMergeRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.ListMergeRecords(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 merge record, got %d", len(got))
	}
	if !got[0].StartedAt.Equal(rec.StartedAt) {
		t.Errorf("started_at: expected %s, got %s", rec.StartedAt, got[0].StartedAt)
	}
	got[0].StartedAt = rec.StartedAt
	if got[0] != rec {
		t.Errorf("merge record round trip: %+v", got[0])
	}
}

func TestArchives_UniquePerDateAndReplicationUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := audit.ArchiveMetadata{
		ArchiveID:         "arc-1",
		ExportDate:        "2026-03-01",
		Bucket:            "ledger",
		ObjectKey:         "k",
		EventCount:        3,
		RetentionUntil:    base.Add(24 * time.Hour),
		ReplicationStatus: audit.ReplicationPending,
		CreatedAt:         base,
	}
	if err := s.SaveArchive(ctx, a); err != nil {
		t.Fatal(err)
	}
	dup := a
	dup.ArchiveID = "arc-2"
	if err := s.SaveArchive(ctx, dup); err == nil {
		t.Error("second archive for the same date should be refused")
	}

	if _, err := s.ArchiveByDate(ctx, "2026-03-02"); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing date, got %v", err)
	}

	pending, _ := s.ListArchives(ctx, audit.ReplicationPending, audit.ReplicationFailed)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending archive, got %d", len(pending))
	}

	if err := s.UpdateReplicationStatus(ctx, "arc-1", audit.ReplicationCompleted, base); err != nil {
		t.Fatal(err)
	}
	got, err := s.ArchiveByDate(ctx, "2026-03-01")
	if err != nil {
		t.Fatal(err)
	}
	if got.ReplicationStatus != audit.ReplicationCompleted || got.ReplicationCheckedAt == nil {
		t.Errorf("replication not updated: %+v", got)
	}
	pending, _ = s.ListArchives(ctx, audit.ReplicationPending, audit.ReplicationFailed)
	if len(pending) != 0 {
		t.Errorf("completed archive should leave the poll set, got %d", len(pending))
	}
}
