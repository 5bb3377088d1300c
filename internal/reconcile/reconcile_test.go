package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ctrlai/ledger/internal/audit"
	"github.com/ctrlai/ledger/internal/store"
	"github.com/ctrlai/ledger/internal/verifier"
)

var base = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendAt(t *testing.T, s *store.Store, ts time.Time, actor, entity string) audit.Event {
	t.Helper()
	e, err := s.Append(context.Background(), audit.Event{
		Timestamp:  ts,
		Actor:      actor,
		Action:     "update",
		EntityType: "role",
		EntityID:   entity,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func chain(t *testing.T, s *store.Store) []audit.Event {
	t.Helper()
	events, err := s.RangeQuery(context.Background(), audit.Range{})
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func assertValid(t *testing.T, s *store.Store) {
	t.Helper()
	if res := verifier.Check(chain(t, s), ""); res.Status != audit.VerificationValid {
		t.Fatalf("chain should verify, got %+v", res)
	}
}

func TestMerge_RepairsFromInsertionPoint(t *testing.T) {
	s := openStore(t)
	g := appendAt(t, s, base, "alice", "r1")
	a := appendAt(t, s, base.Add(10*time.Minute), "alice", "r2")
	b := appendAt(t, s, base.Add(20*time.Minute), "bob", "r3")

	r := New(s, nil)
	rec, err := r.Merge(context.Background(), Batch{
		DeviceID:  "laptop-7",
		SessionID: "sess-1",
		Events: []RawEvent{{
			EventID:   "x",
			Timestamp: base.Add(15 * time.Minute),
			Actor:     "carol",
			Action:    "grant",
			EntityID:  "r9",
			EventData: json.RawMessage(`{"b": 2, "a": 1}`),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != audit.MergeSuccess || rec.Merged != 1 || rec.Rehashed != 2 {
		t.Errorf("merge record: %+v", rec)
	}

	events := chain(t, s)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	order := []string{g.EventID, a.EventID, "x", b.EventID}
	for i, id := range order {
		if events[i].EventID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, events[i].EventID)
		}
	}
	assertValid(t, s)

	x, gotB := events[2], events[3]
	if x.PreviousHash != a.CurrentHash {
		t.Error("x should link to a")
	}
	if !x.IsOffline || x.OfflineDeviceID != "laptop-7" || x.OfflineSessionID != "sess-1" || x.OfflineMergeID != rec.MergeID {
		t.Errorf("offline provenance missing: %+v", x)
	}
	if x.EventData != `{"a":1,"b":2}` {
		t.Errorf("payload not canonical: %s", x.EventData)
	}
	if gotB.OriginalHash != b.CurrentHash {
		t.Error("b should keep its pre-repair hash as original hash")
	}
	if gotB.CurrentHash == b.CurrentHash {
		t.Error("b should have been relinked")
	}
	for i, want := range []audit.Event{g, a} {
		if events[i].IntegrityStatus != audit.StatusVerified || events[i].CurrentHash != want.CurrentHash {
			t.Errorf("%s before the insertion point should be untouched", want.EventID)
		}
	}
	for _, e := range events[2:] {
		if e.IntegrityStatus != audit.StatusRehashed || e.LastVerifiedAt != nil {
			t.Errorf("%s: expected REHASHED with no verification time, got %s %v", e.EventID, e.IntegrityStatus, e.LastVerifiedAt)
		}
	}

	history, err := s.ListMergeRecords(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].MergeID != rec.MergeID {
		t.Errorf("merge record not persisted: %+v", history)
	}
}

func TestMerge_BeforeGenesisBecomesGenesis(t *testing.T) {
	s := openStore(t)
	g := appendAt(t, s, base, "alice", "r1")

	_, err := New(s, nil).Merge(context.Background(), Batch{
		DeviceID: "d",
		Events:   []RawEvent{{EventID: "early", Timestamp: base.Add(-time.Hour), Actor: "bob", Action: "login"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	events := chain(t, s)
	if events[0].EventID != "early" || !events[0].IsGenesis {
		t.Errorf("early event should be the new genesis: %+v", events[0])
	}
	if events[1].EventID != g.EventID || events[1].PreviousHash != events[0].CurrentHash {
		t.Error("old genesis should now link to the early event")
	}
	assertValid(t, s)
}

func TestMerge_ReplayIsIdempotent(t *testing.T) {
	s := openStore(t)
	appendAt(t, s, base, "alice", "r1")
	appendAt(t, s, base.Add(time.Hour), "alice", "r2")

	batch := Batch{
		DeviceID:  "d",
		SessionID: "s",
		Events: []RawEvent{
			{Timestamp: base.Add(10 * time.Minute), Actor: "bob", Action: "login"},
			{Timestamp: base.Add(20 * time.Minute), Actor: "bob", Action: "logout", CorrelationID: "c-2"},
		},
	}
	r := New(s, nil)
	first, err := r.Merge(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if first.Merged != 2 {
		t.Fatalf("first merge: %+v", first)
	}
	before := chain(t, s)

	second, err := r.Merge(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if second.Merged != 0 || second.Duplicates != 2 || second.Rehashed != 0 {
		t.Errorf("replay should only find duplicates: %+v", second)
	}
	if second.Status != audit.MergeSuccess {
		t.Errorf("replay status: expected SUCCESS, got %s", second.Status)
	}

	after := chain(t, s)
	if len(after) != len(before) {
		t.Fatalf("replay changed event count: %d -> %d", len(before), len(after))
	}
	for i := range after {
		if after[i].CurrentHash != before[i].CurrentHash {
			t.Errorf("replay changed hash at %d", i)
		}
	}
}

func TestMerge_DuplicateNormalization(t *testing.T) {
	s := openStore(t)
	stored, err := s.Append(context.Background(), audit.Event{
		Timestamp:     base,
		Actor:         "Alice",
		Action:        "Delete",
		EntityID:      "R1",
		CorrelationID: "Corr-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := New(s, nil).Merge(context.Background(), Batch{
		DeviceID: "d",
		Events: []RawEvent{{
			Timestamp:     stored.Timestamp,
			Actor:         "  alice ",
			Action:        "DELETE",
			EntityID:      "r1",
			CorrelationID: "corr-1",
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Duplicates != 1 || rec.Merged != 0 {
		t.Errorf("case and whitespace variants should be duplicates: %+v", rec)
	}
}

func TestMerge_Conflicts(t *testing.T) {
	tests := []struct {
		name      string
		events    []RawEvent
		conflicts int
		status    audit.MergeStatus
	}{
		{
			name: "against stored event",
			events: []RawEvent{
				{Timestamp: base.Add(2 * time.Second), Actor: "alice", Action: "delete", EntityID: "r1", CorrelationID: "other"},
			},
			conflicts: 1,
			status:    audit.MergePartialSuccess,
		},
		{
			name: "in-batch pair counts both",
			events: []RawEvent{
				{Timestamp: base.Add(time.Minute), Actor: "bob", Action: "grant", EntityID: "r2", CorrelationID: "c1"},
				{Timestamp: base.Add(time.Minute + 3*time.Second), Actor: "bob", Action: "grant", EntityID: "r2", CorrelationID: "c2"},
			},
			conflicts: 2,
			status:    audit.MergePartialSuccess,
		},
		{
			name: "outside window",
			events: []RawEvent{
				{Timestamp: base.Add(6 * time.Second), Actor: "alice", Action: "delete", EntityID: "r1", CorrelationID: "other"},
			},
			conflicts: 0,
			status:    audit.MergeSuccess,
		},
		{
			name: "same correlation is not a conflict",
			events: []RawEvent{
				{Timestamp: base.Add(time.Second), Actor: "alice", Action: "delete", EntityID: "r1", CorrelationID: "c-stored"},
			},
			conflicts: 0,
			status:    audit.MergeSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t)
			if _, err := s.Append(context.Background(), audit.Event{
				Timestamp:     base,
				Actor:         "alice",
				Action:        "delete",
				EntityID:      "r1",
				CorrelationID: "c-stored",
			}); err != nil {
				t.Fatal(err)
			}

			rec, err := New(s, nil).Merge(context.Background(), Batch{DeviceID: "d", Events: tt.events})
			if err != nil {
				t.Fatal(err)
			}
			if rec.Conflicts != tt.conflicts {
				t.Errorf("conflicts: expected %d, got %d", tt.conflicts, rec.Conflicts)
			}
			if rec.Status != tt.status {
				t.Errorf("status: expected %s, got %s", tt.status, rec.Status)
			}
			if rec.Merged != len(tt.events) {
				t.Errorf("conflicting events are still merged: %+v", rec)
			}
			assertValid(t, s)
		})
	}
}

func TestMerge_DropsInvalidAndDefaultsFields(t *testing.T) {
	s := openStore(t)
	r := New(s, nil)
	r.now = func() time.Time { return base }

	rec, err := r.Merge(context.Background(), Batch{
		DeviceID: "d",
		Events: []RawEvent{
			{Actor: " ", Action: "login"},
			{Actor: "bob", Action: ""},
			{Actor: "bob", Action: "login", EventData: json.RawMessage(`"not json"`)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Received != 3 || rec.Dropped != 2 || rec.Merged != 1 {
		t.Errorf("merge record: %+v", rec)
	}

	events := chain(t, s)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if !e.Timestamp.Equal(base) {
		t.Errorf("missing timestamp should default to now, got %s", e.Timestamp)
	}
	if e.EventID == "" || e.CorrelationID != e.EventID {
		t.Errorf("ids not defaulted: %q %q", e.EventID, e.CorrelationID)
	}
	if e.EventData != "not json" {
		t.Errorf("non-JSON payload should be kept verbatim, got %q", e.EventData)
	}
}

func TestMerge_DropsUnrepresentableCandidates(t *testing.T) {
	s := openStore(t)
	g := appendAt(t, s, base, "alice", "r1")
	appendAt(t, s, base.Add(time.Minute), "bob", "r2")

	rec, err := New(s, nil).Merge(context.Background(), Batch{
		DeviceID: "laptop",
		Events: []RawEvent{
			{Timestamp: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), Actor: "carol", Action: "login"},
			{Timestamp: time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC), Actor: "carol", Action: "login"},
			{Timestamp: base.Add(30 * time.Second), Actor: "carol", Action: "upload", EventData: json.RawMessage("\xff\xfe raw")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Received != 3 || rec.Dropped != 3 || rec.Merged != 0 || rec.Rehashed != 0 {
		t.Errorf("merge record: %+v", rec)
	}

	events := chain(t, s)
	if len(events) != 2 || events[0].EventID != g.EventID || events[0].CurrentHash != g.CurrentHash {
		t.Errorf("chain must be untouched, got %+v", events)
	}
	assertValid(t, s)
}

func TestMerge_EmptyBatch(t *testing.T) {
	s := openStore(t)
	rec, err := New(s, nil).Merge(context.Background(), Batch{DeviceID: "d"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != audit.MergeSuccess || rec.Merged != 0 {
		t.Errorf("empty batch: %+v", rec)
	}
}

// failingUpdates fails every UpdateMany inside a transaction.
type failingUpdates struct {
	*store.Store
	err error
}

func (f failingUpdates) ExecuteTransactionally(ctx context.Context, fn func(context.Context, audit.Tx) error) error {
	return f.Store.ExecuteTransactionally(ctx, func(ctx context.Context, tx audit.Tx) error {
		return fn(ctx, failingTx{Tx: tx, err: f.err})
	})
}

type failingTx struct {
	audit.Tx
	err error
}

func (f failingTx) UpdateMany(context.Context, []audit.Event) error { return f.err }

func TestMerge_RollsBackOnRepairFailure(t *testing.T) {
	s := openStore(t)
	appendAt(t, s, base, "alice", "r1")
	appendAt(t, s, base.Add(time.Hour), "alice", "r2")
	before := chain(t, s)

	boom := errors.New("disk full")
	rec, err := New(failingUpdates{Store: s, err: boom}, nil).Merge(context.Background(), Batch{
		DeviceID: "d",
		Events:   []RawEvent{{Timestamp: base.Add(time.Minute), Actor: "bob", Action: "login"}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped repair error, got %v", err)
	}
	if rec.Status != audit.MergeFailed || rec.Error == "" {
		t.Errorf("failed merge record: %+v", rec)
	}

	after := chain(t, s)
	if len(after) != len(before) {
		t.Fatalf("inserted events should be rolled back, have %d", len(after))
	}
	for _, e := range after {
		if e.IntegrityStatus == audit.StatusPendingRehash {
			t.Error("no event may be left PENDING_REHASH")
		}
	}
	assertValid(t, s)

	history, _ := s.ListMergeRecords(context.Background(), 10)
	if len(history) != 1 || history[0].Status != audit.MergeFailed {
		t.Errorf("FAILED merge record should be persisted: %+v", history)
	}
}

type quarantineSet map[string]bool

func (q quarantineSet) IsQuarantined(id string) bool { return q[id] }

func TestMerge_QuarantinedDevice(t *testing.T) {
	s := openStore(t)
	r := New(s, quarantineSet{"stolen": true})

	var observed audit.MergeRecord
	r.OnRecord = func(rec audit.MergeRecord) { observed = rec }

	_, err := r.Merge(context.Background(), Batch{
		DeviceID: "stolen",
		Events:   []RawEvent{{Timestamp: base, Actor: "bob", Action: "login"}},
	})
	if !errors.Is(err, audit.ErrDeviceQuarantined) {
		t.Fatalf("expected ErrDeviceQuarantined, got %v", err)
	}
	if len(chain(t, s)) != 0 {
		t.Error("quarantined batch must not write events")
	}
	if observed.Status != audit.MergeFailed {
		t.Errorf("observer should see FAILED record, got %+v", observed)
	}
}

func TestMerge_RequiresDeviceID(t *testing.T) {
	s := openStore(t)
	rec, err := New(s, nil).Merge(context.Background(), Batch{
		Events: []RawEvent{{Timestamp: base, Actor: "bob", Action: "login"}},
	})
	if err == nil || rec.Status != audit.MergeFailed {
		t.Errorf("batch without device id should fail, got %+v %v", rec, err)
	}
}

func TestCanonicalPayload(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{``, ``},
		{`null`, ``},
		{`{"z": 1, "a": {"y": true, "b": null}}`, `{"a":{"b":null,"y":true},"z":1}`},
		{`[3, 1, 2]`, `[3,1,2]`},
		{`12345678901234567890`, `12345678901234567890`},
		{`"{\"b\":1,\"a\":2}"`, `{"a":2,"b":1}`},
		{`"plain text"`, `plain text`},
		{`{"html": "<b>"}`, `{"html":"<b>"}`},
	}
	for _, tt := range tests {
		if got := canonicalPayload(json.RawMessage(tt.in)); got != tt.want {
			t.Errorf("canonicalPayload(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestDecodeBatch(t *testing.T) {
	doc := `{"device_id":"d1","session_id":"s1","events":[
		{"timestamp":"2026-05-04T08:00:00Z","actor":"bob","action":"login","event_data":{"ip":"10.0.0.1"}}
	]}`
	b, err := DecodeBatch(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if b.DeviceID != "d1" || len(b.Events) != 1 || !b.Events[0].Timestamp.Equal(base) {
		t.Errorf("decoded batch: %+v", b)
	}
}
