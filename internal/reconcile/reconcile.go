// Package reconcile merges batches of events recorded offline back into the
// audit chain.
//
// Offline events claim times in the chain's past, so inserting them breaks
// every link after the earliest insertion point. A merge therefore inserts,
// then repairs the chain from that point to the tail, all inside one store
// transaction holding the chain lock. Either the whole batch lands with a
// consistent chain or nothing changes.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlai/ledger/internal/audit"
)

const (
	// ContextWindow widens the stored-event lookup around a batch.
	ContextWindow = 5 * time.Second

	// ConflictWindow is how close two events on the same actor, action and
	// entity must be to be flagged as a potential conflict.
	ConflictWindow = 5 * time.Second
)

// idNamespace derives stable ids for events submitted without one, so that
// replaying the same batch produces the same ids.
var idNamespace = uuid.MustParse("4f1c2b8e-6a0d-5b7e-9c3f-2d8a1e6b0c47")

// Store is the subset of the event store the reconciler needs.
type Store interface {
	ExecuteTransactionally(ctx context.Context, fn func(ctx context.Context, tx audit.Tx) error) error
	SaveMergeRecord(ctx context.Context, rec audit.MergeRecord) error
}

// Quarantine reports devices whose batches must be refused.
type Quarantine interface {
	IsQuarantined(deviceID string) bool
}

// Reconciler merges offline batches into the chain.
type Reconciler struct {
	store      Store
	quarantine Quarantine
	now        func() time.Time

	// OnRecord, if set, observes every merge record after it is saved.
	OnRecord func(rec audit.MergeRecord)
}

// New creates a reconciler. quarantine may be nil.
func New(store Store, quarantine Quarantine) *Reconciler {
	return &Reconciler{
		store:      store,
		quarantine: quarantine,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Merge reconciles one batch. A MergeRecord is written for every call; on
// failure the transaction is rolled back, the record is FAILED and the
// returned error wraps the cause.
func (r *Reconciler) Merge(ctx context.Context, batch Batch) (audit.MergeRecord, error) {
	started := r.now()
	rec := audit.MergeRecord{
		MergeID:   uuid.NewString(),
		DeviceID:  strings.TrimSpace(batch.DeviceID),
		SessionID: strings.TrimSpace(batch.SessionID),
		Received:  len(batch.Events),
		StartedAt: started,
	}

	var err error
	switch {
	case rec.DeviceID == "":
		err = errors.New("batch has no device id")
	case r.quarantine != nil && r.quarantine.IsQuarantined(rec.DeviceID):
		err = fmt.Errorf("device %s: %w", rec.DeviceID, audit.ErrDeviceQuarantined)
	}
	if err != nil {
		return r.fail(ctx, rec, err)
	}

	candidates, dropped := normalize(batch, started)
	rec.Dropped = dropped

	var out outcome
	if len(candidates) > 0 {
		err = r.store.ExecuteTransactionally(ctx, func(ctx context.Context, tx audit.Tx) error {
			var err error
			out, err = mergeInTx(ctx, tx, candidates, rec)
			return err
		})
		if err != nil {
			return r.fail(ctx, rec, err)
		}
	}

	rec.Merged = out.merged
	rec.Duplicates = out.duplicates
	rec.Conflicts = out.conflicts
	rec.Rehashed = out.rehashed
	rec.Status = classify(rec)
	rec.Duration = r.now().Sub(started)

	if err := r.record(ctx, rec); err != nil {
		return rec, err
	}
	slog.Info("offline batch merged",
		"merge_id", rec.MergeID,
		"device", rec.DeviceID,
		"session", rec.SessionID,
		"status", rec.Status,
		"received", rec.Received,
		"merged", rec.Merged,
		"duplicates", rec.Duplicates,
		"conflicts", rec.Conflicts,
		"rehashed", rec.Rehashed,
		"dropped", rec.Dropped,
	)
	return rec, nil
}

func (r *Reconciler) fail(ctx context.Context, rec audit.MergeRecord, cause error) (audit.MergeRecord, error) {
	rec.Status = audit.MergeFailed
	rec.Error = cause.Error()
	rec.Duration = r.now().Sub(rec.StartedAt)

	slog.Error("offline merge failed",
		"merge_id", rec.MergeID,
		"device", rec.DeviceID,
		"session", rec.SessionID,
		"error", cause,
	)
	if err := r.record(ctx, rec); err != nil {
		return rec, errors.Join(fmt.Errorf("merge %s: %w", rec.MergeID, cause), err)
	}
	return rec, fmt.Errorf("merge %s: %w", rec.MergeID, cause)
}

// record saves rec even when ctx has been cancelled: the outcome of an
// aborted merge must still be recorded.
func (r *Reconciler) record(ctx context.Context, rec audit.MergeRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.SaveMergeRecord(ctx, rec); err != nil {
		slog.Error("failed to record merge outcome", "merge_id", rec.MergeID, "error", err)
		return fmt.Errorf("recording merge %s: %w", rec.MergeID, err)
	}
	if r.OnRecord != nil {
		r.OnRecord(rec)
	}
	return nil
}

// classify derives the merge status of a committed merge.
func classify(rec audit.MergeRecord) audit.MergeStatus {
	if rec.Merged > 0 && (rec.Duplicates > 0 || rec.Conflicts > 0) {
		return audit.MergePartialSuccess
	}
	return audit.MergeSuccess
}

type outcome struct {
	merged     int
	duplicates int
	conflicts  int
	rehashed   int
}

// conflictEntry is an event already accepted into the merge view, either
// stored (candidate < 0) or from this batch.
type conflictEntry struct {
	ts          time.Time
	correlation string
	candidate   int
}

func mergeInTx(ctx context.Context, tx audit.Tx, candidates []audit.Event, rec audit.MergeRecord) (outcome, error) {
	var out outcome

	lo, hi := candidates[0].Timestamp, candidates[0].Timestamp
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		if c.Timestamp.Before(lo) {
			lo = c.Timestamp
		}
		if c.Timestamp.After(hi) {
			hi = c.Timestamp
		}
		ids[i] = c.EventID
	}

	stored, err := tx.RangeQuery(ctx, audit.Inclusive(lo.Add(-ContextWindow), hi.Add(ContextWindow)))
	if err != nil {
		return out, fmt.Errorf("loading merge context: %w", err)
	}
	knownIDs, err := tx.KnownEventIDs(ctx, ids)
	if err != nil {
		return out, err
	}

	seen := make(map[string]bool, len(stored)+len(candidates))
	byTarget := make(map[string][]conflictEntry)
	for i := range stored {
		e := &stored[i]
		seen[dedupKey(e)] = true
		k := targetKey(e)
		byTarget[k] = append(byTarget[k], conflictEntry{ts: e.Timestamp, correlation: norm(e.CorrelationID), candidate: -1})
	}

	var accepted []audit.Event
	flagged := make(map[int]bool)
	for i := range candidates {
		c := &candidates[i]
		key := dedupKey(c)
		if seen[key] || knownIDs[c.EventID] {
			out.duplicates++
			continue
		}
		seen[key] = true
		knownIDs[c.EventID] = true

		idx := len(accepted)
		k := targetKey(c)
		corr := norm(c.CorrelationID)
		for _, other := range byTarget[k] {
			if other.correlation == corr || absDuration(c.Timestamp.Sub(other.ts)) > ConflictWindow {
				continue
			}
			flagged[idx] = true
			if other.candidate >= 0 {
				flagged[other.candidate] = true
			}
		}
		byTarget[k] = append(byTarget[k], conflictEntry{ts: c.Timestamp, correlation: corr, candidate: idx})
		accepted = append(accepted, *c)
	}
	out.conflicts = len(flagged)

	if len(accepted) == 0 {
		return out, nil
	}

	earliest := accepted[0].Timestamp
	for i := range accepted {
		e := &accepted[i]
		e.IsOffline = true
		e.OfflineDeviceID = rec.DeviceID
		e.OfflineSessionID = rec.SessionID
		e.OfflineMergeID = rec.MergeID
		e.IntegrityStatus = audit.StatusPendingRehash
		e.PreviousHash, e.CurrentHash, e.OriginalHash = "", "", ""
		e.LastVerifiedAt = nil
		if e.Timestamp.Before(earliest) {
			earliest = e.Timestamp
		}
		if flagged[i] {
			slog.Warn("offline event conflicts with a nearby event",
				"merge_id", rec.MergeID,
				"event_id", e.EventID,
				"actor", e.Actor,
				"action", e.Action,
				"entity_id", e.EntityID,
			)
		}
	}
	if _, err := tx.InsertMany(ctx, accepted); err != nil {
		return out, err
	}
	out.merged = len(accepted)

	out.rehashed, err = repair(ctx, tx, earliest)
	if err != nil {
		return out, err
	}
	return out, nil
}

// repair relinks every event from the first one at or after from to the
// tail, starting from the hash of the event just before from.
func repair(ctx context.Context, tx audit.Tx, from time.Time) (int, error) {
	suffix, err := tx.RangeQuery(ctx, audit.Range{From: from})
	if err != nil {
		return 0, fmt.Errorf("loading chain suffix for repair: %w", err)
	}
	prev, err := tx.PredecessorHash(ctx, from)
	if err != nil {
		return 0, err
	}
	for i := range suffix {
		e := &suffix[i]
		prev = e.Link(prev)
		e.IntegrityStatus = audit.StatusRehashed
		e.LastVerifiedAt = nil
	}
	if err := tx.UpdateMany(ctx, suffix); err != nil {
		return 0, fmt.Errorf("writing repaired chain: %w", err)
	}
	return len(suffix), nil
}

func dedupKey(e *audit.Event) string {
	return strings.Join([]string{
		norm(e.CorrelationID),
		audit.FormatTimestamp(e.Timestamp),
		norm(e.Actor),
		norm(e.Action),
		norm(e.EntityID),
	}, "\x00")
}

func targetKey(e *audit.Event) string {
	return strings.Join([]string{norm(e.Actor), norm(e.Action), norm(e.EntityID)}, "\x00")
}

// norm folds case and collapses whitespace.
func norm(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// canonicalPayload re-encodes JSON payloads with sorted keys and no
// insignificant whitespace. Anything that is not JSON is kept verbatim.
func canonicalPayload(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}

	var v any
	if err := decodeJSON(trimmed, &v); err != nil {
		return trimmed
	}
	if s, ok := v.(string); ok {
		// A string payload may itself carry serialized JSON.
		var inner any
		if err := decodeJSON(s, &inner); err != nil {
			return s
		}
		v = inner
	}
	out, err := encodeJSON(v)
	if err != nil {
		return trimmed
	}
	return out
}
