// Package verifier walks the stored audit chain and reports the first break.
//
// Verification is read-only with respect to events: the only write is one
// verification history row per run. A BROKEN result is an integrity finding,
// not an error; errors are reserved for infrastructure failures.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ctrlai/ledger/internal/audit"
)

// Triggers recorded in verification history.
const (
	TriggerScheduled = "scheduled"
	TriggerOnDemand  = "on_demand"
)

// Store is the subset of the event store the verifier needs.
type Store interface {
	audit.ChainReader
	SaveVerification(ctx context.Context, v audit.VerificationRecord) error
}

// Result is the outcome of one verification pass.
type Result struct {
	Status         audit.VerificationStatus `json:"status"`
	EventsVerified int                      `json:"events_verified"`
	BrokenEventID  string                   `json:"broken_event_id,omitempty"`
	Position       int                      `json:"position"`
	Reason         string                   `json:"reason,omitempty"`
	ExpectedHash   string                   `json:"expected_hash,omitempty"`
	ActualHash     string                   `json:"actual_hash,omitempty"`
	Duration       time.Duration            `json:"duration"`
}

// PassTimeout bounds one shared verification pass.
const PassTimeout = 10 * time.Minute

// Broken reasons.
const (
	ReasonLinkMismatch = "previous_hash does not match predecessor"
	ReasonHashMismatch = "current_hash does not match recomputed hash"
)

// Verifier checks chain integrity over a time range.
type Verifier struct {
	store   Store
	group   singleflight.Group
	now     func() time.Time
	timeout time.Duration

	// OnResult, if set, observes every completed run.
	OnResult func(trigger string, r audit.Range, res Result)
}

// New creates a verifier reading from store.
func New(store Store) *Verifier {
	return &Verifier{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		timeout: PassTimeout,
	}
}

// Verify checks the chain over r (a zero Range is the whole chain).
//
// The expected predecessor hash starts empty for a run that begins at the
// genesis event and at the hash of the event just before r.From otherwise.
// Concurrent requests for the same range and trigger share one pass. The
// pass is detached from any single caller and bounded by PassTimeout; a
// caller whose ctx ends stops waiting without failing the others.
func (v *Verifier) Verify(ctx context.Context, r audit.Range, trigger string) (Result, error) {
	key := fmt.Sprintf("%s|%d|%d", trigger, r.From.UnixNano(), r.To.UnixNano())
	ch := v.group.DoChan(key, func() (any, error) {
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.timeout)
		defer cancel()
		return v.run(passCtx, r, trigger)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return Result{}, out.Err
		}
		return out.Val.(Result), nil
	}
}

func (v *Verifier) run(ctx context.Context, r audit.Range, trigger string) (Result, error) {
	started := v.now()

	events, err := v.store.RangeQuery(ctx, r)
	if err != nil {
		return Result{}, fmt.Errorf("loading chain for verification: %w", err)
	}

	var res Result
	if len(events) == 0 {
		res = Result{Status: audit.VerificationEmpty}
	} else {
		expected := ""
		if !r.From.IsZero() {
			expected, err = v.store.PredecessorHash(ctx, r.From)
			if err != nil {
				return Result{}, fmt.Errorf("loading predecessor for verification: %w", err)
			}
		}
		res = Check(events, expected)
	}
	res.Duration = v.now().Sub(started)

	rec := audit.VerificationRecord{
		ID:             uuid.NewString(),
		Trigger:        trigger,
		From:           r.From,
		To:             r.To,
		Status:         res.Status,
		EventsVerified: res.EventsVerified,
		BrokenEventID:  res.BrokenEventID,
		Position:       res.Position,
		StartedAt:      started,
		Duration:       res.Duration,
	}
	if err := v.store.SaveVerification(ctx, rec); err != nil {
		return Result{}, err
	}

	switch res.Status {
	case audit.VerificationBroken:
		slog.Error("INTEGRITY VIOLATION: audit chain broken",
			"trigger", trigger,
			"broken_event_id", res.BrokenEventID,
			"position", res.Position,
			"reason", res.Reason,
			"expected", res.ExpectedHash,
			"actual", res.ActualHash,
		)
	default:
		slog.Info("audit chain verified",
			"trigger", trigger,
			"status", res.Status,
			"events", res.EventsVerified,
			"duration", res.Duration,
		)
	}

	if v.OnResult != nil {
		v.OnResult(trigger, r, res)
	}
	return res, nil
}

// Check walks events (already in canonical order) starting from the given
// predecessor hash and stops at the first break. It does no I/O.
func Check(events []audit.Event, expectedPrevious string) Result {
	if len(events) == 0 {
		return Result{Status: audit.VerificationEmpty}
	}

	expected := expectedPrevious
	for i := range events {
		e := &events[i]
		if e.PreviousHash != expected {
			return Result{
				Status:         audit.VerificationBroken,
				EventsVerified: i,
				BrokenEventID:  e.EventID,
				Position:       i,
				Reason:         ReasonLinkMismatch,
				ExpectedHash:   expected,
				ActualHash:     e.PreviousHash,
			}
		}
		if computed := audit.ComputeHash(e, e.PreviousHash); computed != e.CurrentHash {
			return Result{
				Status:         audit.VerificationBroken,
				EventsVerified: i,
				BrokenEventID:  e.EventID,
				Position:       i,
				Reason:         ReasonHashMismatch,
				ExpectedHash:   computed,
				ActualHash:     e.CurrentHash,
			}
		}
		expected = e.CurrentHash
	}
	return Result{Status: audit.VerificationValid, EventsVerified: len(events)}
}
