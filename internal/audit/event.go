package audit

import (
	"fmt"
	"math"
	"sort"
	"time"
	"unicode/utf8"
)

// IntegrityStatus tracks where an event stands with respect to the chain.
type IntegrityStatus string

const (
	// StatusPendingRehash marks an event inserted by the reconciler whose
	// link has not been computed yet. Never visible after a committed merge.
	StatusPendingRehash IntegrityStatus = "PENDING_REHASH"

	// StatusRehashed marks an event whose link was recomputed by a repair.
	StatusRehashed IntegrityStatus = "REHASHED"

	// StatusVerified marks an event whose link was established and checked
	// at write time against the then-current tail.
	StatusVerified IntegrityStatus = "VERIFIED"

	// StatusBroken is reserved for events flagged by an investigation.
	StatusBroken IntegrityStatus = "BROKEN"
)

// Event is a single link of the audit chain.
//
// Content fields (Timestamp through EventData) feed the hash. Sequence is
// store-assigned insertion order and only breaks timestamp ties; it is not
// part of the hash, so a repair never depends on it.
type Event struct {
	EventID  string `json:"event_id"`
	Sequence int64  `json:"sequence"`

	Timestamp     time.Time `json:"timestamp"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	EventData     string    `json:"event_data"`

	PreviousHash string `json:"previous_hash"`
	CurrentHash  string `json:"current_hash"`
	IsGenesis    bool   `json:"is_genesis"`
	OriginalHash string `json:"original_hash"`

	IsOffline        bool   `json:"is_offline"`
	OfflineDeviceID  string `json:"offline_device_id,omitempty"`
	OfflineSessionID string `json:"offline_session_id,omitempty"`
	OfflineMergeID   string `json:"offline_merge_id,omitempty"`

	IntegrityStatus IntegrityStatus `json:"integrity_status"`
	LastVerifiedAt  *time.Time      `json:"last_verified_at,omitempty"`
	Archived        bool            `json:"archived"`
}

// Link sets the chain fields of e for the given predecessor hash and
// returns the new current hash. The first hash ever assigned to an event is
// kept in OriginalHash; later calls leave it untouched.
func (e *Event) Link(previousHash string) string {
	if e.OriginalHash == "" && e.CurrentHash != "" {
		e.OriginalHash = e.CurrentHash
	}
	e.PreviousHash = previousHash
	e.IsGenesis = previousHash == ""
	e.CurrentHash = ComputeHash(e, previousHash)
	if e.OriginalHash == "" {
		e.OriginalHash = e.CurrentHash
	}
	return e.CurrentHash
}

// Timestamps are stored as Unix nanoseconds, which bounds the times an event
// may carry.
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// ValidateEvent checks that e round-trips through the store and the JSON
// archive format unchanged: the timestamp must fit in Unix nanoseconds and
// every string field must be valid UTF-8. Failures wrap ErrInvalidEvent.
func ValidateEvent(e *Event) error {
	if e.Timestamp.Before(MinTimestamp) || e.Timestamp.After(MaxTimestamp) {
		return fmt.Errorf("event %s: timestamp %s outside %d..%d: %w",
			e.EventID, e.Timestamp.UTC().Format(time.RFC3339),
			MinTimestamp.Year(), MaxTimestamp.Year(), ErrInvalidEvent)
	}
	fields := []struct{ name, value string }{
		{"event_id", e.EventID},
		{"actor", e.Actor},
		{"action", e.Action},
		{"entity_type", e.EntityType},
		{"entity_id", e.EntityID},
		{"correlation_id", e.CorrelationID},
		{"event_data", e.EventData},
	}
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return fmt.Errorf("event %s: %s is not valid UTF-8: %w", e.EventID, f.name, ErrInvalidEvent)
		}
	}
	return nil
}

// Before reports whether a precedes b in canonical chain order.
func Before(a, b *Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Sequence < b.Sequence
}

// SortCanonical orders events by (Timestamp, Sequence) ascending.
func SortCanonical(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return Before(&events[i], &events[j])
	})
}

// Range is a half-open time window [From, To). A zero bound is unbounded.
type Range struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Inclusive returns the range [from, to] expressed as a half-open Range.
func Inclusive(from, to time.Time) Range {
	r := Range{From: from}
	if !to.IsZero() {
		r.To = to.Add(time.Nanosecond)
	}
	return r
}

// MergeStatus classifies the outcome of one reconciliation attempt.
type MergeStatus string

const (
	MergeSuccess        MergeStatus = "SUCCESS"
	MergePartialSuccess MergeStatus = "PARTIAL_SUCCESS"
	MergeFailed         MergeStatus = "FAILED"
)

// MergeRecord is written once per reconciliation attempt, success or not.
type MergeRecord struct {
	MergeID    string        `json:"merge_id"`
	DeviceID   string        `json:"device_id"`
	SessionID  string        `json:"session_id"`
	Received   int           `json:"received"`
	Merged     int           `json:"merged"`
	Duplicates int           `json:"duplicates"`
	Conflicts  int           `json:"conflicts"`
	Rehashed   int           `json:"rehashed"`
	Dropped    int           `json:"dropped"`
	Status     MergeStatus   `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// ReplicationStatus is the durability state of an exported archive.
type ReplicationStatus string

const (
	ReplicationPending       ReplicationStatus = "PENDING"
	ReplicationCompleted     ReplicationStatus = "COMPLETED"
	ReplicationFailed        ReplicationStatus = "FAILED"
	ReplicationNotConfigured ReplicationStatus = "NOT_CONFIGURED"
)

// ArchiveMetadata describes one exported day window.
type ArchiveMetadata struct {
	ArchiveID         string    `json:"archive_id"`
	ExportDate        string    `json:"export_date"`
	Bucket            string    `json:"bucket"`
	ObjectKey         string    `json:"object_key"`
	MetadataKey       string    `json:"metadata_key"`
	VerifierKey       string    `json:"verifier_key"`
	EventCount        int       `json:"event_count"`
	UncompressedBytes int64     `json:"uncompressed_bytes"`
	SizeBytes         int64     `json:"size_bytes"`
	CompressionRatio  float64   `json:"compression_ratio"`
	SHA256            string    `json:"sha256"`
	ChainStart        string    `json:"chain_start"`
	ChainEnd          string    `json:"chain_end"`
	ChainLink         string    `json:"chain_link"`
	RetentionUntil    time.Time `json:"retention_until"`

	ReplicationStatus    ReplicationStatus `json:"replication_status"`
	ReplicationCheckedAt *time.Time        `json:"replication_checked_at,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
}

// VerificationStatus is the result class of a chain verification.
type VerificationStatus string

const (
	VerificationValid  VerificationStatus = "VALID"
	VerificationBroken VerificationStatus = "BROKEN"
	VerificationEmpty  VerificationStatus = "EMPTY"
)

// VerificationRecord is one row of verification history.
type VerificationRecord struct {
	ID             string             `json:"id"`
	Trigger        string             `json:"trigger"`
	From           time.Time          `json:"from"`
	To             time.Time          `json:"to"`
	Status         VerificationStatus `json:"status"`
	EventsVerified int                `json:"events_verified"`
	BrokenEventID  string             `json:"broken_event_id,omitempty"`
	Position       int                `json:"position"`
	StartedAt      time.Time          `json:"started_at"`
	Duration       time.Duration      `json:"duration"`
}
