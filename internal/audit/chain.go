// Package audit defines the tamper-evident audit chain: the event model,
// the hash engine, and the store contracts the rest of the ledger builds on.
//
// Every event carries the hash of its canonical predecessor. The canonical
// order is (timestamp, sequence) ascending, and each event's hash is
//
//	SHA-256(previous_hash, timestamp, actor, action, entity_type,
//	        entity_id, correlation_id, event_data)
//
// with every field written as "<byte length>:<value>;". Tampering with any
// field or any link breaks the chain from that point forward.
//
// The field order and encoding are format version HashFormatVersion. Any
// change to either is a breaking change: every stored hash must be
// re-derived and every exported archive re-checked with the new rules.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// HashFormatVersion identifies the field order and encoding used by
// ComputeHash. It is written into every archive manifest.
const HashFormatVersion = 1

// HashPrefix is prepended to every hex digest.
const HashPrefix = "sha256:"

// TimestampLayout is the fixed-width UTC encoding of Timestamp used in the
// hash input. Fixed width keeps the encoding independent of trailing zeros.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// HashFields lists the hashed fields in order. Used by the archive verifier
// description so readers can re-implement the engine.
var HashFields = []string{
	"previous_hash",
	"timestamp",
	"actor",
	"action",
	"entity_type",
	"entity_id",
	"correlation_id",
	"event_data",
}

// ComputeHash calculates the link hash for e given its predecessor's hash
// ("" for the genesis event). It ignores e.PreviousHash and e.CurrentHash.
func ComputeHash(e *Event, previousHash string) string {
	h := sha256.New()
	for _, field := range []string{
		previousHash,
		FormatTimestamp(e.Timestamp),
		e.Actor,
		e.Action,
		e.EntityType,
		e.EntityID,
		e.CorrelationID,
		e.EventData,
	} {
		writeField(h, field)
	}
	return HashPrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyHash reports whether e.CurrentHash matches the hash recomputed from
// its content and the given predecessor hash.
func VerifyHash(e *Event, previousHash string) bool {
	return e.CurrentHash == ComputeHash(e, previousHash)
}

// FormatTimestamp renders t in the hash encoding.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func writeField(w io.Writer, v string) {
	fmt.Fprintf(w, "%d:%s;", len(v), v)
}
