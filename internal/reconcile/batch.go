package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlai/ledger/internal/audit"
)

// Batch is one upload of events recorded by a device while offline.
type Batch struct {
	DeviceID  string     `json:"device_id"`
	SessionID string     `json:"session_id"`
	Events    []RawEvent `json:"events"`
}

// RawEvent is an event as submitted by a device, before normalization.
// EventData may be any JSON value or a string.
type RawEvent struct {
	EventID       string          `json:"event_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp,omitempty"`
	Actor         string          `json:"actor"`
	Action        string          `json:"action"`
	EntityType    string          `json:"entity_type,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	EventData     json.RawMessage `json:"event_data,omitempty"`
}

// DecodeBatch reads a JSON batch document.
func DecodeBatch(r io.Reader) (Batch, error) {
	var b Batch
	dec := json.NewDecoder(r)
	if err := dec.Decode(&b); err != nil {
		return Batch{}, fmt.Errorf("decoding offline batch: %w", err)
	}
	return b, nil
}

// DecodeBatchLines reads a JSON-lines batch: a header line carrying
// device_id and session_id, then one event per line. Blank lines are
// skipped.
func DecodeBatchLines(r io.Reader) (Batch, error) {
	var b Batch
	dec := json.NewDecoder(r)
	if err := dec.Decode(&b); err != nil {
		return Batch{}, fmt.Errorf("decoding offline batch header: %w", err)
	}
	b.Events = nil
	for dec.More() {
		var e RawEvent
		if err := dec.Decode(&e); err != nil {
			return Batch{}, fmt.Errorf("decoding offline event %d: %w", len(b.Events)+1, err)
		}
		b.Events = append(b.Events, e)
	}
	return b, nil
}

// normalize turns raw events into merge candidates and reports how many
// were dropped for missing an actor or action or failing
// audit.ValidateEvent.
func normalize(b Batch, now time.Time) ([]audit.Event, int) {
	var (
		out     []audit.Event
		dropped int
	)
	for i, raw := range b.Events {
		e := audit.Event{
			EventID:       strings.TrimSpace(raw.EventID),
			Timestamp:     raw.Timestamp.UTC(),
			Actor:         strings.TrimSpace(raw.Actor),
			Action:        strings.TrimSpace(raw.Action),
			EntityType:    strings.TrimSpace(raw.EntityType),
			EntityID:      strings.TrimSpace(raw.EntityID),
			CorrelationID: strings.TrimSpace(raw.CorrelationID),
			EventData:     canonicalPayload(raw.EventData),
		}
		if e.Actor == "" || e.Action == "" {
			dropped++
			continue
		}
		if raw.Timestamp.IsZero() {
			e.Timestamp = now
		}
		if e.EventID == "" {
			e.EventID = derivedID(b, i, &e)
		}
		if e.CorrelationID == "" {
			e.CorrelationID = e.EventID
		}
		if err := audit.ValidateEvent(&e); err != nil {
			slog.Warn("dropping invalid offline event", "device", b.DeviceID, "index", i, "error", err)
			dropped++
			continue
		}
		out = append(out, e)
	}
	return out, dropped
}

// derivedID is a name-based UUID over the event's position and content. It
// ignores the timestamp, which may itself have been defaulted.
func derivedID(b Batch, index int, e *audit.Event) string {
	name := strings.Join([]string{
		strings.TrimSpace(b.DeviceID),
		strings.TrimSpace(b.SessionID),
		strconv.Itoa(index),
		e.Actor, e.Action, e.EntityType, e.EntityID,
		e.CorrelationID, e.EventData,
	}, "\x00")
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
