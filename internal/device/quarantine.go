package device

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// QuarantineEntry is one quarantined device in quarantine.yaml.
type QuarantineEntry struct {
	Device        string    `yaml:"device"`
	QuarantinedAt time.Time `yaml:"quarantined_at"`
	Reason        string    `yaml:"reason"`
	By            string    `yaml:"by"`
}

// Quarantine is the set of devices whose offline batches are refused, for
// example a lost laptop whose local log can no longer be trusted. It
// persists to quarantine.yaml and keeps an in-memory set for lookups.
//
// Thread-safe. The server watches quarantine.yaml and calls Reload when it
// changes, so `ledger device quarantine` takes effect without a restart.
type Quarantine struct {
	mu      sync.RWMutex
	devices map[string]QuarantineEntry
	entries []QuarantineEntry
	path    string
}

// NewQuarantine loads the quarantine list from the given YAML file.
// If the file doesn't exist, no device is quarantined.
func NewQuarantine(path string) (*Quarantine, error) {
	q := &Quarantine{
		devices: make(map[string]QuarantineEntry),
		path:    path,
	}
	if err := q.loadFromFile(); err != nil {
		return nil, err
	}
	return q, nil
}

// IsQuarantined reports whether batches from deviceID must be refused.
func (q *Quarantine) IsQuarantined(deviceID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.devices[deviceID]
	return ok
}

// List returns the quarantined devices in the order they were added.
func (q *Quarantine) List() []QuarantineEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]QuarantineEntry(nil), q.entries...)
}

// Add quarantines a device and persists the list. Quarantining an already
// quarantined device is a no-op.
func (q *Quarantine) Add(id, reason, by string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.devices[id]; exists {
		return nil
	}

	entry := QuarantineEntry{
		Device:        id,
		QuarantinedAt: time.Now().UTC(),
		Reason:        reason,
		By:            by,
	}
	q.devices[id] = entry
	q.entries = append(q.entries, entry)

	slog.Warn("device quarantined", "device", id, "reason", reason, "by", by)
	return q.saveToFile()
}

// Release removes a device from quarantine and persists the list.
// Releasing a device that is not quarantined is a no-op.
func (q *Quarantine) Release(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.devices[id]; !exists {
		return nil
	}
	delete(q.devices, id)

	filtered := make([]QuarantineEntry, 0, len(q.entries))
	for _, e := range q.entries {
		if e.Device != id {
			filtered = append(filtered, e)
		}
	}
	q.entries = filtered

	slog.Info("device released from quarantine", "device", id)
	return q.saveToFile()
}

// Reload re-reads quarantine.yaml from disk.
func (q *Quarantine) Reload() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.devices = make(map[string]QuarantineEntry)
	q.entries = nil
	if err := q.loadFromFile(); err != nil {
		return err
	}

	slog.Info("device quarantine reloaded", "quarantined", len(q.devices))
	return nil
}

// loadFromFile populates the in-memory state. Caller must hold the mutex.
func (q *Quarantine) loadFromFile() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading device quarantine %s: %w", q.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var entries []QuarantineEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing device quarantine %s: %w", q.path, err)
	}

	q.entries = entries
	for _, e := range entries {
		q.devices[e.Device] = e
	}
	return nil
}

// saveToFile writes the list. Caller must hold the mutex.
func (q *Quarantine) saveToFile() error {
	if len(q.entries) == 0 {
		return os.WriteFile(q.path, []byte(""), 0o644)
	}

	data, err := yaml.Marshal(q.entries)
	if err != nil {
		return fmt.Errorf("marshaling device quarantine: %w", err)
	}
	return os.WriteFile(q.path, data, 0o644)
}
