// Package device tracks the offline devices that submit event batches to
// the ledger.
//
// Devices are auto-registered on their first merge. The registry persists
// to ~/.ledger/devices.yaml and keeps per-device merge totals. The
// quarantine list in quarantine.yaml refuses batches from devices that can
// no longer be trusted.
package device

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctrlai/ledger/internal/audit"
)

// Device is a tracked offline device.
type Device struct {
	ID          string            `yaml:"-" json:"id"`
	FirstSeen   time.Time         `yaml:"first_seen" json:"first_seen"`
	LastSeen    time.Time         `yaml:"last_seen" json:"last_seen"`
	LastSession string            `yaml:"last_session" json:"last_session"`
	LastMergeID string            `yaml:"last_merge_id" json:"last_merge_id"`
	LastStatus  audit.MergeStatus `yaml:"last_status" json:"last_status"`
	Stats       DeviceStats       `yaml:"stats" json:"stats"`
}

// DeviceStats holds cumulative merge counters for a device.
type DeviceStats struct {
	Batches    uint64 `yaml:"batches" json:"batches"`
	Failed     uint64 `yaml:"failed" json:"failed"`
	Merged     uint64 `yaml:"merged" json:"merged"`
	Duplicates uint64 `yaml:"duplicates" json:"duplicates"`
	Conflicts  uint64 `yaml:"conflicts" json:"conflicts"`
	Dropped    uint64 `yaml:"dropped" json:"dropped"`
}

// Registry is the set of known devices. Thread-safe.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	path    string
}

// registryFile is the YAML envelope for devices.yaml.
type registryFile struct {
	Devices map[string]*Device `yaml:"devices"`
}

// NewRegistry loads the registry from path. A missing file is an empty
// registry.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		devices: make(map[string]*Device),
		path:    path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading device registry %s: %w", path, err)
	}
	if len(data) == 0 {
		return r, nil
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing device registry %s: %w", path, err)
	}
	for id, d := range file.Devices {
		if d == nil {
			continue
		}
		d.ID = id
		r.devices[id] = d
	}

	slog.Info("device registry loaded", "devices", len(r.devices), "path", path)
	return r, nil
}

// List returns all devices sorted by ID.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the device with the given ID.
func (r *Registry) Get(id string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("device %q: %w", id, audit.ErrNotFound)
	}
	return *d, nil
}

// RecordMerge folds one merge record into the device's totals,
// registering the device on first sight.
func (r *Registry) RecordMerge(rec audit.MergeRecord) {
	if rec.DeviceID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[rec.DeviceID]
	if !ok {
		d = &Device{ID: rec.DeviceID, FirstSeen: rec.StartedAt}
		r.devices[rec.DeviceID] = d
		slog.Info("new device registered", "device", rec.DeviceID)
	}

	d.LastSeen = rec.StartedAt
	d.LastSession = rec.SessionID
	d.LastMergeID = rec.MergeID
	d.LastStatus = rec.Status
	d.Stats.Batches++
	if rec.Status == audit.MergeFailed {
		d.Stats.Failed++
	}
	d.Stats.Merged += uint64(rec.Merged)
	d.Stats.Duplicates += uint64(rec.Duplicates)
	d.Stats.Conflicts += uint64(rec.Conflicts)
	d.Stats.Dropped += uint64(rec.Dropped)
}

// Save persists the registry to devices.yaml.
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := yaml.Marshal(&registryFile{Devices: r.devices})
	if err != nil {
		return fmt.Errorf("marshaling device registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("writing device registry %s: %w", r.path, err)
	}
	return nil
}
