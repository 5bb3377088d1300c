package device

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctrlai/ledger/internal/audit"
)

// === Quarantine Tests ===

func TestNewQuarantine_NonexistentFile(t *testing.T) {
	q, err := NewQuarantine(filepath.Join(t.TempDir(), "quarantine.yaml"))
	if err != nil {
		t.Fatalf("NewQuarantine with nonexistent file should not error: %v", err)
	}
	if q.IsQuarantined("any-device") {
		t.Error("no devices should be quarantined initially")
	}
}

func TestNewQuarantine_LoadExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quarantine.yaml")
	data := []byte("- device: lost-laptop\n  quarantined_at: \"2026-01-01T00:00:00Z\"\n  reason: \"reported stolen\"\n  by: \"secops\"\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	q, err := NewQuarantine(path)
	if err != nil {
		t.Fatal(err)
	}
	if !q.IsQuarantined("lost-laptop") {
		t.Error("lost-laptop should be quarantined after loading")
	}
	if q.IsQuarantined("other") {
		t.Error("other should not be quarantined")
	}
}

func TestNewQuarantine_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarantine.yaml")
	if err := os.WriteFile(path, []byte("{{{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewQuarantine(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestQuarantine_AddIdempotent(t *testing.T) {
	q, _ := NewQuarantine(filepath.Join(t.TempDir(), "quarantine.yaml"))

	if err := q.Add("d1", "lost", "user"); err != nil {
		t.Fatal(err)
	}
	if err := q.Add("d1", "again", "user"); err != nil {
		t.Errorf("quarantining an already quarantined device should not error: %v", err)
	}
	if got := q.List(); len(got) != 1 || got[0].Reason != "lost" {
		t.Errorf("list: %+v", got)
	}
}

func TestQuarantine_Release(t *testing.T) {
	q, _ := NewQuarantine(filepath.Join(t.TempDir(), "quarantine.yaml"))

	_ = q.Add("d1", "lost", "user")
	if err := q.Release("d1"); err != nil {
		t.Fatal(err)
	}
	if q.IsQuarantined("d1") {
		t.Error("d1 should not be quarantined after Release()")
	}
	if err := q.Release("never"); err != nil {
		t.Errorf("releasing a device that is not quarantined should not error: %v", err)
	}
}

func TestQuarantine_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarantine.yaml")

	// Server and CLI hold separate instances over the same file.
	server, _ := NewQuarantine(path)
	cli, _ := NewQuarantine(path)

	if err := cli.Add("d1", "lost", "cli"); err != nil {
		t.Fatal(err)
	}
	if server.IsQuarantined("d1") {
		t.Fatal("server should not see the change before Reload")
	}
	if err := server.Reload(); err != nil {
		t.Fatal(err)
	}
	if !server.IsQuarantined("d1") {
		t.Error("server should see d1 after Reload")
	}

	if err := cli.Release("d1"); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if len(data) != 0 {
		t.Errorf("empty quarantine should write an empty file, got %q", data)
	}
	if err := server.Reload(); err != nil {
		t.Fatal(err)
	}
	if server.IsQuarantined("d1") {
		t.Error("d1 should be released after Reload")
	}
}

// === Registry Tests ===

func record(device, status string, merged int) audit.MergeRecord {
	return audit.MergeRecord{
		MergeID:    "m-" + device,
		DeviceID:   device,
		SessionID:  "s1",
		Merged:     merged,
		Duplicates: 1,
		Status:     audit.MergeStatus(status),
		StartedAt:  time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewRegistry_NonexistentFile(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "devices.yaml"))
	if err != nil {
		t.Fatalf("NewRegistry with nonexistent file should not error: %v", err)
	}
	if len(r.List()) != 0 {
		t.Error("expected no devices")
	}
}

func TestRegistry_RecordMerge_AutoRegisters(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "devices.yaml"))

	r.RecordMerge(record("laptop", "SUCCESS", 3))
	r.RecordMerge(record("laptop", "FAILED", 0))

	d, err := r.Get("laptop")
	if err != nil {
		t.Fatal(err)
	}
	if d.Stats.Batches != 2 || d.Stats.Failed != 1 || d.Stats.Merged != 3 || d.Stats.Duplicates != 2 {
		t.Errorf("stats: %+v", d.Stats)
	}
	if d.LastStatus != audit.MergeFailed {
		t.Errorf("last status: expected FAILED, got %s", d.LastStatus)
	}
}

func TestRegistry_IgnoresRecordsWithoutDevice(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "devices.yaml"))
	r.RecordMerge(record("", "FAILED", 0))
	if len(r.List()) != 0 {
		t.Error("a record without a device id should not register a device")
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "devices.yaml"))
	if _, err := r.Get("nope"); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")

	r, _ := NewRegistry(path)
	r.RecordMerge(record("b", "SUCCESS", 1))
	r.RecordMerge(record("a", "PARTIAL_SUCCESS", 2))
	if err := r.Save(); err != nil {
		t.Fatal(err)
	}

	r2, err := NewRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	list := r2.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("reloaded list should be sorted a, b: %+v", list)
	}
	if list[0].Stats.Merged != 2 || list[0].LastStatus != audit.MergePartialSuccess {
		t.Errorf("reloaded device a: %+v", list[0])
	}
}
