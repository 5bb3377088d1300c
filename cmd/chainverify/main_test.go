package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ctrlai/ledger/internal/archive"
	"github.com/ctrlai/ledger/internal/audit"
	"github.com/ctrlai/ledger/internal/objectstore"
	"github.com/ctrlai/ledger/internal/store"
)

// exported appends events to a fresh ledger, exports their day and returns
// the artifact and manifest paths.
func exported(t *testing.T) (artifactPath, manifestPath string) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// An event on the previous day makes the exported chain-link non-empty.
	for i, at := range []time.Time{day.Add(-time.Hour), day.Add(time.Hour), day.Add(2 * time.Hour), day.Add(3 * time.Hour)} {
		if _, err := s.Append(ctx, audit.Event{Timestamp: at, Actor: "svc", Action: "sync", EntityID: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}

	dir := t.TempDir()
	objects, err := objectstore.NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := archive.NewExporter(s, objects, archive.Options{}).ExportDay(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if meta.EventCount != 3 {
		t.Fatalf("expected 3 exported events, got %d", meta.EventCount)
	}
	return filepath.Join(dir, filepath.FromSlash(meta.ObjectKey)), filepath.Join(dir, filepath.FromSlash(meta.MetadataKey))
}

// tamper rewrites the artifact at path with the second event's actor changed.
func tamper(t *testing.T, path string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	events, err := archive.ReadArtifact(f)
	f.Close()
	if err != nil {
		t.Fatal(err)
	}
	events[1].Actor = "mallory"

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			t.Fatal(err)
		}
	}
	zw.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRun(t *testing.T) {
	artifactPath, manifestPath := exported(t)

	tests := []struct {
		name    string
		args    []string
		want    int
		wantOut string
	}{
		{"with manifest", []string{"--manifest", manifestPath, artifactPath}, exitOK, "VALID: 3 events"},
		{"without manifest", []string{artifactPath}, exitOK, "checking linkage from the first event"},
		{"wrong link", []string{"--link", "sha256:elsewhere", artifactPath}, exitBroken, "BROKEN at position 0"},
		{"missing artifact", []string{filepath.Join(t.TempDir(), "nope.gz")}, exitIOError, ""},
		{"missing manifest", []string{"--manifest", filepath.Join(t.TempDir(), "nope.json"), artifactPath}, exitIOError, ""},
		{"no arguments", nil, exitIOError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if got := run(tt.args, &stdout, &stderr); got != tt.want {
				t.Fatalf("exit code: expected %d, got %d\nstdout: %s\nstderr: %s", tt.want, got, stdout.String(), stderr.String())
			}
			if !strings.Contains(stdout.String(), tt.wantOut) {
				t.Errorf("stdout %q does not contain %q", stdout.String(), tt.wantOut)
			}
		})
	}
}

func TestRun_Tampered(t *testing.T) {
	artifactPath, manifestPath := exported(t)
	tamper(t, artifactPath)

	var stdout, stderr bytes.Buffer
	if got := run([]string{"--manifest", manifestPath, artifactPath}, &stdout, &stderr); got != exitBroken {
		t.Errorf("manifest check: expected exit %d, got %d", exitBroken, got)
	}
	if !strings.Contains(stderr.String(), "sha256") {
		t.Errorf("expected a checksum mismatch, got %q", stderr.String())
	}

	stdout.Reset()
	if got := run([]string{artifactPath}, &stdout, &stderr); got != exitBroken {
		t.Errorf("chain check: expected exit %d, got %d", exitBroken, got)
	}
	if !strings.Contains(stdout.String(), "BROKEN at position 1") {
		t.Errorf("expected the tampered event to be reported, got %q", stdout.String())
	}
}

func TestRun_CorruptArtifact(t *testing.T) {
	artifactPath, _ := exported(t)
	if err := os.WriteFile(artifactPath, []byte("not gzip"), 0o644); err != nil {
		t.Fatal(err)
	}
	var stdout, stderr bytes.Buffer
	if got := run([]string{artifactPath}, &stdout, &stderr); got != exitIOError {
		t.Errorf("expected exit %d for an unreadable artifact, got %d", exitIOError, got)
	}
}
