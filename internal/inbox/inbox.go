// Package inbox merges offline batch files dropped into a directory.
//
// Devices (or a sync agent acting for them) write batch files into the
// inbox. Files whose names match a configured glob are queued and merged
// one at a time by a single worker, so merges from the inbox never race
// each other. A processed file is moved to processed/, a rejected one to
// failed/ together with a .error note.
//
// Writers should create files under a non-matching name and rename them
// into place once complete.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/ctrlai/ledger/internal/audit"
	"github.com/ctrlai/ledger/internal/reconcile"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
	queueSize    = 256
)

// Merger is the reconciler entry point.
type Merger interface {
	Merge(ctx context.Context, b reconcile.Batch) (audit.MergeRecord, error)
}

// Inbox watches one directory of batch files.
type Inbox struct {
	dir      string
	patterns []glob.Glob
	merger   Merger

	queue   chan string
	mu      sync.Mutex
	pending map[string]bool
}

// New prepares the inbox directory and compiles the file patterns.
func New(dir string, patterns []string, merger Merger) (*Inbox, error) {
	in := &Inbox{
		dir:     filepath.Clean(dir),
		merger:  merger,
		queue:   make(chan string, queueSize),
		pending: make(map[string]bool),
	}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid inbox pattern %q: %w", p, err)
		}
		in.patterns = append(in.patterns, g)
	}
	for _, d := range []string{in.dir, filepath.Join(in.dir, processedDir), filepath.Join(in.dir, failedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("creating inbox directory %s: %w", d, err)
		}
	}
	return in, nil
}

// Dir returns the inbox directory.
func (in *Inbox) Dir() string { return in.dir }

// Matches reports whether a file name is a batch file.
func (in *Inbox) Matches(name string) bool {
	for _, g := range in.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Enqueue queues a file for merging. Files outside the inbox directory,
// names that match no pattern, and files already queued are ignored. A full
// queue drops the file with a warning; it is picked up again by the next
// Scan.
func (in *Inbox) Enqueue(path string) {
	path = filepath.Clean(path)
	if filepath.Dir(path) != in.dir || !in.Matches(filepath.Base(path)) {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.pending[path] {
		return
	}
	select {
	case in.queue <- path:
		in.pending[path] = true
	default:
		slog.Warn("inbox queue full, file will be retried on next scan", "file", path)
	}
}

// Scan queues every batch file already in the inbox.
func (in *Inbox) Scan() error {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("scanning inbox %s: %w", in.dir, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			in.Enqueue(filepath.Join(in.dir, e.Name()))
		}
	}
	return nil
}

// Run scans the inbox and then merges queued files one at a time until ctx
// is cancelled.
func (in *Inbox) Run(ctx context.Context) error {
	if err := in.Scan(); err != nil {
		return err
	}
	slog.Info("inbox worker started", "dir", in.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case path := <-in.queue:
			in.mu.Lock()
			delete(in.pending, path)
			in.mu.Unlock()

			if _, err := in.ProcessFile(ctx, path); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Error("inbox batch rejected", "file", path, "error", err)
			}
		}
	}
}

// ProcessFile merges one batch file and moves it out of the inbox. A file
// that no longer exists returns an error wrapping os.ErrNotExist.
func (in *Inbox) ProcessFile(ctx context.Context, path string) (audit.MergeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return audit.MergeRecord{}, err
	}
	batch, err := Decode(path, f)
	f.Close()
	if err != nil {
		return audit.MergeRecord{}, in.reject(path, err)
	}

	rec, err := in.merger.Merge(ctx, batch)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: leave the file for the next start.
			return rec, err
		}
		return rec, in.reject(path, err)
	}

	if err := in.move(path, processedDir); err != nil {
		return rec, err
	}
	slog.Info("inbox batch merged", "file", filepath.Base(path), "merge_id", rec.MergeID, "status", rec.Status)
	return rec, nil
}

// Decode reads a batch file, choosing the JSON-lines layout for .jsonl and
// .ndjson names and a single JSON document otherwise.
func Decode(name string, r io.Reader) (reconcile.Batch, error) {
	if strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".ndjson") {
		return reconcile.DecodeBatchLines(r)
	}
	return reconcile.DecodeBatch(r)
}

// reject moves path to failed/ with a note and returns cause.
func (in *Inbox) reject(path string, cause error) error {
	if err := in.move(path, failedDir); err != nil {
		return errors.Join(cause, err)
	}
	note := filepath.Join(in.dir, failedDir, filepath.Base(path)+".error")
	if err := os.WriteFile(note, []byte(cause.Error()+"\n"), 0o640); err != nil {
		slog.Warn("failed to write rejection note", "file", note, "error", err)
	}
	return cause
}

func (in *Inbox) move(path, sub string) error {
	dst := filepath.Join(in.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("moving %s to %s: %w", path, sub, err)
	}
	return nil
}
