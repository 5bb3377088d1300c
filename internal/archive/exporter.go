// Package archive exports closed day windows of the audit chain to object
// storage as independently verifiable artifacts, and tracks their
// replication state.
//
// An artifact is gzip-compressed NDJSON, one full event record per line, in
// canonical order. It is uploaded under a retention lock together with a
// manifest.json and a VERIFY.md describing how to check it with nothing but
// the downloaded files.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlai/ledger/internal/audit"
	"github.com/ctrlai/ledger/internal/objectstore"
)

const dateLayout = "2006-01-02"

// ObjectStore is where artifacts are written.
type ObjectStore interface {
	Bucket() string
	PutObject(ctx context.Context, obj objectstore.Object) error
	StatObject(ctx context.Context, key string) (objectstore.Info, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Store is the subset of the event store the exporter needs.
type Store interface {
	audit.ChainReader
	FirstEventTime(ctx context.Context) (time.Time, error)
	MarkArchived(ctx context.Context, r audit.Range) (int64, error)
	SaveArchive(ctx context.Context, a audit.ArchiveMetadata) error
	ArchiveByDate(ctx context.Context, date string) (audit.ArchiveMetadata, error)
	ListArchives(ctx context.Context, statuses ...audit.ReplicationStatus) ([]audit.ArchiveMetadata, error)
	UpdateReplicationStatus(ctx context.Context, archiveID string, status audit.ReplicationStatus, checkedAt time.Time) error
}

// Options tune the exporter.
type Options struct {
	// Prefix is prepended to every object key.
	Prefix string

	// RetentionGrace is added to the window end to get the lock expiry.
	RetentionGrace time.Duration

	// CleanupRetention is how long exported events stay unflagged. Zero
	// disables archival flagging.
	CleanupRetention time.Duration

	// LookbackDays bounds how far back ExportPending looks for unexported
	// days.
	LookbackDays int
}

// Exporter writes day windows to object storage.
type Exporter struct {
	store   Store
	objects ObjectStore
	opts    Options
	now     func() time.Time

	// OnExport, if set, observes every archive written.
	OnExport func(a audit.ArchiveMetadata)
}

// NewExporter creates an exporter.
func NewExporter(store Store, objects ObjectStore, opts Options) *Exporter {
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 7
	}
	return &Exporter{
		store:   store,
		objects: objects,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DayWindow returns the UTC day containing t as a half-open range.
func DayWindow(t time.Time) audit.Range {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return audit.Range{From: start, To: start.AddDate(0, 0, 1)}
}

// ExportDay exports the UTC day containing date. The day must be over.
//
// If an archive for the day already exists it is returned unchanged. A day
// with no events yields metadata with EventCount 0 and writes nothing.
func (x *Exporter) ExportDay(ctx context.Context, date time.Time) (audit.ArchiveMetadata, error) {
	window := DayWindow(date)
	day := window.From.Format(dateLayout)

	if x.now().Before(window.To) {
		return audit.ArchiveMetadata{}, fmt.Errorf("export %s: %w", day, audit.ErrWindowOpen)
	}

	existing, err := x.store.ArchiveByDate(ctx, day)
	if err == nil {
		slog.Debug("archive already exists, skipping export", "date", day, "archive_id", existing.ArchiveID)
		return existing, nil
	}
	if !errors.Is(err, audit.ErrNotFound) {
		return audit.ArchiveMetadata{}, err
	}

	events, err := x.store.RangeQuery(ctx, window)
	if err != nil {
		return audit.ArchiveMetadata{}, fmt.Errorf("loading events for %s: %w", day, err)
	}
	if len(events) == 0 {
		slog.Info("no events to export", "date", day)
		return audit.ArchiveMetadata{ExportDate: day}, nil
	}

	art, err := encodeArtifact(events)
	if err != nil {
		return audit.ArchiveMetadata{}, fmt.Errorf("export %s: %w", day, err)
	}

	prefix := x.opts.Prefix + window.From.Format("2006/01/02") + "/"
	meta := audit.ArchiveMetadata{
		ArchiveID:         uuid.NewString(),
		ExportDate:        day,
		Bucket:            x.objects.Bucket(),
		ObjectKey:         prefix + "events-" + day + ".ndjson.gz",
		MetadataKey:       prefix + "manifest.json",
		VerifierKey:       prefix + "VERIFY.md",
		EventCount:        len(events),
		UncompressedBytes: art.uncompressed,
		SizeBytes:         int64(len(art.body)),
		SHA256:            art.sha256,
		ChainStart:        events[0].CurrentHash,
		ChainEnd:          events[len(events)-1].CurrentHash,
		ChainLink:         events[0].PreviousHash,
		RetentionUntil:    window.To.Add(x.opts.RetentionGrace),
		ReplicationStatus: audit.ReplicationPending,
		CreatedAt:         x.now(),
	}
	if meta.SizeBytes > 0 {
		meta.CompressionRatio = float64(meta.UncompressedBytes) / float64(meta.SizeBytes)
	}

	manifest := newManifest(meta, window)
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return audit.ArchiveMetadata{}, err
	}

	headers := map[string]string{
		HeaderExportDate: day,
		HeaderEventCount: strconv.Itoa(meta.EventCount),
		HeaderChainStart: meta.ChainStart,
		HeaderChainEnd:   meta.ChainEnd,
		HeaderChainLink:  meta.ChainLink,
		HeaderSHA256:     meta.SHA256,
	}
	uploads := []objectstore.Object{
		{Key: meta.ObjectKey, Body: art.body, ContentType: "application/gzip", Metadata: headers, RetainUntil: meta.RetentionUntil},
		{Key: meta.MetadataKey, Body: manifestJSON, ContentType: "application/json", Metadata: headers, RetainUntil: meta.RetentionUntil},
		{Key: meta.VerifierKey, Body: []byte(verifyDoc(manifest)), ContentType: "text/markdown", Metadata: headers, RetainUntil: meta.RetentionUntil},
	}
	for _, obj := range uploads {
		if x.uploaded(ctx, obj.Key, meta.SHA256) {
			slog.Debug("object already uploaded by an earlier attempt", "date", day, "key", obj.Key)
			continue
		}
		if err := x.objects.PutObject(ctx, obj); err != nil {
			return audit.ArchiveMetadata{}, fmt.Errorf("export %s: %w", day, err)
		}
	}

	if err := x.store.SaveArchive(ctx, meta); err != nil {
		return audit.ArchiveMetadata{}, fmt.Errorf("recording archive %s: %w", day, err)
	}

	slog.Info("archive exported",
		"date", day,
		"archive_id", meta.ArchiveID,
		"key", meta.ObjectKey,
		"events", meta.EventCount,
		"bytes", meta.SizeBytes,
		"ratio", fmt.Sprintf("%.2f", meta.CompressionRatio),
	)

	if err := x.flagArchived(ctx, window); err != nil {
		slog.Warn("failed to flag exported events as archived", "date", day, "error", err)
	}
	if x.OnExport != nil {
		x.OnExport(meta)
	}
	return meta, nil
}

// ExportPending exports every closed, unexported day from the look-back
// horizon (or the first event, whichever is later) up to yesterday, then
// flags exported events that have aged past the cleanup retention. A failed
// day does not stop later days; all failures are returned joined.
func (x *Exporter) ExportPending(ctx context.Context) ([]audit.ArchiveMetadata, error) {
	first, err := x.store.FirstEventTime(ctx)
	if errors.Is(err, audit.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	today := DayWindow(x.now()).From
	day := today.AddDate(0, 0, -x.opts.LookbackDays)
	if start := DayWindow(first).From; start.After(day) {
		day = start
	}

	var (
		exported []audit.ArchiveMetadata
		errs     []error
	)
	for ; day.Before(today); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		meta, err := x.ExportDay(ctx, day)
		if err != nil {
			slog.Error("archive export failed", "date", day.Format(dateLayout), "error", err)
			errs = append(errs, err)
			continue
		}
		if meta.EventCount > 0 {
			exported = append(exported, meta)
		}
	}

	if err := x.sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	return exported, errors.Join(errs...)
}

// uploaded reports whether key already holds an object written for the
// artifact with the given checksum. A retried export skips such objects
// instead of overwriting them under their retention lock.
func (x *Exporter) uploaded(ctx context.Context, key, sha string) bool {
	info, err := x.objects.StatObject(ctx, key)
	if err != nil {
		return false
	}
	return info.Metadata[HeaderSHA256] == sha
}

// PresignedURL returns a time-limited download URL for the artifact of the
// given day (YYYY-MM-DD).
func (x *Exporter) PresignedURL(ctx context.Context, date string, ttl time.Duration) (string, error) {
	meta, err := x.store.ArchiveByDate(ctx, date)
	if err != nil {
		return "", err
	}
	return x.objects.PresignGet(ctx, meta.ObjectKey, ttl)
}

// flagArchived marks the part of an exported window older than the cleanup
// retention. Rows are never removed.
func (x *Exporter) flagArchived(ctx context.Context, window audit.Range) error {
	if x.opts.CleanupRetention <= 0 {
		return nil
	}
	cutoff := x.now().Add(-x.opts.CleanupRetention)
	if !cutoff.After(window.From) {
		return nil
	}
	if cutoff.Before(window.To) {
		window.To = cutoff
	}
	n, err := x.store.MarkArchived(ctx, window)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("events flagged as archived",
			"from", window.From.Format(time.RFC3339),
			"to", window.To.Format(time.RFC3339),
			"count", n,
		)
	}
	return nil
}

// sweep flags every exported window that has since aged past the cleanup
// retention.
func (x *Exporter) sweep(ctx context.Context) error {
	if x.opts.CleanupRetention <= 0 {
		return nil
	}
	archives, err := x.store.ListArchives(ctx)
	if err != nil {
		return err
	}
	for _, a := range archives {
		day, err := time.Parse(dateLayout, a.ExportDate)
		if err != nil {
			slog.Warn("archive row has an unreadable date", "archive_id", a.ArchiveID, "date", a.ExportDate)
			continue
		}
		if err := x.flagArchived(ctx, DayWindow(day)); err != nil {
			return err
		}
	}
	return nil
}

func newManifest(meta audit.ArchiveMetadata, window audit.Range) Manifest {
	return Manifest{
		FormatVersion:     artifactFormatVersion,
		HashFormatVersion: audit.HashFormatVersion,
		HashFields:        audit.HashFields,
		ExportDate:        meta.ExportDate,
		WindowStart:       window.From.Format(time.RFC3339),
		WindowEnd:         window.To.Format(time.RFC3339),
		ArtifactKey:       meta.ObjectKey,
		EventCount:        meta.EventCount,
		UncompressedBytes: meta.UncompressedBytes,
		SizeBytes:         meta.SizeBytes,
		SHA256:            meta.SHA256,
		ChainStart:        meta.ChainStart,
		ChainEnd:          meta.ChainEnd,
		ChainLink:         meta.ChainLink,
		RetentionUntil:    meta.RetentionUntil.Format(time.RFC3339),
		Verifier:          meta.VerifierKey,
	}
}
