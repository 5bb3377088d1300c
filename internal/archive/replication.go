package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ctrlai/ledger/internal/audit"
)

// ReplicationMonitor polls object storage for the replication state of
// archives that have not finished replicating. Failures are advisory: they
// are logged and the archive is retried on the next poll.
type ReplicationMonitor struct {
	store   Store
	objects ObjectStore
	now     func() time.Time

	// OnUpdate, if set, observes every status change.
	OnUpdate func(a audit.ArchiveMetadata)
}

// NewReplicationMonitor creates a monitor.
func NewReplicationMonitor(store Store, objects ObjectStore) *ReplicationMonitor {
	return &ReplicationMonitor{
		store:   store,
		objects: objects,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Poll checks every PENDING or FAILED archive once and returns how many
// changed state. Only listing the archives can fail the poll.
func (m *ReplicationMonitor) Poll(ctx context.Context) (int, error) {
	archives, err := m.store.ListArchives(ctx, audit.ReplicationPending, audit.ReplicationFailed)
	if err != nil {
		return 0, fmt.Errorf("listing archives awaiting replication: %w", err)
	}

	changed := 0
	for _, a := range archives {
		if ctx.Err() != nil {
			break
		}
		info, err := m.objects.StatObject(ctx, a.ObjectKey)
		if err != nil {
			slog.Warn("replication check failed", "archive_id", a.ArchiveID, "key", a.ObjectKey, "error", err)
			continue
		}
		now := m.now()
		if err := m.store.UpdateReplicationStatus(ctx, a.ArchiveID, info.ReplicationStatus, now); err != nil {
			slog.Warn("failed to record replication status", "archive_id", a.ArchiveID, "error", err)
			continue
		}
		if info.ReplicationStatus == a.ReplicationStatus {
			continue
		}
		changed++
		slog.Info("archive replication status changed",
			"archive_id", a.ArchiveID,
			"date", a.ExportDate,
			"from", a.ReplicationStatus,
			"to", info.ReplicationStatus,
		)
		a.ReplicationStatus = info.ReplicationStatus
		a.ReplicationCheckedAt = &now
		if m.OnUpdate != nil {
			m.OnUpdate(a)
		}
	}
	return changed, nil
}
