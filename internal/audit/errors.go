package audit

import "errors"

// Sentinel errors shared by the store, reconciler, and exporter. Callers
// match them with errors.Is; implementations wrap them with context.
var (
	ErrNotFound          = errors.New("not found")
	ErrOutOfOrder        = errors.New("timestamp precedes chain tail")
	ErrWindowOpen        = errors.New("export window not closed")
	ErrDeviceQuarantined = errors.New("device quarantined")
	ErrRetentionLocked   = errors.New("object under retention lock")
	ErrInvalidEvent      = errors.New("invalid event")
)
