// Package objectstore holds the object storage backends archives are
// written to: S3 (or any S3-compatible service with object lock) and a local
// directory for single-host deployments and tests.
package objectstore

import (
	"time"

	"github.com/ctrlai/ledger/internal/audit"
)

// Object is one upload.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string

	// RetainUntil, when set, write-locks the object until that time.
	RetainUntil time.Time
}

// Info describes a stored object.
type Info struct {
	Key               string
	Size              int64
	Metadata          map[string]string
	RetainUntil       time.Time
	ReplicationStatus audit.ReplicationStatus
}
