package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ctrlai/ledger/internal/audit"
)

const sidecarSuffix = ".meta.json"

// Local stores objects as files under a root directory. Each object has a
// JSON sidecar holding its metadata and retention date; an object under
// retention cannot be overwritten. Replication is not available.
type Local struct {
	root string
	now  func() time.Time
}

type sidecar struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata"`
	RetainUntil time.Time         `json:"retain_until"`
}

// NewLocal creates a local store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating object directory %s: %w", dir, err)
	}
	return &Local{root: dir, now: time.Now}, nil
}

// Bucket returns the root directory's name.
func (l *Local) Bucket() string { return filepath.Base(l.root) }

// PutObject writes obj atomically. Overwriting an object whose retention has
// not expired fails with audit.ErrRetentionLocked.
func (l *Local) PutObject(ctx context.Context, obj Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.path(obj.Key)
	if err != nil {
		return err
	}

	if meta, err := l.readSidecar(path); err == nil {
		if l.now().Before(meta.RetainUntil) {
			return fmt.Errorf("object %s retained until %s: %w",
				obj.Key, meta.RetainUntil.Format(time.RFC3339), audit.ErrRetentionLocked)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating object directory: %w", err)
	}
	if err := writeAtomic(path, obj.Body); err != nil {
		return fmt.Errorf("writing object %s: %w", obj.Key, err)
	}
	meta, err := json.MarshalIndent(sidecar{
		ContentType: obj.ContentType,
		Metadata:    obj.Metadata,
		RetainUntil: obj.RetainUntil.UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(path+sidecarSuffix, meta); err != nil {
		return fmt.Errorf("writing object metadata %s: %w", obj.Key, err)
	}
	return nil
}

// StatObject describes a stored object. Replication is always
// NOT_CONFIGURED.
func (l *Local) StatObject(ctx context.Context, key string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	path, err := l.path(key)
	if err != nil {
		return Info{}, err
	}
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, fmt.Errorf("object %s: %w", key, audit.ErrNotFound)
	}
	if err != nil {
		return Info{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	meta, err := l.readSidecar(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Info{}, err
	}
	return Info{
		Key:               key,
		Size:              st.Size(),
		Metadata:          meta.Metadata,
		RetainUntil:       meta.RetainUntil,
		ReplicationStatus: audit.ReplicationNotConfigured,
	}, nil
}

// PresignGet returns a file URL; local objects need no signature.
func (l *Local) PresignGet(ctx context.Context, key string, _ time.Duration) (string, error) {
	path, err := l.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("object %s: %w", key, audit.ErrNotFound)
		}
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// path maps a key to a file under root, refusing keys that escape it.
func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *Local) readSidecar(path string) (sidecar, error) {
	var meta sidecar
	data, err := os.ReadFile(path + sidecarSuffix)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parsing object metadata %s: %w", path, err)
	}
	return meta, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
