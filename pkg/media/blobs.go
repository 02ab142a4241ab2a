package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Blobs persists media bytes and returns the mediaRef recorded on the
// submission. Refs are content-addressed as <mediaId>_<epoch>.<ext>.
type Blobs interface {
	Store(ctx context.Context, mediaID string, data []byte, mimeType string) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// LocalBlobs stores blobs under a local directory (MEDIA_DIR).
type LocalBlobs struct {
	dir   string
	clock func() time.Time
}

// NewLocalBlobs creates the directory when missing.
func NewLocalBlobs(dir string) (*LocalBlobs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &LocalBlobs{dir: dir, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (b *LocalBlobs) WithClock(clock func() time.Time) *LocalBlobs {
	b.clock = clock
	return b
}

func (b *LocalBlobs) Store(_ context.Context, mediaID string, data []byte, mimeType string) (string, error) {
	ref := fmtRef(mediaID, b.clock().Unix(), extFor(mimeType))
	path := filepath.Join(b.dir, ref)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", ref, err)
	}
	return ref, nil
}

func (b *LocalBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	return os.ReadFile(filepath.Join(b.dir, filepath.Base(ref)))
}

func (b *LocalBlobs) Delete(_ context.Context, ref string) error {
	return os.Remove(filepath.Join(b.dir, filepath.Base(ref)))
}

// MemoryBlobs is an in-process Blobs used by tests.
type MemoryBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
	clock func() time.Time
}

// NewMemoryBlobs creates an empty in-memory blob store.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte), clock: time.Now}
}

func (b *MemoryBlobs) Store(_ context.Context, mediaID string, data []byte, mimeType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := fmtRef(mediaID, b.clock().Unix(), extFor(mimeType))
	b.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (b *MemoryBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[ref]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBlobs) Delete(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, ref)
	return nil
}
