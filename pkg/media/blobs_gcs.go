package media

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

// GCSBlobs stores blobs in a Google Cloud Storage bucket (MEDIA_BACKEND=gcs).
type GCSBlobs struct {
	client *storage.Client
	bucket string
	clock  func() time.Time
}

// NewGCSBlobs uses application default credentials.
func NewGCSBlobs(ctx context.Context, bucket string) (*GCSBlobs, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSBlobs{client: client, bucket: bucket, clock: time.Now}, nil
}

func (b *GCSBlobs) Store(ctx context.Context, mediaID string, data []byte, mimeType string) (string, error) {
	ref := fmtRef(mediaID, b.clock().Unix(), extFor(mimeType))
	w := b.client.Bucket(b.bucket).Object(ref).NewWriter(ctx)
	w.ContentType = mimeType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", ref, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close %s: %w", ref, err)
	}
	return ref, nil
}

func (b *GCSBlobs) Get(ctx context.Context, ref string) ([]byte, error) {
	r, err := b.client.Bucket(b.bucket).Object(ref).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (b *GCSBlobs) Delete(ctx context.Context, ref string) error {
	if err := b.client.Bucket(b.bucket).Object(ref).Delete(ctx); err != nil {
		return fmt.Errorf("gcs delete %s: %w", ref, err)
	}
	return nil
}
