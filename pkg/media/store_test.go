package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

var jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("sample jpeg body")...)

type stubResolver struct {
	desc *Descriptor
	err  error
}

func (r *stubResolver) Resolve(context.Context, string) (*Descriptor, error) {
	return r.desc, r.err
}

type stubDownloader struct {
	data []byte
	err  error
}

func (d *stubDownloader) Download(context.Context, *Descriptor) ([]byte, error) {
	return d.data, d.err
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func jpegDescriptor() *Descriptor {
	return &Descriptor{
		MediaID:  "media-1",
		URL:      "https://media.example/media-1",
		MimeType: "image/jpeg",
		Size:     int64(len(jpegBytes)),
		SHA256:   sha256Hex(jpegBytes),
	}
}

func newTestStore(resolver Resolver, downloader Downloader, alerts *audit.AlertStore) *Store {
	return NewStore(resolver, downloader, NewMemoryBlobs(), nil, alerts, slog.Default())
}

func TestFetchStoresVerifiedBlob(t *testing.T) {
	store := newTestStore(&stubResolver{desc: jpegDescriptor()}, &stubDownloader{data: jpegBytes}, nil)

	ref, err := store.Fetch(context.Background(), "media-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "media-1_"))
	assert.True(t, strings.HasSuffix(ref, ".jpg"))
}

func TestFetchResolveFailureIsTransient(t *testing.T) {
	store := newTestStore(&stubResolver{err: errors.New("platform 502")}, &stubDownloader{}, nil)

	_, err := store.Fetch(context.Background(), "media-1")
	assert.True(t, contracts.IsKind(err, contracts.KindTransient))
}

func TestFetchDownloadFailureIsTransient(t *testing.T) {
	store := newTestStore(&stubResolver{desc: jpegDescriptor()}, &stubDownloader{err: errors.New("timeout")}, nil)

	_, err := store.Fetch(context.Background(), "media-1")
	assert.True(t, contracts.IsKind(err, contracts.KindTransient))
}

func TestFetchRejectsOversizedDeclaration(t *testing.T) {
	desc := jpegDescriptor()
	desc.Size = MaxBlobSize + 1
	store := newTestStore(&stubResolver{desc: desc}, &stubDownloader{data: jpegBytes}, nil)

	_, err := store.Fetch(context.Background(), "media-1")
	assert.True(t, contracts.IsKind(err, contracts.KindBadRequest))
}

func TestFetchRejectsDisallowedMime(t *testing.T) {
	desc := jpegDescriptor()
	desc.MimeType = "application/x-msdownload"
	store := newTestStore(&stubResolver{desc: desc}, &stubDownloader{data: jpegBytes}, nil)

	_, err := store.Fetch(context.Background(), "media-1")
	assert.True(t, contracts.IsKind(err, contracts.KindBadRequest))
}

func TestFetchIntegrityMismatchRaisesAlert(t *testing.T) {
	desc := jpegDescriptor()
	desc.SHA256 = sha256Hex([]byte("some other bytes"))
	alerts := audit.NewAlertStore()
	store := newTestStore(&stubResolver{desc: desc}, &stubDownloader{data: jpegBytes}, alerts)

	_, err := store.Fetch(context.Background(), "media-1")
	assert.True(t, contracts.IsKind(err, contracts.KindIntegrity))

	open := alerts.List(true)
	require.Len(t, open, 1)
	assert.Equal(t, "media", open[0].Source)
}

func TestFetchMagicNumberMismatch(t *testing.T) {
	desc := jpegDescriptor()
	body := []byte("plain text pretending to be a jpeg")
	desc.SHA256 = sha256Hex(body)
	store := newTestStore(&stubResolver{desc: desc}, &stubDownloader{data: body}, nil)

	_, err := store.Fetch(context.Background(), "media-1")
	assert.True(t, contracts.IsKind(err, contracts.KindBadRequest))
}

func TestFetchSuspiciousFileName(t *testing.T) {
	alerts := audit.NewAlertStore()
	for _, name := range []string{"invoice.pdf.exe", "..\\escape.pdf", "a/b.pdf", "double.tar.gz"} {
		desc := jpegDescriptor()
		desc.FileName = name
		store := newTestStore(&stubResolver{desc: desc}, &stubDownloader{data: jpegBytes}, alerts)

		_, err := store.Fetch(context.Background(), "media-1")
		assert.True(t, contracts.IsKind(err, contracts.KindSuspicious), "name %q", name)
	}
	assert.NotEmpty(t, alerts.List(true))
}

func TestFetchPDFWithJavaScriptRejected(t *testing.T) {
	body := []byte("%PDF-1.7 /OpenAction << /S /JavaScript /JS (app.alert(1)) >>")
	desc := &Descriptor{
		MediaID:  "media-2",
		MimeType: "application/pdf",
		Size:     int64(len(body)),
		SHA256:   sha256Hex(body),
	}
	alerts := audit.NewAlertStore()
	store := newTestStore(&stubResolver{desc: desc}, &stubDownloader{data: body}, alerts)

	_, err := store.Fetch(context.Background(), "media-2")
	assert.True(t, contracts.IsKind(err, contracts.KindSuspicious))
	assert.Len(t, alerts.List(true), 1)
}

func TestFetchRecordsIndexEntry(t *testing.T) {
	index, err := OpenIndex(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	store := NewStore(&stubResolver{desc: jpegDescriptor()}, &stubDownloader{data: jpegBytes},
		NewMemoryBlobs(), index, nil, slog.Default())

	ref, err := store.Fetch(context.Background(), "media-1")
	require.NoError(t, err)

	entry, err := index.Lookup(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "media-1", entry.MediaID)
	assert.Equal(t, "image/jpeg", entry.MimeType)
	assert.Equal(t, int64(len(jpegBytes)), entry.Size)

	missing, err := index.Lookup(context.Background(), "ghost-ref")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLocalBlobsRoundTrip(t *testing.T) {
	blobs, err := NewLocalBlobs(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := blobs.Store(ctx, "media-1", jpegBytes, "image/jpeg")
	require.NoError(t, err)

	data, err := blobs.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, jpegBytes, data)

	require.NoError(t, blobs.Delete(ctx, ref))
	_, err = blobs.Get(ctx, ref)
	assert.Error(t, err)
}

func TestCheckFileNameAcceptsOrdinaryNames(t *testing.T) {
	for _, name := range []string{"invoice.pdf", "photo.jpg", "pricelist"} {
		assert.NoError(t, checkFileName(name), "name %q", name)
	}
}

func TestNormalizeMimeStripsParameters(t *testing.T) {
	assert.True(t, allowedMime("Image/JPEG; charset=binary"))
	assert.Equal(t, ".ogg", extFor("audio/ogg; codecs=opus"))
	assert.False(t, allowedMime("text/html"))
}
