// Package media fetches, verifies, scans, and persists external media blobs
// referenced by chat-platform messages. Submissions hold only the mediaRef
// this package returns; blob lifecycle belongs here.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// MaxBlobSize bounds accepted media downloads.
const MaxBlobSize = 50 << 20 // 50 MiB

// DownloadTimeout is the per-fetch deadline.
const DownloadTimeout = 30 * time.Second

// Descriptor is the authenticated media descriptor resolved from the chat
// platform.
type Descriptor struct {
	MediaID  string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"file_size"`
	SHA256   string `json:"sha256"`
	FileName string `json:"file_name,omitempty"`
}

// Resolver resolves an opaque media id into a download descriptor.
type Resolver interface {
	Resolve(ctx context.Context, mediaID string) (*Descriptor, error)
}

// Downloader fetches the blob bytes for a descriptor.
type Downloader interface {
	Download(ctx context.Context, d *Descriptor) ([]byte, error)
}

// Store verifies and persists media blobs.
type Store struct {
	resolver   Resolver
	downloader Downloader
	blobs      Blobs
	index      *Index
	alerts     *audit.AlertStore
	logger     *slog.Logger
	clock      func() time.Time
}

// NewStore wires a media store. index and alerts may be nil.
func NewStore(resolver Resolver, downloader Downloader, blobs Blobs, index *Index, alerts *audit.AlertStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		resolver:   resolver,
		downloader: downloader,
		blobs:      blobs,
		index:      index,
		alerts:     alerts,
		logger:     logger,
		clock:      time.Now,
	}
}

// Fetch resolves, validates, downloads, scans, and persists the media blob,
// returning the stored mediaRef. Classification of failures:
//   - KindBadRequest: invalid format (mime/magic/filename)
//   - KindIntegrity: declared sha256 does not match the bytes
//   - KindSuspicious: embedded script content
//   - KindTransient: resolution or download failed
func (s *Store) Fetch(ctx context.Context, mediaID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	desc, err := s.resolver.Resolve(ctx, mediaID)
	if err != nil {
		return "", contracts.Wrap(contracts.KindTransient, "resolve media descriptor", err)
	}

	if desc.Size > MaxBlobSize {
		return "", contracts.Ef(contracts.KindBadRequest, "media %s exceeds size limit (%d bytes)", mediaID, desc.Size)
	}
	if !allowedMime(desc.MimeType) {
		return "", contracts.Ef(contracts.KindBadRequest, "media %s has disallowed mime type %s", mediaID, desc.MimeType)
	}
	if desc.FileName != "" {
		if err := checkFileName(desc.FileName); err != nil {
			s.raiseAlert(contracts.SeverityHigh, mediaID, err.Error())
			return "", err
		}
	}

	data, err := s.downloader.Download(ctx, desc)
	if err != nil {
		return "", contracts.Wrap(contracts.KindTransient, "download media", err)
	}
	if int64(len(data)) > MaxBlobSize {
		return "", contracts.Ef(contracts.KindBadRequest, "media %s body exceeds size limit", mediaID)
	}

	if desc.SHA256 != "" {
		sum := sha256.Sum256(data)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), desc.SHA256) {
			s.raiseAlert(contracts.SeverityHigh, mediaID, "sha256 mismatch on downloaded media")
			return "", contracts.Ef(contracts.KindIntegrity, "media %s sha256 mismatch", mediaID)
		}
	}

	if err := checkMagicNumber(desc.MimeType, data); err != nil {
		return "", err
	}
	if err := scanEmbeddedScripts(desc.MimeType, data); err != nil {
		s.raiseAlert(contracts.SeverityHigh, mediaID, err.Error())
		return "", err
	}

	ref, err := s.blobs.Store(ctx, mediaID, data, desc.MimeType)
	if err != nil {
		return "", contracts.Wrap(contracts.KindTransient, "persist media blob", err)
	}

	if s.index != nil {
		entry := IndexEntry{
			MediaID:  mediaID,
			Ref:      ref,
			MimeType: desc.MimeType,
			Size:     int64(len(data)),
			SHA256:   desc.SHA256,
			StoredAt: s.clock().UTC(),
		}
		if err := s.index.Record(ctx, entry); err != nil {
			s.logger.Warn("media index record failed", "media_id", mediaID, "error", err)
		}
	}

	return ref, nil
}

func (s *Store) raiseAlert(severity contracts.Severity, mediaID, reason string) {
	if s.alerts == nil {
		return
	}
	s.alerts.Raise(severity, "media", reason, map[string]any{"media_id": mediaID})
	s.logger.Warn("security alert raised", "media_id", mediaID, "reason", reason)
}

func fmtRef(mediaID string, epoch int64, ext string) string {
	return fmt.Sprintf("%s_%d%s", mediaID, epoch, ext)
}
