package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// PlatformResolver resolves media descriptors against the chat-platform
// media API and downloads blob bytes from the signed URL it returns.
type PlatformResolver struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewPlatformResolver creates a resolver for the given media API base URL.
func NewPlatformResolver(baseURL, apiKey string) *PlatformResolver {
	return &PlatformResolver{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: DownloadTimeout},
	}
}

func (r *PlatformResolver) Resolve(ctx context.Context, mediaID string) (*Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", r.baseURL, mediaID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve media %s: %w", mediaID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve media %s: status %d", mediaID, resp.StatusCode)
	}

	var desc Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("decode media descriptor: %w", err)
	}
	if desc.MediaID == "" {
		desc.MediaID = mediaID
	}
	return &desc, nil
}

func (r *PlatformResolver) Download(ctx context.Context, d *Descriptor) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media %s: %w", d.MediaID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download media %s: status %d", d.MediaID, resp.StatusCode)
	}
	// +1 so an oversized body is detectable by the caller.
	return io.ReadAll(io.LimitReader(resp.Body, MaxBlobSize+1))
}
