package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
)

// HTTPStore resolves evidence keys against an S3-compatible HTTP endpoint
// (path-style bucket URL) using HEAD requests.
type HTTPStore struct {
	BaseURL string
	HTTP    *http.Client
}

var _ ports.ObjectStore = (*HTTPStore)(nil)

// New creates an HTTPStore for baseURL, e.g. http://minio:9000/evidence.
func New(baseURL string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Stat returns the object's metadata or domain.ErrObjectNotFound.
func (s *HTTPStore) Stat(ctx context.Context, key string) (*ports.ObjectInfo, error) {
	target := s.BaseURL + "/" + escapeKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build stat request: %w", err)
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrObjectNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("stat %s: object store returned %d", key, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return nil, fmt.Errorf("stat %s: object store omitted content length", key)
	}
	return &ports.ObjectInfo{
		Key:         key,
		ContentType: resp.Header.Get("Content-Type"),
		SizeBytes:   resp.ContentLength,
	}, nil
}

func escapeKey(key string) string {
	segments := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
