package objectstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"escrow-engine/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeBucket(t *testing.T) *httptest.Server {
	t.Helper()
	objects := map[string]string{
		"/evidence/disputes/d-1/photo.jpg": "jpeg-bytes",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Path {
		case "/evidence/broken":
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, ok := objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPStore_Stat(t *testing.T) {
	srv := newFakeBucket(t)
	store := New(srv.URL+"/evidence/", time.Second)

	info, err := store.Stat(context.Background(), "disputes/d-1/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "disputes/d-1/photo.jpg", info.Key)
	assert.Equal(t, "image/jpeg", info.ContentType)
	assert.Equal(t, int64(len("jpeg-bytes")), info.SizeBytes)
}

func TestHTTPStore_StatNotFound(t *testing.T) {
	srv := newFakeBucket(t)
	store := New(srv.URL+"/evidence", time.Second)

	_, err := store.Stat(context.Background(), "disputes/d-1/missing.pdf")
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
}

func TestHTTPStore_StatServerError(t *testing.T) {
	srv := newFakeBucket(t)
	store := New(srv.URL+"/evidence", time.Second)

	_, err := store.Stat(context.Background(), "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrObjectNotFound)
	assert.Contains(t, err.Error(), "500")
}

func TestHTTPStore_StatUnreachable(t *testing.T) {
	srv := newFakeBucket(t)
	url := srv.URL
	srv.Close()

	_, err := New(url, 200*time.Millisecond).Stat(context.Background(), "x")
	require.Error(t, err)
}

func TestEscapeKey(t *testing.T) {
	assert.Equal(t, "a/b%20c/d.pdf", escapeKey("/a/b c/d.pdf"))
}
