package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveImageURL_PassesAbsoluteURLs(t *testing.T) {
	s := New("http://unused.invalid", "key", "product-images")

	got, err := s.ResolveImageURL(context.Background(), "https://cdn.example.com/lamp.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/lamp.png", got)

	_, err = s.ResolveImageURL(context.Background(), "  ")
	assert.Error(t, err)
}

func TestResolveImageURL_SignsBucketPaths(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/storage/v1/object/sign/product-images/user-1/lamp.png", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int(DefaultSignedURLTTL.Seconds()), body["expiresIn"])

		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"signedURL":"/object/sign/product-images/user-1/lamp.png?token=abc"}`))
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "product-images")
	s.policy = retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond}

	got, err := s.ResolveImageURL(context.Background(), "product-images/user-1/lamp.png")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/storage/v1/object/sign/product-images/user-1/lamp.png?token=abc", got)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestResolveImageURL_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "product-images")
	s.policy = retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond}

	_, err := s.ResolveImageURL(context.Background(), "missing.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
