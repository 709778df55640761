package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob() Job {
	img := "https://cdn.example.com/lamp.png"
	return Job{
		VideoID:     "video_c1_1700000000000",
		ChatID:      "c1",
		UserID:      "u1",
		Prompt:      "spin the lamp",
		ImageURL:    &img,
		CallbackURL: "https://api.example.com/webhooks/worker",
	}
}

func newTestClient(url string) *Client {
	c := New(url, "s3cret")
	c.policy = retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond}
	return c
}

func TestDispatch_SendsPayloadAndSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.Header.Get(SecretHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var got map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "video_c1_1700000000000", got["video_id"])
		assert.Equal(t, "c1", got["chat_id"])
		assert.Equal(t, "https://cdn.example.com/lamp.png", got["image_url"])
		assert.Equal(t, false, got["is_revision"])
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL).Dispatch(context.Background(), testJob()))
}

func TestDispatch_RetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL).Dispatch(context.Background(), testJob()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatch_GivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Dispatch(context.Background(), testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatch_ClientErrorIsFinal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Dispatch(context.Background(), testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatch_DroppedResponseIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = io.Copy(io.Discard, r.Body)
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Dispatch(context.Background(), testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "may have received the job")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatch_RetriesRefusedConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := newTestClient(url).Dispatch(context.Background(), testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}
