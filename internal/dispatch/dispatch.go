// Package dispatch posts production jobs to the external generation worker.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/retry"
	"github.com/rs/zerolog/log"
)

const (
	attemptTimeout = 15 * time.Second

	SecretHeader = "X-Webhook-Secret"
)

// Job is the outbound worker payload.
type Job struct {
	VideoID     string  `json:"video_id"`
	ChatID      string  `json:"chat_id"`
	UserID      string  `json:"user_id"`
	Prompt      string  `json:"prompt"`
	ImageURL    *string `json:"image_url"`
	IsRevision  bool    `json:"is_revision"`
	CallbackURL string  `json:"callback_url"`
}

// Client sends jobs to the worker webhook, retrying transient failures.
type Client struct {
	url    string
	secret string
	policy retry.Policy
	client *http.Client
}

func New(url, secret string) *Client {
	return &Client{
		url:    url,
		secret: secret,
		policy: retry.Policy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second},
		client: &http.Client{Timeout: attemptTimeout},
	}
}

// Dispatch delivers job. Any error means the caller must compensate, even
// though the worker may still have the job: a transport error after the request
// was written is not retried, since the worker may already be running it.
func (c *Client) Dispatch(ctx context.Context, job Job) error {
	start := time.Now()
	err := c.dispatch(ctx, job)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.DispatchDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return err
}

func (c *Client) dispatch(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.policy.Delay(attempt)
			log.Info().
				Str("video_id", job.VideoID).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying worker dispatch")

			select {
			case <-ctx.Done():
				return fmt.Errorf("dispatch cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		retryable, err := c.post(ctx, payload)
		if err == nil {
			if attempt > 0 {
				log.Info().Str("video_id", job.VideoID).Int("attempt", attempt+1).Msg("Worker dispatch succeeded after retry")
			}
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		log.Warn().Err(err).Str("video_id", job.VideoID).Int("attempt", attempt+1).Msg("Worker dispatch failed (retryable)")
	}

	return fmt.Errorf("dispatch failed after %d attempts: %w", c.policy.MaxRetries+1, lastErr)
}

func (c *Client) post(ctx context.Context, payload []byte) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(SecretHeader, c.secret)
	}

	var written atomic.Bool
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				written.Store(true)
			}
		},
	}))

	resp, err := c.client.Do(req)
	if err != nil {
		if written.Load() {
			return false, fmt.Errorf("worker may have received the job: %w", err)
		}
		return retry.IsRetryableError(err), fmt.Errorf("failed to reach worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return retry.IsRetryableStatus(resp.StatusCode),
		fmt.Errorf("worker returned status %d: %s", resp.StatusCode, retry.Truncate(string(body), 200))
}
