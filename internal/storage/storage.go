package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/adreel/internal/retry"
	"github.com/rs/zerolog/log"
)

const (
	requestTimeout = 30 * time.Second

	// Signed image URLs must outlive the longest render the worker may take.
	DefaultSignedURLTTL = 2 * time.Hour
)

// Storage resolves uploaded product images held in Supabase Storage.
type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	signTTL    time.Duration
	policy     retry.Policy
	client     *http.Client
}

func New(url, serviceKey, bucket string) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		signTTL:    DefaultSignedURLTTL,
		policy:     retry.Default,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ResolveImageURL turns an image reference into a URL the worker can fetch.
// Absolute http(s) URLs pass through; anything else is an object path in the
// bucket and gets a signed URL.
func (s *Storage) ResolveImageURL(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty image reference")
	}
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		return ref, nil
	}

	path := strings.TrimPrefix(ref, "/")
	path = strings.TrimPrefix(path, s.Bucket+"/")
	return s.GetSignedURL(ctx, path, int(s.signTTL.Seconds()))
}

// GetSignedURL creates a signed URL for temporary access, retrying transient failures.
func (s *Storage) GetSignedURL(ctx context.Context, path string, expiresIn int) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.Bucket, path)
	payload, _ := json.Marshal(map[string]int{"expiresIn": expiresIn})

	var lastErr error
	for attempt := 0; attempt <= s.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.policy.Delay(attempt)
			log.Debug().Str("path", path).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying signed URL request")

			select {
			case <-ctx.Done():
				return "", fmt.Errorf("signed URL cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		signed, retryable, err := s.sign(ctx, url, payload)
		if err == nil {
			return signed, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
		log.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("Signed URL attempt failed (retryable)")
	}

	return "", fmt.Errorf("signed URL failed after %d attempts: %w", s.policy.MaxRetries+1, lastErr)
}

func (s *Storage) sign(ctx context.Context, url string, payload []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", retry.IsRetryableError(err), fmt.Errorf("failed to get signed URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", retry.IsRetryableStatus(resp.StatusCode),
			fmt.Errorf("sign failed with status %d: %s", resp.StatusCode, retry.Truncate(string(body), 200))
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, fmt.Errorf("failed to parse signed URL response: %w", err)
	}
	if result.SignedURL == "" {
		return "", false, fmt.Errorf("signed URL response was empty")
	}

	signed := result.SignedURL
	if !strings.HasPrefix(signed, "/storage/v1") {
		signed = "/storage/v1" + signed
	}
	return s.url + signed, false, nil
}
