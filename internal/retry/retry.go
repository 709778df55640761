// Package retry holds the backoff and classification helpers shared by the
// outbound HTTP clients (worker dispatch, object storage).
package retry

import (
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// Policy bounds how often and how long a client retries.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Default matches the storage client's original tuning.
var Default = Policy{MaxRetries: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

// Delay calculates exponential backoff with jitter: base * 2^(attempt-1) plus 0–25%.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	// Jitter avoids a thundering herd when the worker comes back
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// IsRetryableError checks if a network-level error is worth retrying
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// IsRetryableStatus checks if an HTTP status code is worth retrying
func IsRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Truncate limits a string to maxLen bytes for log output
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
