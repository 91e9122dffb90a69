package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"physics-pipeline/internal/shared/metrics"
	"physics-pipeline/internal/shared/telemetry"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second

	// MaxRetriesMarker prefixes the in-band result of a call that exhausted its attempts.
	MaxRetriesMarker = "ERROR: Max retries reached - "
	// UnrecoverableMarker prefixes the error recorded for a worker that failed
	// outside the retry policy.
	UnrecoverableMarker = "ERROR: Unrecoverable failure in processing pipeline: "
)

// ExhaustedError reports that every attempt of a call failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("llm call failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Retrier issues sequential attempts against Client with linear backoff:
// the wait after attempt n is BaseDelay × n.
type Retrier struct {
	Client      Client
	MaxAttempts int
	BaseDelay   time.Duration
	// Sleep waits for d or until ctx is done. Defaults to a timer-based sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier returns a Retrier with the given limits; non-positive values use defaults.
func NewRetrier(client Client, maxAttempts int, baseDelay time.Duration) *Retrier {
	return &Retrier{
		Client:      client,
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
	}
}

// Complete returns the first successful response. When all attempts fail it
// returns an *ExhaustedError wrapping the last failure.
func (r *Retrier) Complete(ctx context.Context, req Request) (string, error) {
	if r == nil || r.Client == nil {
		return "", errors.New("llm client not configured")
	}
	attempts := r.maxAttempts()
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		metrics.IncLLMAttempts()
		resp, err := r.Client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		last = err
		if attempt == attempts {
			break
		}

		delay := r.Delay(attempt)
		metrics.IncLLMRetries()
		telemetry.Warn("llm.retry", map[string]any{
			"model":     req.Model,
			"attempt":   attempt,
			"max":       attempts,
			"delay_ms":  delay.Milliseconds(),
			"transient": IsTransient(err),
			"error":     sanitizeError(err),
		})
		if err := r.sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	metrics.IncLLMExhausted()
	telemetry.Error("llm.exhausted", map[string]any{
		"model":    req.Model,
		"attempts": attempts,
		"error":    sanitizeError(last),
	})
	return "", &ExhaustedError{Attempts: attempts, Last: last}
}

// CompleteOrMarker is Complete with exhaustion downgraded to the in-band
// "ERROR: Max retries reached - <err>" string, so batches keep going.
func (r *Retrier) CompleteOrMarker(ctx context.Context, req Request) string {
	resp, err := r.Complete(ctx, req)
	if err == nil {
		return resp
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return MaxRetriesMarker + exhausted.Last.Error()
	}
	return MaxRetriesMarker + err.Error()
}

// Delay is the wait after the given failed attempt (1-based).
func (r *Retrier) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := r.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return base * time.Duration(attempt)
}

func (r *Retrier) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return r.MaxAttempts
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsMarker reports whether s is one of the in-band error markers. Model text
// that merely starts with "ERROR:" is not a marker.
func IsMarker(s string) bool {
	return strings.HasPrefix(s, MaxRetriesMarker) || strings.HasPrefix(s, UnrecoverableMarker)
}

// IsTransient reports whether err looks like a timeout, a 5xx, a rate limit
// or a dropped connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 429 || statusErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "http status 5") || strings.Contains(msg, "server_error") || strings.Contains(msg, "rate_limit") {
		return true
	}
	if strings.Contains(msg, "timeout") && (strings.Contains(msg, "openai") || strings.Contains(msg, "llm") || strings.Contains(msg, "client.timeout")) {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "eof") {
		return true
	}

	return false
}

// StatusError is a non-2xx response from the inference endpoint.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("llm http status %d", e.StatusCode)
	}
	return fmt.Sprintf("llm http status %d: %s", e.StatusCode, e.Message)
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}
