package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestRetrierStopsAtCeiling(t *testing.T) {
	var calls atomic.Int32
	client := ClientFunc(func(ctx context.Context, req Request) (string, error) {
		calls.Add(1)
		return "", errors.New("http status 503")
	})
	sleeps := &recordedSleeps{}
	r := &Retrier{Client: client, MaxAttempts: 4, BaseDelay: time.Second, Sleep: sleeps.sleep}

	_, err := r.Complete(context.Background(), Request{Model: "o3", Prompt: "p"})
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.EqualValues(t, 4, calls.Load())
	assert.Len(t, sleeps.delays, 3)
}

func TestRetrierDelaysAreLinearAndNonDecreasing(t *testing.T) {
	client := ClientFunc(func(ctx context.Context, req Request) (string, error) {
		return "", errors.New("boom")
	})
	sleeps := &recordedSleeps{}
	r := &Retrier{Client: client, MaxAttempts: 5, BaseDelay: 2 * time.Second, Sleep: sleeps.sleep}

	_, _ = r.Complete(context.Background(), Request{})

	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second}, sleeps.delays)
	for i := 1; i < len(sleeps.delays); i++ {
		assert.GreaterOrEqual(t, sleeps.delays[i], sleeps.delays[i-1])
	}
}

func TestRetrierReturnsFirstSuccess(t *testing.T) {
	var calls atomic.Int32
	client := ClientFunc(func(ctx context.Context, req Request) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})
	sleeps := &recordedSleeps{}
	r := &Retrier{Client: client, MaxAttempts: 5, BaseDelay: time.Millisecond, Sleep: sleeps.sleep}

	resp, err := r.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.EqualValues(t, 3, calls.Load())
}

func TestCompleteOrMarker(t *testing.T) {
	client := ClientFunc(func(ctx context.Context, req Request) (string, error) {
		return "", errors.New("quota exceeded")
	})
	r := &Retrier{Client: client, MaxAttempts: 2, Sleep: (&recordedSleeps{}).sleep}

	got := r.CompleteOrMarker(context.Background(), Request{})
	assert.Equal(t, "ERROR: Max retries reached - quota exceeded", got)
	assert.True(t, IsMarker(got))
}

func TestIsMarker(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"ERROR: Max retries reached - timeout", true},
		{"ERROR: Unrecoverable failure in processing pipeline: panic", true},
		{"ERROR: the reading is off by a factor of 2, so F = 4.0 N", false},
		{"F = 4.0 N", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsMarker(tc.in), tc.in)
	}
}

func TestRetrierSleepHonoursContext(t *testing.T) {
	client := ClientFunc(func(ctx context.Context, req Request) (string, error) {
		return "", errors.New("boom")
	})
	r := &Retrier{Client: client, MaxAttempts: 3, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Complete(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetrierDefaults(t *testing.T) {
	r := NewRetrier(PlaceholderClient{}, 0, 0)
	assert.Equal(t, DefaultMaxAttempts, r.maxAttempts())
	assert.Equal(t, DefaultBaseDelay, r.Delay(1))
	assert.Equal(t, 3*DefaultBaseDelay, r.Delay(3))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: true},
		{name: "status 502", err: &StatusError{StatusCode: 502}, want: true},
		{name: "status 429", err: &StatusError{StatusCode: 429}, want: true},
		{name: "status 400", err: &StatusError{StatusCode: 400, Message: "bad request"}, want: false},
		{name: "reset", err: errors.New("read tcp: connection reset by peer"), want: true},
		{name: "openai timeout", err: errors.New("openai request timeout"), want: true},
		{name: "plain", err: errors.New("invalid prompt"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestSanitizeErrorTruncates(t *testing.T) {
	msg := sanitizeError(errors.New(strings.Repeat("x", 400) + "\nline"))
	assert.Len(t, msg, 303)
	assert.NotContains(t, msg, "\n")
}
