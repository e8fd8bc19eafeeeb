package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/provider"
)

func TestBreakerOpensAfterFailures(t *testing.T) {
	b := NewBreaker("test", Config{FailureRatio: 0.5, MinRequests: 3, OpenTimeout: time.Hour})
	boom := errors.New("upstream 500")

	for i := 0; i < 3; i++ {
		_, err := Call(b, func() (int, error) { return 0, boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", b.State())

	calls := 0
	_, err := Call(b, func() (int, error) { calls++; return 1, nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 0, calls)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := NewBreaker("cancel", Config{MinRequests: 1, OpenTimeout: time.Hour})
	for i := 0; i < 5; i++ {
		_, err := Call(b, func() (string, error) { return "", context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, "closed", b.State())

	v, err := Call(b, func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestBreakerClassifiesProviderErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantOpen bool
	}{
		{"bad request stays closed", 400, false},
		{"unauthorized stays closed", 401, false},
		{"rate limited trips", 429, true},
		{"server error trips", 502, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBreaker(tt.name, Config{FailureRatio: 0.5, MinRequests: 2, OpenTimeout: time.Hour})
			apiErr := &provider.APIError{Provider: "openai", StatusCode: tt.status}
			for i := 0; i < 3; i++ {
				_, _ = Call(b, func() (int, error) { return 0, fmt.Errorf("embed: %w", apiErr) })
			}
			assert.Equal(t, tt.wantOpen, b.State() == "open")
		})
	}
}

func TestNilBreakerPassesThrough(t *testing.T) {
	v, err := Call[int](nil, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
