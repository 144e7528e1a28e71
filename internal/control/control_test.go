package control

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, c := range cases {
		if got := p.Backoff(c.attempt); got != c.want {
			t.Fatalf("attempt=%d got=%s want=%s", c.attempt, got, c.want)
		}
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
}

func TestRetryPolicy_ZeroValueUsesDefaults(t *testing.T) {
	var p RetryPolicy
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.False(t, p.ShouldRetry(3))
}

func TestRetryPolicy_NewBackOffMatchesFormula(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	b := p.NewBackOff()

	require.Equal(t, p.Backoff(1), b.NextBackOff())
	require.Equal(t, p.Backoff(2), b.NextBackOff())
	require.Equal(t, p.Backoff(3), b.NextBackOff())
	require.Equal(t, backoff.Stop, b.NextBackOff(), "retries exhausted after MaxAttempts-1 waits")
}

func TestRetryPolicy_NewBackOffReset(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Second}
	b := p.NewBackOff()

	require.Equal(t, time.Second, b.NextBackOff())
	require.Equal(t, backoff.Stop, b.NextBackOff())
	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}
