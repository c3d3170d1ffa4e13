package lib

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedialBackoff(t *testing.T) {
	cfg := &RedialConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, cfg.backoff(i+1, nil), "attempt %d", i+1)
	}
}

func TestRedialJitter(t *testing.T) {
	cfg := &RedialConfig{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, BackoffMultiplier: 2, Jitter: 0.1}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := cfg.backoff(1, rng)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
	// jitter never pushes past the cap
	cfg.MaxBackoff = time.Second
	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, cfg.backoff(3, rng), time.Second)
	}
}

func TestRetryable(t *testing.T) {
	for _, err := range []error{ErrConnectionRefused, ErrConnectionTimedOut, ErrHostUnreachable, errDeadlineExceeded, fmt.Errorf("wrapped: %w", ErrTableFull)} {
		assert.True(t, retryable(err), err.Error())
	}
	for _, err := range []error{ErrInvalidAddress, ErrCoreClosed, ErrAlreadyConnected} {
		assert.False(t, retryable(err), err.Error())
	}
}
