package lib

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"time"

	"github.com/apex/log"

	"github.com/Clouded-Sabre/tcp-engine/logging"
)

// RedialConfig controls DialWithRetry.
type RedialConfig struct {
	MaxRetries        int           // attempts after the first, -1 for no limit
	InitialBackoff    time.Duration // wait before the first retry
	MaxBackoff        time.Duration // backoff cap
	BackoffMultiplier float64       // growth per attempt, e.g. 2.0
	Jitter            float64       // +/- fraction applied to each wait
	AttemptTimeout    time.Duration // bound on one handshake, 0 for none
}

func DefaultRedialConfig() *RedialConfig {
	return &RedialConfig{
		MaxRetries:        5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		AttemptTimeout:    10 * time.Second,
	}
}

// backoff returns the wait before retry number attempt (1-based).
func (cfg *RedialConfig) backoff(attempt int, rng *rand.Rand) time.Duration {
	d := float64(cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= cfg.BackoffMultiplier
		if d >= float64(cfg.MaxBackoff) {
			d = float64(cfg.MaxBackoff)
			break
		}
	}
	if cfg.Jitter > 0 && rng != nil {
		d += d * cfg.Jitter * (2*rng.Float64() - 1)
	}
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	return time.Duration(d)
}

// retryable reports whether a dial failure may go away by itself.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrConnectionRefused),
		errors.Is(err, ErrConnectionReset),
		errors.Is(err, ErrConnectionTimedOut),
		errors.Is(err, ErrHostUnreachable),
		errors.Is(err, ErrUnreachable),
		errors.Is(err, ErrTimeExceeded),
		errors.Is(err, ErrNoPortAvailable),
		errors.Is(err, ErrTableFull),
		errors.Is(err, errDeadlineExceeded):
		return true
	}
	return false
}

// DialWithRetry dials remote, backing off exponentially between failed
// attempts. Contract errors and ctx ending stop the retries.
func (c *TcpCore) DialWithRetry(ctx context.Context, remote netip.AddrPort, cfg *RedialConfig) (*Socket, error) {
	if cfg == nil {
		cfg = DefaultRedialConfig()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	logger := logging.Logger.WithField("remote", remote.String())

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := cfg.backoff(attempt, rng)
			logger.WithFields(log.Fields{"attempt": attempt, "wait": wait.String()}).Info("redialing")
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, contextError(ctx.Err())
			case <-t.C:
			}
		}

		actx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, cfg.AttemptTimeout)
		}
		s, err := c.Dial(actx, remote)
		cancel()
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}
		if !retryable(err) {
			return nil, err
		}
		if cfg.MaxRetries >= 0 && attempt >= cfg.MaxRetries {
			logger.WithError(err).Warn("giving up after retries")
			return nil, err
		}
		logger.WithError(err).Debug("dial failed")
	}
}
