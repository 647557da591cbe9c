// Package backend holds the pieces shared by the analyzer clients: the
// transient/permanent error classifier and the retrying executor that
// drives submissions.
package backend

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/config"
	"firestige.xyz/triage/internal/log"
)

// ClassifyHTTPStatus maps a backend HTTP status to an error kind.
// 5xx and 429 are worth retrying; other non-2xx codes are permanent.
func ClassifyHTTPStatus(status int) apperr.Kind {
	if status >= 500 || status == 429 {
		return apperr.TransientBackend
	}
	return apperr.PermanentBackend
}

// ClassifyTransportError maps a transport-level failure to an error kind.
// Connection refusals, resets and timeouts are transient; everything
// else is treated as permanent so a broken request body never loops.
func ClassifyTransportError(err error) apperr.Kind {
	if err == nil {
		return apperr.Internal
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.TransientBackend
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.TransientBackend
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return apperr.TransientBackend
		}
	}
	return apperr.PermanentBackend
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	return apperr.IsKind(err, apperr.TransientBackend)
}

// Executor runs an operation under the configured retry policy.
// Between attempts it consults a gate; a closed gate aborts the loop
// without consuming further attempts.
type Executor struct {
	cfg config.RetryConfig
	rng *rand.Rand
}

func NewExecutor(cfg config.RetryConfig) *Executor {
	return &Executor{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ErrGateClosed aborts a retry loop when the gate check fails between
// attempts. Callers treat it as a pause, not a failure.
var ErrGateClosed = errors.New("gate closed during retry")

// Do runs op until it succeeds, a permanent error occurs, attempts run
// out, or the gate closes. gate may be nil when no pause check applies.
// The returned error is the last error observed; a transient error after
// the final attempt is returned as-is so callers can roll back.
func (e *Executor) Do(ctx context.Context, name string, gate func(context.Context) (bool, error), op func(context.Context) error) error {
	attempts := e.cfg.MaxAttempts
	if !e.cfg.Enabled || attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if gate != nil {
			open, err := gate(ctx)
			if err != nil {
				return err
			}
			if !open {
				return ErrGateClosed
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := e.backoff(attempt)
		log.GetLogger().WithError(lastErr).Warnf(
			"%s attempt %d/%d failed, retrying in %s", name, attempt, attempts, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// backoff computes the wait before attempt+1: exponential from the
// initial delay, capped, with optional ±10% jitter.
func (e *Executor) backoff(attempt int) time.Duration {
	secs := float64(e.cfg.InitialBackoffSecs)
	for i := 1; i < attempt; i++ {
		secs *= e.cfg.BackoffMultiplier
	}
	if max := float64(e.cfg.MaxBackoffSecs); max > 0 && secs > max {
		secs = max
	}
	if e.cfg.Jitter {
		secs *= 0.9 + e.rng.Float64()*0.2
	}
	return time.Duration(secs * float64(time.Second))
}
