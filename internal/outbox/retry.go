package outbox

import (
	"errors"
	"math/rand"
	"time"

	"eventrelay/internal/domain"
)

const maxBackoffShift = 32

// RetryPolicy computes bounded exponential backoff with ±25% jitter. The
// jitter spreads retries of many messages failing at once so they do not
// hammer a recovering broker in lockstep.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int

	// randFloat overrides the jitter source in tests.
	randFloat func() float64
}

func NewRetryPolicy(base, cap time.Duration, maxAttempts int) RetryPolicy {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return RetryPolicy{Base: base, Cap: cap, MaxAttempts: maxAttempts}
}

// NextDelay returns the delay before retry number attempt (1-based):
// min(cap, base * 2^(attempt-1)) scaled by a random factor in [0.75, 1.25).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := p.Cap
	if shift := attempt - 1; shift < maxBackoffShift {
		backoff = p.Base << shift
		if backoff > p.Cap || backoff <= 0 {
			backoff = p.Cap
		}
	}

	jitter := 0.75 + p.rand()*0.5
	return time.Duration(float64(backoff) * jitter)
}

func (p RetryPolicy) rand() float64 {
	if p.randFloat != nil {
		return p.randFloat()
	}
	return rand.Float64()
}

// PermanentError wraps a publish failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent publish failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable for the default classifier.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ErrorClassifier reports whether a publish error is retryable. Transient
// transport conditions retry with backoff; schema and validation failures
// dead-letter immediately.
type ErrorClassifier func(err error) bool

// DefaultClassifier treats unknown-type and payload errors as permanent and
// everything else (network, timeout, broker unavailable) as retryable.
func DefaultClassifier(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, domain.ErrUnknownMessageType) || errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}
	return true
}
