package llm

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/zeebo/blake3"
)

// RetryPolicy controls retries for retryable provider errors (429, 5xx, timeouts)
// within a single fallback config. Exhausting the policy hands control back to the
// router, which moves on to the next config.
type RetryPolicy struct {
	MaxAttempts    int
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool

	// JitterSeed makes jitter deterministic per session. Empty disables seeding.
	JitterSeed string
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         false,
	}
}

// DelayForAttempt computes the backoff delay before retry number attempt (1-indexed).
func DelayForAttempt(attempt int, p RetryPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialDelayMS <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	baseMS := float64(p.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelayMS > 0 && baseMS > float64(p.MaxDelayMS) {
		baseMS = float64(p.MaxDelayMS)
	}
	if !p.Jitter {
		return time.Duration(baseMS) * time.Millisecond
	}
	// Deterministic full jitter in [baseMS/2, baseMS], derived from the seed and
	// attempt number so replayed sessions sleep identically.
	h := blake3.New()
	_, _ = h.Write([]byte(p.JitterSeed))
	var ab [8]byte
	binary.LittleEndian.PutUint64(ab[:], uint64(attempt))
	_, _ = h.Write(ab[:])
	sum := h.Sum(nil)
	frac := float64(binary.LittleEndian.Uint64(sum[:8])%1000) / 1000.0
	jittered := baseMS/2 + baseMS/2*frac
	return time.Duration(jittered) * time.Millisecond
}

// SleepFunc allows tests to intercept retry sleeps.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry invokes fn until it succeeds, returns a non-retryable error, or the
// policy's attempt budget is spent. Retry-After hints from the provider take
// precedence over computed backoff.
func Retry(ctx context.Context, policy RetryPolicy, sleep SleepFunc, fn func() (Response, error)) (Response, error) {
	if sleep == nil {
		sleep = sleepContext
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == attempts {
			break
		}
		delay := DelayForAttempt(attempt, policy)
		var le Error
		if asLLMError(err, &le) {
			if ra := le.RetryAfter(); ra != nil && *ra > 0 {
				delay = *ra
			}
		}
		if serr := sleep(ctx, delay); serr != nil {
			return Response{}, serr
		}
	}
	return Response{}, lastErr
}

func asLLMError(err error, target *Error) bool {
	for err != nil {
		if le, ok := err.(Error); ok {
			*target = le
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
