package diary

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
	defaultCallTimeout = 20 * time.Second
	jitterPercent      = 10
)

// RetryPolicy bounds how document API calls are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	Logger      *zap.Logger
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = defaultCallTimeout
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return p
}

func (p RetryPolicy) backoff() retry.Backoff {
	backoff := retry.NewExponential(p.BaseDelay)
	backoff = retry.WithJitterPercent(jitterPercent, backoff)
	backoff = retry.WithCappedDuration(p.MaxDelay, backoff)
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), backoff)
}

// Do runs call with a per-attempt timeout, retrying transient failures with
// capped exponential backoff. A transient failure that survives every
// attempt is returned as *RetriesExhaustedError; anything else is returned
// as-is on first occurrence.
func (p RetryPolicy) Do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	policy := p.withDefaults()
	attempts := 0
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, policy.CallTimeout)
		callErr := call(callCtx)
		cancel()
		if callErr == nil {
			return nil
		}
		if errors.Is(callErr, context.DeadlineExceeded) && ctx.Err() == nil {
			callErr = &TransientAPIError{Op: op, Err: callErr}
		}
		if IsTransient(callErr) {
			policy.Logger.Debug("document api call failed, retrying",
				zap.String("operation", op),
				zap.Int("attempt", attempts),
				zap.Error(callErr))
			return retry.RetryableError(callErr)
		}
		return callErr
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if IsTransient(err) {
		return &RetriesExhaustedError{Op: op, Attempts: attempts, Err: err}
	}
	return err
}
