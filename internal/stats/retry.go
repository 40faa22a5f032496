package stats

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxJitter   = 200 * time.Millisecond
	defaultMaxElapsed  = 10 * time.Second
)

// RetryPolicy retries a failing call with exponential backoff and jitter.
// Unset fields fall back to the defaults; a zero MaxJitter disables jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration
	// MaxElapsed bounds total wall time; a retry whose delay would cross it is not attempted.
	// Negative disables the bound.
	MaxElapsed time.Duration

	// Timer waits between attempts; nil uses a real timer.
	Timer   backoff.Timer
	Jitter  func(max time.Duration) time.Duration
	Now     func() time.Time
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns 3 attempts, 500ms doubling base delay, up to 200ms jitter, 10s budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxJitter:   defaultMaxJitter,
		MaxElapsed:  defaultMaxElapsed,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a permanent error, or the policy is exhausted.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	if err := ctx.Err(); err != nil {
		return err
	}

	attempts := 0
	permanent := false
	operation := func() error {
		attempts++
		err := fn(ctx)
		var stop *backoff.PermanentError
		if errors.As(err, &stop) {
			permanent = true
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, delay, err)
		}
	}

	var schedule backoff.BackOff = &backoff.StopBackOff{}
	if p.MaxAttempts > 1 {
		schedule = backoff.WithMaxRetries(p.newBackOff(), uint64(p.MaxAttempts-1))
	}
	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(schedule, ctx), notify, p.Timer)
	if err == nil || permanent {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(err, ctxErr) {
			return fmt.Errorf("retry aborted after %d attempts: %w", attempts, err)
		}
		return fmt.Errorf("retry aborted after %d attempts: %w", attempts, errors.Join(ctxErr, err))
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}

func (p RetryPolicy) newBackOff() *jitteredBackOff {
	return &jitteredBackOff{
		base:       p.BaseDelay,
		maxJitter:  p.MaxJitter,
		maxElapsed: p.MaxElapsed,
		jitter:     p.Jitter,
		now:        p.Now,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxElapsed == 0 {
		p.MaxElapsed = defaultMaxElapsed
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	if p.Jitter == nil {
		p.Jitter = randomJitter
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return p
}

// jitteredBackOff doubles the base delay per retry and adds up to maxJitter on top.
// It stops once the next delay would cross the elapsed budget.
type jitteredBackOff struct {
	base       time.Duration
	maxJitter  time.Duration
	maxElapsed time.Duration
	jitter     func(max time.Duration) time.Duration
	now        func() time.Time

	retries int
	started time.Time
}

func (b *jitteredBackOff) Reset() {
	b.retries = 0
	b.started = b.now()
}

func (b *jitteredBackOff) NextBackOff() time.Duration {
	delay := b.base << b.retries
	if b.maxJitter > 0 {
		delay += b.jitter(b.maxJitter)
	}
	if b.maxElapsed > 0 && b.now().Sub(b.started)+delay > b.maxElapsed {
		return backoff.Stop
	}
	b.retries++
	return delay
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
