package stats

import (
	"context"
	"errors"
	"testing"
	"time"
)

// recordingTimer fires immediately and advances its clock by the requested delay.
type recordingTimer struct {
	delays []time.Duration
	now    time.Time
	fired  chan time.Time
	onWait func()
}

func (s *recordingTimer) Start(d time.Duration) {
	s.delays = append(s.delays, d)
	s.now = s.now.Add(d)
	if s.onWait != nil {
		s.onWait()
		s.fired = nil
		return
	}
	s.fired = make(chan time.Time, 1)
	s.fired <- s.now
}

func (s *recordingTimer) Stop() {}

func (s *recordingTimer) C() <-chan time.Time {
	return s.fired
}

func (s *recordingTimer) Now() time.Time {
	return s.now
}

func newTestPolicy(timer *recordingTimer, jitter time.Duration) RetryPolicy {
	policy := DefaultRetryPolicy()
	policy.Timer = timer
	policy.Now = timer.Now
	policy.Jitter = func(time.Duration) time.Duration { return jitter }
	return policy
}

func TestRetryPolicyBacksOffExponentially(t *testing.T) {
	timer := &recordingTimer{now: time.Unix(0, 0)}
	policy := newTestPolicy(timer, 100*time.Millisecond)

	calls := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	want := []time.Duration{600 * time.Millisecond, 1100 * time.Millisecond}
	if len(timer.delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), timer.delays)
	}
	for i := range want {
		if timer.delays[i] != want[i] {
			t.Fatalf("delay %d: want %s got %s", i, want[i], timer.delays[i])
		}
	}
}

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	timer := &recordingTimer{now: time.Unix(0, 0)}
	policy := newTestPolicy(timer, 0)

	calls := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 || len(timer.delays) != 1 {
		t.Fatalf("unexpected calls=%d sleeps=%d", calls, len(timer.delays))
	}
}

func TestRetryPolicyDoesNotRetryPermanentErrors(t *testing.T) {
	timer := &recordingTimer{now: time.Unix(0, 0)}
	policy := newTestPolicy(timer, 0)
	sentinel := errors.New("bad payload")

	calls := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestRetryPolicyRespectsElapsedBudget(t *testing.T) {
	timer := &recordingTimer{now: time.Unix(0, 0)}
	policy := newTestPolicy(timer, 0)
	policy.MaxElapsed = 700 * time.Millisecond

	calls := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("slow upstream")
	})
	if err == nil {
		t.Fatalf("expected budget error")
	}
	// 500ms fits the budget, the following 1s delay does not
	if calls != 2 {
		t.Fatalf("expected 2 attempts within budget, got %d", calls)
	}
}

func TestRetryPolicyStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	timer := &recordingTimer{now: time.Unix(0, 0), onWait: cancel}
	policy := newTestPolicy(timer, 0)

	calls := 0
	err := policy.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one attempt, got %d", calls)
	}
}

func TestRetryPolicySingleAttemptNeverWaits(t *testing.T) {
	timer := &recordingTimer{now: time.Unix(0, 0)}
	policy := newTestPolicy(timer, 0)
	policy.MaxAttempts = 1

	calls := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	if err == nil || calls != 1 || len(timer.delays) != 0 {
		t.Fatalf("expected one attempt without waiting, got calls=%d delays=%v err=%v", calls, timer.delays, err)
	}
}

func TestRetryPolicyReportsRetries(t *testing.T) {
	timer := &recordingTimer{now: time.Unix(0, 0)}
	policy := newTestPolicy(timer, 0)
	var attempts []int
	policy.OnRetry = func(attempt int, _ time.Duration, _ error) {
		attempts = append(attempts, attempt)
	}

	_ = policy.Do(context.Background(), func(context.Context) error { return errors.New("boom") })
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("unexpected retry notifications %v", attempts)
	}
}
