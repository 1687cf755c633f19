package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"reservation-engine/coordination/domain"
)

type fakeRateLimiter struct {
	current int64
	end     time.Time
	err     error
	resets  int
}

func (f *fakeRateLimiter) Increment(_ context.Context, identifier, action string, _ time.Duration, max int64) (domain.Window, error) {
	if f.err != nil {
		return domain.Window{}, f.err
	}
	f.current++
	return domain.Window{Identifier: identifier, Action: action, Current: f.current, Max: max, WindowEnd: f.end}, nil
}

func (f *fakeRateLimiter) Peek(context.Context, string, string) (domain.Window, error) {
	return domain.Window{Current: f.current}, nil
}

func (f *fakeRateLimiter) Reset(context.Context, string, string) error {
	f.resets++
	f.current = 0
	return nil
}

type recordingStats struct {
	events []domain.StatsEvent
}

func (r *recordingStats) Record(_ context.Context, ev domain.StatsEvent) error {
	r.events = append(r.events, ev)
	return errors.New("stats backend down")
}

var loginPolicy = domain.Policy{Action: "login", Window: time.Minute, Max: 2}

func TestService_Decide_AllowsWhenNoLimiter(t *testing.T) {
	svc := Service{}
	dec, err := svc.Decide(context.Background(), "k", loginPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allowed")
	}
	if dec.RetryAfter != 0 {
		t.Fatalf("expected RetryAfter=0 when allowed, got %s", dec.RetryAfter)
	}
}

func TestService_Decide_BlocksAfterMaxWithRemainingWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	lim := &fakeRateLimiter{end: now.Add(45 * time.Second)}
	stats := &recordingStats{}
	svc := Service{Limiter: lim, Stats: stats, Now: func() time.Time { return now }}

	for i := 0; i < 2; i++ {
		dec, err := svc.Decide(context.Background(), "k", loginPolicy)
		if err != nil || !dec.Allowed {
			t.Fatalf("call %d: expected allowed, got %+v err=%v", i+1, dec, err)
		}
	}

	dec, err := svc.Decide(context.Background(), "k", loginPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected blocked")
	}
	if dec.RetryAfter != 45*time.Second {
		t.Fatalf("expected RetryAfter=45s, got %s", dec.RetryAfter)
	}
	if len(stats.events) != 3 || stats.events[2].Allowed {
		t.Fatalf("expected three recorded events, last denied; got %+v", stats.events)
	}
}

func TestService_Decide_PropagatesInfrastructureErrors(t *testing.T) {
	svc := Service{Limiter: &fakeRateLimiter{err: errors.New("redis down")}}
	if _, err := svc.Decide(context.Background(), "k", loginPolicy); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_Reset(t *testing.T) {
	lim := &fakeRateLimiter{current: 5}
	svc := Service{Limiter: lim}
	if err := svc.Reset(context.Background(), "k", "login"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if lim.resets != 1 || lim.current != 0 {
		t.Fatalf("expected limiter reset, got resets=%d current=%d", lim.resets, lim.current)
	}
}
