package domain

import (
	"testing"
	"time"
)

func TestWindow_DecisionAllowedUpToMax(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := Window{Current: 3, Max: 3, WindowEnd: now.Add(40 * time.Second)}

	dec := w.Decision(now)
	if !dec.Allowed {
		t.Fatalf("expected current == max to be allowed")
	}
	if dec.Remaining != 0 {
		t.Fatalf("expected remaining=0, got %d", dec.Remaining)
	}
	if dec.RetryAfter != 0 {
		t.Fatalf("expected no RetryAfter when allowed, got %s", dec.RetryAfter)
	}
}

func TestWindow_DecisionBlockedSetsRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := Window{Current: 4, Max: 3, WindowEnd: now.Add(40 * time.Second)}

	dec := w.Decision(now)
	if dec.Allowed {
		t.Fatalf("expected blocked")
	}
	if dec.RetryAfter != 40*time.Second {
		t.Fatalf("expected RetryAfter=40s, got %s", dec.RetryAfter)
	}
	if !dec.ResetTime.Equal(w.WindowEnd) {
		t.Fatalf("expected ResetTime=%s, got %s", w.WindowEnd, dec.ResetTime)
	}
}

func TestWindow_DecisionNeverNegative(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := Window{Current: 10, Max: 3, WindowEnd: now.Add(-time.Second)}

	dec := w.Decision(now)
	if dec.Remaining != 0 || dec.RetryAfter != 0 {
		t.Fatalf("expected clamped values, got remaining=%d retryAfter=%s", dec.Remaining, dec.RetryAfter)
	}
}
