package ratelimit

import (
	"testing"
	"time"
)

func TestPerSecondWindowRefusesOverflow(t *testing.T) {
	l := New("test", 2, 100)
	now := time.Now()

	if d := l.Check(now, 2); !d.Allowed {
		t.Fatalf("expected 2 orders to fit in a 2/sec bucket, got %v", d)
	}
	l.Record(now, 2)

	if d := l.Check(now, 1); d.Allowed || d.Reason != ReasonPerSecond {
		t.Fatalf("expected per-second refusal, got %v", d)
	}

	later := now.Add(1100 * time.Millisecond)
	if d := l.Check(later, 1); !d.Allowed {
		t.Fatalf("expected bucket to reset after window elapses, got %v", d)
	}
}

func TestDayCounterGatesKillSwitch(t *testing.T) {
	placed := 0
	l := New("test", 100, 100, WithDayCounter(1, func() (int, error) { return placed, nil }))
	now := time.Now()

	if d := l.Check(now, 1); !d.Allowed {
		t.Fatalf("expected first order to be allowed, got %v", d)
	}
	placed = 1

	if d := l.Check(now, 1); d.Allowed || d.Reason != ReasonPerDay {
		t.Fatalf("expected day cap refusal once placed==limit, got %v", d)
	}
}
