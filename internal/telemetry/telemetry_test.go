package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKillSwitchEmitsCriticalEvent(t *testing.T) {
	r := NewReporter(zap.NewNop())

	var got Event
	done := make(chan struct{})
	r.RegisterHandler("test", func(ev Event) error {
		got = ev
		close(done)
		return nil
	})

	r.KillSwitch(context.Background(), "T-1", "daily_loss_breached")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	require.Equal(t, KindKillSwitch, got.Kind)
	require.Equal(t, LevelCritical, got.Level)
	require.Equal(t, "T-1", got.TradeID)
	require.Equal(t, "daily_loss_breached", got.Details["reason"])
}

func TestWatchdogFireAndRejectionUseWarningLevel(t *testing.T) {
	r := NewReporter(zap.NewNop())

	var mu sync.Mutex
	var events []Event
	r.RegisterHandler("collector", func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})

	r.WatchdogFire(context.Background(), "T-2", "sl_trigger")
	r.Rejection(context.Background(), "T-2", "entry", "SLM_BLOCKED")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, ev := range events {
		require.Equal(t, LevelWarning, ev.Level)
	}
}

func TestUnregisterHandlerStopsDelivery(t *testing.T) {
	r := NewReporter(zap.NewNop())

	var calls int32
	var mu sync.Mutex
	r.RegisterHandler("h", func(ev Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	r.UnregisterHandler("h")

	r.Rejection(context.Background(), "T-3", "sl", "REJECTED")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(0), calls)
}

func TestEmitToleratesHandlerError(t *testing.T) {
	r := NewReporter(zap.NewNop())
	done := make(chan struct{})
	r.RegisterHandler("failing", func(ev Event) error {
		close(done)
		return errors.New("webhook unreachable")
	})

	r.ReconcilerFinding(context.Background(), "T-4", "stale_live", "order missing")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}
