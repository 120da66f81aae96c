package events

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestNewFunnelIsBufferedAndEmpty(t *testing.T) {
	f := NewFunnel(4)
	require.NotNil(t, f.C)
	require.Equal(t, 0, len(f.C))
	require.Equal(t, 4, cap(f.C))
}

func TestPushDeliversEnvelopeKindsUnblocked(t *testing.T) {
	f := NewFunnel(2)
	f.push(Envelope{Kind: KindTick, Tick: Tick{Token: 1, LTP: 101.5}})
	f.push(Envelope{Kind: KindTimer, Timer: Timer{Name: "reconcile"}})

	first := <-f.C
	require.Equal(t, KindTick, first.Kind)
	require.Equal(t, int64(1), first.Tick.Token)

	second := <-f.C
	require.Equal(t, KindTimer, second.Kind)
	require.Equal(t, "reconcile", second.Timer.Name)
}

func TestStartTimerPushesTimerEnvelopesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := NewFunnel(8)
	StartTimer(ctx, f, "exit_loop", 10*time.Millisecond)

	select {
	case env := <-f.C:
		require.Equal(t, KindTimer, env.Kind)
		require.Equal(t, "exit_loop", env.Timer.Name)
		require.False(t, env.Timer.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timer envelope")
	}

	cancel()
	// Drain anything already queued, then confirm no further envelopes
	// arrive once the ticker has stopped.
	drained := true
	for drained {
		select {
		case <-f.C:
		case <-time.After(50 * time.Millisecond):
			drained = false
		}
	}
	select {
	case env := <-f.C:
		t.Fatalf("unexpected envelope after cancel: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDefaultConfigUsesNatsDefaultURL(t *testing.T) {
	cfg := DefaultConfig()
	require.NotEmpty(t, cfg.URL)
	require.Equal(t, nats.DefaultURL, cfg.URL)
	require.Greater(t, cfg.MaxReconnects, 0)
	require.Greater(t, cfg.ConnectionTimeout, time.Duration(0))
}
