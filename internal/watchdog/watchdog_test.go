package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestArmFiresWhenPreconditionHolds(t *testing.T) {
	s, err := NewScheduler(4, zap.NewNop())
	require.NoError(t, err)
	defer s.Release()

	var fired int32
	s.Arm(KindSLTrigger, "T1", 10*time.Millisecond, func() bool { return true }, func() {
		atomic.AddInt32(&fired, 1)
	})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
}

func TestArmSkipsWhenPreconditionFails(t *testing.T) {
	s, err := NewScheduler(4, zap.NewNop())
	require.NoError(t, err)
	defer s.Release()

	var fired int32
	s.Arm(KindTargetTouch, "T2", 10*time.Millisecond, func() bool { return false }, func() {
		atomic.AddInt32(&fired, 1)
	})

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestSecondArmForSameTradeIsDropped(t *testing.T) {
	s, err := NewScheduler(4, zap.NewNop())
	require.NoError(t, err)
	defer s.Release()

	var count int32
	action := func() { atomic.AddInt32(&count, 1) }
	s.Arm(KindPanicExit, "T3", 50*time.Millisecond, func() bool { return true }, action)
	s.Arm(KindPanicExit, "T3", 50*time.Millisecond, func() bool { return true }, action)

	time.Sleep(120 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestDisarmPreventsAction(t *testing.T) {
	s, err := NewScheduler(4, zap.NewNop())
	require.NoError(t, err)
	defer s.Release()

	var fired int32
	s.Arm(KindEntryLimit, "T4", 30*time.Millisecond, func() bool { return true }, func() {
		atomic.AddInt32(&fired, 1)
	})
	s.Disarm(KindEntryLimit, "T4")

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestRetryBudgetExhausts(t *testing.T) {
	b := NewRetryBudget(3)
	for i := 0; i < 3; i++ {
		exhausted, _ := b.Attempt("k")
		require.False(t, exhausted)
	}
	exhausted, n := b.Attempt("k")
	require.True(t, exhausted)
	require.Equal(t, 4, n)
}
