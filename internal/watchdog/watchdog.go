// Package watchdog implements the scheduled-task safety nets guarding a
// live trade: SL-trigger-without-fill, target-touch-without-fill,
// panic-exit-fill-timeout, entry-limit-timeout, and virtual-target. Every
// watchdog is a scheduled callback that re-checks its precondition against
// the currently persisted trade before acting — a timer that fires after
// the trade has already advanced is a no-op. Generalized from a worker-pool
// request/response model down to a single scheduled-callback pool with
// per-kind in-flight locks.
package watchdog

import (
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Kind identifies which watchdog a scheduled task belongs to, used for
// both logging and the in-flight guard set that de-duplicates concurrent
// fires for the same (tradeId, kind).
type Kind string

const (
	KindSLTrigger       Kind = "sl_trigger"
	KindTargetTouch     Kind = "target_touch"
	KindPanicExit       Kind = "panic_exit"
	KindEntryLimit      Kind = "entry_limit"
	KindVirtualTarget   Kind = "virtual_target"
	KindExitPlacement   Kind = "exit_placement"
)

// Precondition is re-evaluated by a scheduled task immediately before it
// runs; returning false means the trade advanced past the watchdog's
// concern and the callback must do nothing.
type Precondition func() bool

// Action is the corrective action a watchdog performs once its
// precondition still holds.
type Action func()

// Scheduler runs timed, precondition-gated callbacks over a bounded worker
// pool, and serializes per-(kind,tradeId) work so a watchdog can never fire
// twice concurrently for the same trade.
type Scheduler struct {
	pool   *ants.Pool
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool // key: kind+":"+tradeId
	timers   map[string]*time.Timer
}

// NewScheduler builds a Scheduler backed by an ants worker pool sized for
// the bursty, short-lived nature of watchdog callbacks.
func NewScheduler(poolSize int, logger *zap.Logger) (*Scheduler, error) {
	pool, err := ants.NewPool(poolSize, ants.WithPanicHandler(func(i interface{}) {
		logger.Error("watchdog task panicked", zap.Any("panic", i))
	}))
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		pool:     pool,
		logger:   logger,
		inFlight: make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}, nil
}

func key(kind Kind, tradeID string) string { return string(kind) + ":" + tradeID }

// tryLock claims the (kind, tradeId) slot; returns false if already locked.
func (s *Scheduler) tryLock(kind Kind, tradeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(kind, tradeID)
	if s.inFlight[k] {
		return false
	}
	s.inFlight[k] = true
	return true
}

func (s *Scheduler) unlock(kind Kind, tradeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key(kind, tradeID))
}

// Arm schedules action to run after delay, gated by precondition, for the
// named (kind, tradeId). A second Arm call for the same (kind, tradeId)
// while one is already pending/running is dropped by the per-operation
// lock.
func (s *Scheduler) Arm(kind Kind, tradeID string, delay time.Duration, precondition Precondition, action Action) {
	if !s.tryLock(kind, tradeID) {
		s.logger.Debug("watchdog already armed, skipping", zap.String("kind", string(kind)), zap.String("trade_id", tradeID))
		return
	}

	k := key(kind, tradeID)
	timer := time.AfterFunc(delay, func() {
		err := s.pool.Submit(func() {
			defer s.unlock(kind, tradeID)
			if !precondition() {
				s.logger.Debug("watchdog precondition no longer holds", zap.String("kind", string(kind)), zap.String("trade_id", tradeID))
				return
			}
			s.logger.Info("watchdog fired", zap.String("kind", string(kind)), zap.String("trade_id", tradeID))
			action()
		})
		if err != nil {
			s.unlock(kind, tradeID)
			s.logger.Error("failed to submit watchdog task", zap.String("kind", string(kind)), zap.Error(err))
		}
	})

	s.mu.Lock()
	s.timers[k] = timer
	s.mu.Unlock()
}

// Disarm cancels a pending timer for (kind, tradeId) without running its
// action — used when the trade closes cleanly before the watchdog fires.
func (s *Scheduler) Disarm(kind Kind, tradeID string) {
	k := key(kind, tradeID)
	s.mu.Lock()
	timer, ok := s.timers[k]
	if ok {
		delete(s.timers, k)
	}
	delete(s.inFlight, k)
	s.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

// Release shuts down the underlying worker pool.
func (s *Scheduler) Release() {
	s.pool.Release()
}

// RetryBudget tracks bounded retries for watchdogs that escalate through a
// fixed number of attempts before giving up to a harsher action (TARGET
// watchdog's `retries`, panic-exit's `PANIC_EXIT_MAX_RETRIES`).
type RetryBudget struct {
	mu       sync.Mutex
	attempts map[string]int
	max      int
}

// NewRetryBudget builds a RetryBudget allowing up to max attempts per key.
func NewRetryBudget(max int) *RetryBudget {
	return &RetryBudget{attempts: make(map[string]int), max: max}
}

// Attempt increments the attempt counter for key and reports whether the
// budget is exhausted (attempts > max).
func (b *RetryBudget) Attempt(key string) (exhausted bool, attemptNum int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[key]++
	return b.attempts[key] > b.max, b.attempts[key]
}

// Reset clears key's attempt counter, e.g. once its trade closes.
func (b *RetryBudget) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attempts, key)
}
