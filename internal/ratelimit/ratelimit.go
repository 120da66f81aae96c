// Package ratelimit implements the order rate limiter: fixed per-second
// and per-minute windows plus a persisted per-day counter. Two instances
// are expected in practice — one guarding this process's own order rate,
// one mirroring the broker's published limits (see NewBrokerMirror).
package ratelimit

import (
	"sync"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"golang.org/x/time/rate"
)

// Reason identifies which bucket refused an order.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonPerSecond Reason = "PER_SECOND_LIMIT"
	ReasonPerMinute Reason = "PER_MINUTE_LIMIT"
	ReasonPerDay    Reason = "PER_DAY_LIMIT"
)

// Decision is the result of a Check call.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// window is a fixed-window counter that resets when the wall clock crosses
// into a new window boundary. It is intentionally not a sliding/token-bucket
// algorithm: the invariant that during any 1-second window the process
// issues <= N calls is defined over fixed clock-second windows, so that
// is what gets implemented here.
type window struct {
	period time.Duration
	limit  int
	start  time.Time
	count  int
}

func newWindow(period time.Duration, limit int) *window {
	return &window{period: period, limit: limit}
}

func (w *window) tryAdd(now time.Time, n int) bool {
	if now.Sub(w.start) >= w.period {
		w.start = now.Truncate(w.period)
		w.count = 0
	}
	if w.count+n > w.limit {
		return false
	}
	w.count += n
	return true
}

// Limiter is an order rate limiter instance: per-second + per-minute fixed
// windows mutated only by the single owning event-loop goroutine, plus an
// optional smoothing rate.Limiter in front of outbound broker calls and
// an ulule/limiter memory-store limiter built with the per-minute cap.
// Record does not feed the ulule limiter, so it does not track the
// fixed-window counts.
type Limiter struct {
	name string

	mu        sync.Mutex
	perSecond *window
	perMinute *window

	smoother *rate.Limiter
	display  *limiter.Limiter

	dayCount func() (int, error)
	dayLimit int
}

// Option configures a Limiter at construction time.
type Option func(*Limiter)

// WithDayCounter wires the persisted per-day counter (RiskState.DailyRisk
// in store terms) and its cap.
func WithDayCounter(limit int, counter func() (int, error)) Option {
	return func(l *Limiter) {
		l.dayLimit = limit
		l.dayCount = counter
	}
}

// New builds a Limiter with the given per-second/per-minute caps.
func New(name string, perSecond, perMinute int, opts ...Option) *Limiter {
	store := memory.NewStore()
	displayRate := limiter.Rate{Period: time.Minute, Limit: int64(perMinute)}

	l := &Limiter{
		name:      name,
		perSecond: newWindow(time.Second, perSecond),
		perMinute: newWindow(time.Minute, perMinute),
		smoother:  rate.NewLimiter(rate.Limit(perSecond), perSecond),
		display:   limiter.New(store, displayRate),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewBrokerMirror builds the second limiter instance expected in practice:
// one that mirrors the broker's own published per-second/per-minute caps
// so the engine never issues more calls than the broker itself permits.
func NewBrokerMirror(brokerPerSecond, brokerPerMinute int) *Limiter {
	return New("broker-mirror", brokerPerSecond, brokerPerMinute)
}

// Check reports whether placing `count` more orders right now would
// overflow any bucket, without committing it. Call Record to commit.
func (l *Limiter) Check(now time.Time, count int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.perSecond.wouldFit(now, count) {
		return Decision{Allowed: false, Reason: ReasonPerSecond}
	}
	if !l.perMinute.wouldFit(now, count) {
		return Decision{Allowed: false, Reason: ReasonPerMinute}
	}
	if l.dayCount != nil {
		n, err := l.dayCount()
		if err == nil && n+count > l.dayLimit {
			return Decision{Allowed: false, Reason: ReasonPerDay}
		}
	}
	return Decision{Allowed: true}
}

// Record commits `count` orders against the per-second and per-minute
// windows. The day counter is persisted by the caller (TradeStore /
// DailyRisk), not here.
func (l *Limiter) Record(now time.Time, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perSecond.tryAdd(now, count)
	l.perMinute.tryAdd(now, count)
}

// WaitSmoothed blocks until the broker-facing smoothing limiter admits one
// more call; used as a courtesy throttle in front of the broker HTTP/WS
// client, independent of the hard fixed-window checks above.
func (l *Limiter) WaitSmoothed() error {
	return l.smoother.Wait(noopCtx{})
}

// wouldFit reports whether adding n would fit without mutating state.
func (w *window) wouldFit(now time.Time, n int) bool {
	start, count := w.start, w.count
	if now.Sub(start) >= w.period {
		count = 0
	}
	return count+n <= w.limit
}

// noopCtx satisfies context.Context for the rare case the caller doesn't
// want to thread a real context through WaitSmoothed.
type noopCtx struct{}

func (noopCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noopCtx) Done() <-chan struct{}       { return nil }
func (noopCtx) Err() error                  { return nil }
func (noopCtx) Value(key interface{}) interface{} {
	return nil
}

func (r Reason) String() string {
	if r == ReasonNone {
		return "ok"
	}
	return string(r)
}
