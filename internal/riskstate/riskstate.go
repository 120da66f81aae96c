// Package riskstate implements the per-day risk posture: the kill-switch,
// consecutive-failure counter, slippage/strategy/circuit-breaker
// cooldowns, and the open-position registry that together gate new
// entries. Narrowed from a multi-user/multi-symbol ledger shape down to
// the single-active-trade model this engine runs.
package riskstate

import (
	"context"
	"sync"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/store"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// DailyLimits bounds the per-day risk posture — the SOFT_STOP/HARD_STOP
// loss caps, the consecutive-failure threshold that trips the kill-switch,
// and the cooldown durations applied per source.
type DailyLimits struct {
	SoftStopLossInr     float64
	HardStopLossInr     float64
	MaxConsecutiveFails int
	SlippageCooldown    time.Duration
	StrategyCooldown    time.Duration
	CircuitCooldown     time.Duration
}

// Manager is the process-resident mirror of store.RiskState/DailyRisk,
// durable across restart via Hydrate at startup and Persist at shutdown.
// One Manager per running process; the single-active-trade model means
// there's no per-user/per-symbol fan-out to track.
type Manager struct {
	mu sync.RWMutex

	limits DailyLimits
	logger *zap.Logger
	store  *store.Store

	date                string
	kill                bool
	consecutiveFailures int
	openPositions       []store.OpenPosition
	cooldownUntil       map[string]time.Time

	daily store.DailyRisk

	// cooldownCache mirrors cooldownUntil with TTL-based auto-eviction.
	cooldownCache *cache.Cache
}

// New builds a Manager for the given session day in a fresh RUNNING state.
// It does not read the store; Hydrate loads any persisted state.
func New(st *store.Store, logger *zap.Logger, limits DailyLimits, date string) *Manager {
	return &Manager{
		limits:        limits,
		logger:        logger,
		store:         st,
		date:          date,
		cooldownUntil: make(map[string]time.Time),
		cooldownCache: cache.New(30*time.Minute, time.Hour),
		daily:         store.DailyRisk{Date: date, State: store.DailyRunning},
	}
}

// Hydrate loads the persisted RiskState/DailyRisk rows for m.date, restoring
// kill-switch, failure count, open positions and cooldowns after a restart.
func (m *Manager) Hydrate(ctx context.Context) error {
	rs, err := m.store.GetRiskState(ctx, m.date)
	if err != nil {
		return err
	}
	dr, err := m.store.GetDailyRisk(ctx, m.date)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.kill = rs.Kill
	m.consecutiveFailures = rs.ConsecutiveFailures
	m.openPositions = rs.OpenPositions
	m.daily = dr
	for k, ms := range rs.CooldownUntil {
		until := time.UnixMilli(ms)
		m.cooldownUntil[k] = until
		if d := time.Until(until); d > 0 {
			m.cooldownCache.Set(k, until, d)
		}
	}
	return nil
}

// Persist flushes the current in-memory posture to the store. The fx
// module calls it once, on shutdown; mutating operations do not call it.
func (m *Manager) Persist(ctx context.Context) error {
	m.mu.RLock()
	rs := store.RiskState{
		Date:                m.date,
		Kill:                m.kill,
		ConsecutiveFailures: m.consecutiveFailures,
		OpenPositions:       append([]store.OpenPosition(nil), m.openPositions...),
		CooldownUntil:       make(map[string]int64, len(m.cooldownUntil)),
	}
	for k, t := range m.cooldownUntil {
		rs.CooldownUntil[k] = t.UnixMilli()
	}
	dr := m.daily
	m.mu.RUnlock()

	if err := m.store.UpsertRiskState(ctx, rs); err != nil {
		return err
	}
	return m.store.UpsertDailyRisk(ctx, dr)
}

// Kill reports whether the process-wide kill-switch is currently engaged.
func (m *Manager) Kill() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kill
}

// EngageKillSwitch trips the kill-switch. Per the Open Question resolved in
// DESIGN.md, kill is cleared only by explicit admin action — never
// automatically by a later SOFT_STOP reversal.
func (m *Manager) EngageKillSwitch(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kill {
		return
	}
	m.kill = true
	m.daily.Kill = true
	m.daily.StateReason = reason
	m.logger.Warn("kill-switch engaged", zap.String("reason", reason))
}

// ClearKillSwitch is the explicit admin action that lifts the kill-switch.
func (m *Manager) ClearKillSwitch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kill = false
	m.daily.Kill = false
	m.logger.Info("kill-switch cleared by admin action")
}

// RecordEntryFailure bumps the consecutive-failure counter; once it
// reaches MaxConsecutiveFails the kill-switch engages.
func (m *Manager) RecordEntryFailure() {
	m.mu.Lock()
	m.consecutiveFailures++
	n := m.consecutiveFailures
	m.mu.Unlock()
	if n >= m.limits.MaxConsecutiveFails {
		m.EngageKillSwitch("consecutive_entry_failures")
	}
}

// RecordEntrySuccess resets the consecutive-failure counter.
func (m *Manager) RecordEntrySuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures = 0
}

// cooldownKey namespaces a token under a cooldown source so the same token
// can independently cool down for slippage vs circuit-breaker reasons.
func cooldownKey(source, tokenKey string) string { return source + ":" + tokenKey }

// SetCooldown puts tokenKey in cooldown for the configured duration for the
// given source ("slippage", "strategy", "circuit").
func (m *Manager) SetCooldown(source, tokenKey string, dur time.Duration) {
	until := time.Now().Add(dur)
	key := cooldownKey(source, tokenKey)

	m.mu.Lock()
	m.cooldownUntil[key] = until
	m.mu.Unlock()

	m.cooldownCache.Set(key, until, dur)
	m.logger.Info("cooldown engaged", zap.String("source", source), zap.String("token", tokenKey), zap.Duration("for", dur))
}

// InCooldown reports whether tokenKey is presently cooling down for source.
func (m *Manager) InCooldown(source, tokenKey string) bool {
	key := cooldownKey(source, tokenKey)
	if v, ok := m.cooldownCache.Get(key); ok {
		return time.Now().Before(v.(time.Time))
	}
	m.mu.RLock()
	until, ok := m.cooldownUntil[key]
	m.mu.RUnlock()
	return ok && time.Now().Before(until)
}

// AnyCooldownActive reports whether tokenKey is cooling down for any of
// the three named sources, used as an entry gate before a new trade opens.
func (m *Manager) AnyCooldownActive(tokenKey string) bool {
	return m.InCooldown("slippage", tokenKey) || m.InCooldown("strategy", tokenKey) || m.InCooldown("circuit", tokenKey)
}

// RegisterOpenPosition adds tradeID/token to the open-position registry
// used by the reconciler to cross-check broker vs internal state.
func (m *Manager) RegisterOpenPosition(p store.OpenPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.openPositions {
		if existing.TradeID == p.TradeID {
			m.openPositions[i] = p
			return
		}
	}
	m.openPositions = append(m.openPositions, p)
}

// ClearOpenPosition removes tradeID from the open-position registry once
// its trade reaches a terminal status.
func (m *Manager) ClearOpenPosition(tradeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.openPositions[:0]
	for _, p := range m.openPositions {
		if p.TradeID != tradeID {
			out = append(out, p)
		}
	}
	m.openPositions = out
}

// OpenPositions returns a snapshot of the open-position registry.
func (m *Manager) OpenPositions() []store.OpenPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]store.OpenPosition(nil), m.openPositions...)
}

// ApplyRealizedPnl folds a closed trade's realized P&L into the day ledger
// and recomputes DailyState per the SOFT_STOP/HARD_STOP thresholds.
func (m *Manager) ApplyRealizedPnl(tradeID string, realizedInr float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.daily.RealizedPnl += realizedInr
	m.daily.OrdersPlaced++
	m.daily.LastTradeID = tradeID
	total := m.daily.RealizedPnl + m.daily.LastOpenPnl
	m.daily.LastTotal = total

	switch {
	case total <= -m.limits.HardStopLossInr:
		m.daily.State = store.DailyHardStop
		m.daily.StateReason = "daily_hard_stop_loss"
		m.kill = true
		m.daily.Kill = true
		m.logger.Warn("daily hard stop engaged", zap.Float64("total_pnl", total))
	case total <= -m.limits.SoftStopLossInr:
		m.daily.State = store.DailySoftStop
		m.daily.StateReason = "daily_soft_stop_loss"
		m.logger.Warn("daily soft stop engaged", zap.Float64("total_pnl", total))
	}
}

// UpdateOpenPnl folds the current mark-to-market P&L of the active trade
// into DailyRisk.lastOpenPnl without touching RealizedPnl.
func (m *Manager) UpdateOpenPnl(openPnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily.LastOpenPnl = openPnl
	m.daily.LastTotal = m.daily.RealizedPnl + openPnl
}

// DailyState returns the current coarse risk posture.
func (m *Manager) DailyState() store.DailyState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.daily.State
}

// CanEnterNewTrade is the composite entry gate: trading must not be
// killed, the token must not be in any cooldown, and the daily state must
// not be HARD_STOP or SOFT_STOP.
func (m *Manager) CanEnterNewTrade(tokenKey string) (bool, string) {
	if m.Kill() {
		return false, "kill_switch_engaged"
	}
	if m.AnyCooldownActive(tokenKey) {
		return false, "token_in_cooldown"
	}
	switch m.DailyState() {
	case store.DailyHardStop:
		return false, "daily_hard_stop"
	case store.DailySoftStop:
		return false, "daily_soft_stop"
	}
	return true, ""
}

// DoubleFillHalt engages the kill-switch and records the reason for a
// detected OCO double-fill or position-sign mismatch. It raises no halt
// beyond the kill-switch, which blocks new entries only; other order
// placement is not blocked.
func (m *Manager) DoubleFillHalt(reason string) {
	m.EngageKillSwitch(reason)
}
