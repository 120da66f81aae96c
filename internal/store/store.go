package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/hemanthHemu33/algoscalper-core/internal/statemachine"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrTransitionRejected is returned by UpdateTrade when the patch's Status
// field names an edge the state machine does not allow.
var ErrTransitionRejected = errors.New("state transition rejected")

// OrphanTTL is the retention window for the orphan_order_updates
// collection. Postgres has no native TTL index, so expiry is enforced by
// the periodic SweepExpiredOrphans sweep instead.
const OrphanTTL = 6 * time.Hour

// MaxOrphanRetries bounds how many times an orphan postback is replayed
// before it is dead-lettered.
const MaxOrphanRetries = 5

// Store is the trade persistence layer, backed by gorm/postgres.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New builds a Store over an already-connected gorm DB.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// EnsureIndexes auto-migrates the gorm models and adds the composite
// indexes the query patterns require.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(
		&TradeModel{}, &OrderLinkModel{}, &OrphanOrderUpdateModel{},
		&OrphanOrderUpdateDLQModel{}, &OrderLogModel{}, &LiveOrderSnapshotModel{},
		&DailyRiskModel{}, &RiskStateModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	type indexSpec struct {
		table, name, columns string
	}
	indexes := []indexSpec{
		{"trades", "idx_trades_status_updated", "status, updated_at desc"},
		{"order_links", "idx_order_links_trade", "trade_id"},
		{"orphan_order_updates", "idx_orphan_order_id_created", "order_id, created_at"},
		{"orphan_order_updates_dlq", "idx_orphan_dlq_order_id_deadlettered", "order_id, dead_lettered_at desc"},
		{"order_logs", "idx_order_logs_order_created", "order_id, created_at desc"},
		{"order_logs", "idx_order_logs_trade_created", "trade_id, created_at desc"},
	}
	for _, idx := range indexes {
		if db.Migrator().HasIndex(idx.table, idx.name) {
			continue
		}
		stmt := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", idx.name, idx.table, idx.columns)
		if err := db.Exec(stmt).Error; err != nil {
			s.logger.Warn("failed to create index", zap.String("index", idx.name), zap.Error(err))
		}
	}
	return nil
}

// InsertTrade inserts a brand new trade, normally at status=ENTRY_PLACED.
func (s *Store) InsertTrade(ctx context.Context, t *Trade) error {
	m, err := ToModel(t)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		s.logger.Error("insert trade failed", zap.String("trade_id", t.TradeID), zap.Error(err))
		return err
	}
	return nil
}

// TradePatch is a partial update applied to a Trade. Status, when set, is
// validated through the state machine before the rest of the patch is
// applied: persisted status may only transition along edges the state
// machine defines.
type TradePatch struct {
	Status *statemachine.Status
	Fields map[string]interface{}
}

// UpdateTrade applies patch to the trade identified by tradeID. If
// patch.Status names a status, the transition from the currently persisted
// status must be legal or the whole update is rejected.
func (s *Store) UpdateTrade(ctx context.Context, tradeID string, patch TradePatch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m TradeModel
		if err := tx.Set("gorm:query_option", "FOR UPDATE").First(&m, "trade_id = ?", tradeID).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{}
		for k, v := range patch.Fields {
			updates[k] = v
		}

		if patch.Status != nil {
			from := statemachine.Status(m.Status)
			to := *patch.Status
			if from == statemachine.StatusEntryFilled || from == statemachine.StatusRecoveryRehydrated {
				if to == statemachine.StatusEntryFilled && statemachine.IsStaleEntryFilled(from) {
					s.logger.Info("dropping stale ENTRY_FILLED postback", zap.String("trade_id", tradeID))
					return nil
				}
			}
			if !statemachine.CanTransition(from, to) {
				s.logger.Warn("rejected trade state transition",
					zap.String("trade_id", tradeID), zap.String("from", string(from)), zap.String("to", string(to)))
				return ErrTransitionRejected
			}
			updates["status"] = string(to)
			if to == statemachine.StatusClosed {
				updates["closed_at"] = time.Now()
			}
		}

		if len(updates) == 0 {
			return nil
		}
		updates["updated_at"] = time.Now()
		return tx.Model(&TradeModel{}).Where("trade_id = ?", tradeID).Updates(updates).Error
	})
}

// GetTrade fetches a single trade by id.
func (s *Store) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	var m TradeModel
	if err := s.db.WithContext(ctx).First(&m, "trade_id = ?", tradeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return FromModel(&m)
}

// GetActiveTrades returns every trade whose Status is non-terminal —
// at most one under the single-active-trade invariant, but the reconciler
// asks for all of them defensively.
func (s *Store) GetActiveTrades(ctx context.Context) ([]*Trade, error) {
	terminal := []string{
		string(statemachine.StatusEntryFailed), string(statemachine.StatusExitedTarget),
		string(statemachine.StatusExitedSL), string(statemachine.StatusClosed),
	}
	var rows []TradeModel
	if err := s.db.WithContext(ctx).Where("status NOT IN ?", terminal).Order("updated_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Trade, 0, len(rows))
	for i := range rows {
		t, err := FromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// LinkOrder records that orderID belongs to (tradeID, role). Unique by
// orderID — a second link for the same orderID is a programmer error.
func (s *Store) LinkOrder(ctx context.Context, orderID, tradeID string, role broker.Role) error {
	return s.db.WithContext(ctx).Create(&OrderLinkModel{
		OrderID: orderID, TradeID: tradeID, Role: string(role), CreatedAt: time.Now(),
	}).Error
}

// FindTradeByOrder resolves an orderID to its OrderLink, if any.
func (s *Store) FindTradeByOrder(ctx context.Context, orderID string) (*OrderLink, error) {
	var m OrderLinkModel
	if err := s.db.WithContext(ctx).First(&m, "order_id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &OrderLink{OrderID: m.OrderID, TradeID: m.TradeID, Role: broker.Role(m.Role)}, nil
}

// SaveOrphanOrderUpdate queues a postback whose OrderLink hasn't appeared
// yet.
func (s *Store) SaveOrphanOrderUpdate(ctx context.Context, orderID string, order broker.Order) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&OrphanOrderUpdateModel{
		OrderID: orderID, PayloadJSON: string(payload), CreatedAt: time.Now(),
	}).Error
}

// PopOrphanOrderUpdates drains queued orphans for orderID now that its link
// exists: it returns them oldest first, with their stored retry counts
// unchanged, and deletes them from the queue. RequeueOrphan is what
// increments a retry count.
func (s *Store) PopOrphanOrderUpdates(ctx context.Context, orderID string) ([]OrphanOrderUpdate, error) {
	var rows []OrphanOrderUpdateModel
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]OrphanOrderUpdate, 0, len(rows))
	for _, r := range rows {
		var o broker.Order
		if err := json.Unmarshal([]byte(r.PayloadJSON), &o); err != nil {
			continue
		}
		out = append(out, OrphanOrderUpdate{OrderID: r.OrderID, Order: o, CreatedAt: r.CreatedAt, Retries: r.Retries})
	}
	if len(rows) > 0 {
		if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Delete(&OrphanOrderUpdateModel{}).Error; err != nil {
			return out, err
		}
	}
	return out, nil
}

// RequeueOrphan re-inserts an orphan with its retry counter incremented, or
// dead-letters it once MaxOrphanRetries is exceeded. Every orphan postback
// is either replayed or dead-lettered; none are silently dropped.
func (s *Store) RequeueOrphan(ctx context.Context, o OrphanOrderUpdate) error {
	if o.Retries+1 > MaxOrphanRetries {
		return s.DeadLetter(ctx, o)
	}
	payload, err := json.Marshal(o.Order)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&OrphanOrderUpdateModel{
		OrderID: o.OrderID, PayloadJSON: string(payload), Retries: o.Retries + 1, CreatedAt: o.CreatedAt,
	}).Error
}

// DeadLetter moves an orphan postback to the DLQ collection.
func (s *Store) DeadLetter(ctx context.Context, o OrphanOrderUpdate) error {
	payload, err := json.Marshal(o.Order)
	if err != nil {
		return err
	}
	s.logger.Warn("dead-lettering orphan postback", zap.String("order_id", o.OrderID), zap.Int("retries", o.Retries))
	return s.db.WithContext(ctx).Create(&OrphanOrderUpdateDLQModel{
		OrderID: o.OrderID, PayloadJSON: string(payload), DeadLetteredAt: time.Now(),
	}).Error
}

// SweepExpiredOrphans dead-letters any orphan postback older than
// OrphanTTL — the Postgres substitute for a native TTL index.
func (s *Store) SweepExpiredOrphans(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-OrphanTTL)
	var rows []OrphanOrderUpdateModel
	if err := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Find(&rows).Error; err != nil {
		return 0, err
	}
	for _, r := range rows {
		var o broker.Order
		_ = json.Unmarshal([]byte(r.PayloadJSON), &o)
		if err := s.DeadLetter(ctx, OrphanOrderUpdate{OrderID: r.OrderID, Order: o, CreatedAt: r.CreatedAt, Retries: r.Retries}); err != nil {
			return 0, err
		}
	}
	if len(rows) > 0 {
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.OrderID)
		}
		if err := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&OrphanOrderUpdateModel{}).Error; err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

// AppendOrderLog appends one row to the append-only order_logs collection.
func (s *Store) AppendOrderLog(ctx context.Context, e OrderLogEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&OrderLogModel{
		OrderID: e.OrderID, TradeID: e.TradeID, Role: string(e.Role), Status: string(e.Status),
		PayloadJSON: string(payload), CreatedAt: e.CreatedAt,
	}).Error
}

// UpsertLiveOrderSnapshot records the latest known broker state for one
// order under a trade's snapshot row.
func (s *Store) UpsertLiveOrderSnapshot(ctx context.Context, tradeID, orderID string, entry SnapshotEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m LiveOrderSnapshotModel
		err := tx.First(&m, "trade_id = ?", tradeID).Error
		byOrder := map[string]SnapshotEntry{}
		if err == nil {
			_ = json.Unmarshal([]byte(m.ByOrderJSON), &byOrder)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		byOrder[orderID] = entry
		blob, merr := json.Marshal(byOrder)
		if merr != nil {
			return merr
		}
		m.TradeID = tradeID
		m.ByOrderJSON = string(blob)
		m.UpdatedAt = time.Now()
		return tx.Save(&m).Error
	})
}

// GetLiveOrderSnapshotsByTradeIds hydrates the last-known broker state for
// a set of trades, used on restart.
func (s *Store) GetLiveOrderSnapshotsByTradeIds(ctx context.Context, tradeIDs []string) (map[string]LiveOrderSnapshot, error) {
	var rows []LiveOrderSnapshotModel
	if err := s.db.WithContext(ctx).Where("trade_id IN ?", tradeIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]LiveOrderSnapshot, len(rows))
	for _, r := range rows {
		byOrder := map[string]SnapshotEntry{}
		_ = json.Unmarshal([]byte(r.ByOrderJSON), &byOrder)
		out[r.TradeID] = LiveOrderSnapshot{TradeID: r.TradeID, ByOrder: byOrder}
	}
	return out, nil
}

// UpsertDailyRisk writes the per-day risk ledger row.
func (s *Store) UpsertDailyRisk(ctx context.Context, d DailyRisk) error {
	m := DailyRiskModel{
		Date: d.Date, RealizedPnl: d.RealizedPnl, LastOpenPnl: d.LastOpenPnl, LastTotal: d.LastTotal,
		State: string(d.State), StateReason: d.StateReason, Kill: d.Kill, OrdersPlaced: d.OrdersPlaced,
		LastTradeID: d.LastTradeID, UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Save(&m).Error
}

// GetDailyRisk reads the per-day risk ledger row, returning a zero-value
// RUNNING row if the day hasn't been seen yet.
func (s *Store) GetDailyRisk(ctx context.Context, date string) (DailyRisk, error) {
	var m DailyRiskModel
	if err := s.db.WithContext(ctx).First(&m, "date = ?", date).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DailyRisk{Date: date, State: DailyRunning}, nil
		}
		return DailyRisk{}, err
	}
	return DailyRisk{
		Date: m.Date, RealizedPnl: m.RealizedPnl, LastOpenPnl: m.LastOpenPnl, LastTotal: m.LastTotal,
		State: DailyState(m.State), StateReason: m.StateReason, Kill: m.Kill, OrdersPlaced: m.OrdersPlaced,
		LastTradeID: m.LastTradeID,
	}, nil
}

// UpsertRiskState writes the per-day risk-state mirror row.
func (s *Store) UpsertRiskState(ctx context.Context, r RiskState) error {
	openJSON, err := json.Marshal(r.OpenPositions)
	if err != nil {
		return err
	}
	cooldownJSON, err := json.Marshal(r.CooldownUntil)
	if err != nil {
		return err
	}
	m := RiskStateModel{
		Date: r.Date, Kill: r.Kill, ConsecutiveFailures: r.ConsecutiveFailures,
		OpenPositionsJSON: string(openJSON), CooldownUntilJSON: string(cooldownJSON), UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Save(&m).Error
}

// GetRiskState reads the per-day risk-state mirror row.
func (s *Store) GetRiskState(ctx context.Context, date string) (RiskState, error) {
	var m RiskStateModel
	if err := s.db.WithContext(ctx).First(&m, "date = ?", date).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RiskState{Date: date, CooldownUntil: map[string]int64{}}, nil
		}
		return RiskState{}, err
	}
	var openPositions []OpenPosition
	_ = json.Unmarshal([]byte(m.OpenPositionsJSON), &openPositions)
	cooldown := map[string]int64{}
	_ = json.Unmarshal([]byte(m.CooldownUntilJSON), &cooldown)
	return RiskState{
		Date: m.Date, Kill: m.Kill, ConsecutiveFailures: m.ConsecutiveFailures,
		OpenPositions: openPositions, CooldownUntil: cooldown,
	}, nil
}

// CountOrdersPlacedToday is a convenience used by ratelimit.WithDayCounter.
func (s *Store) CountOrdersPlacedToday(ctx context.Context, date string) (int, error) {
	d, err := s.GetDailyRisk(ctx, date)
	if err != nil {
		return 0, err
	}
	return d.OrdersPlaced, nil
}
