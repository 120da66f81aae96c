package store

import (
	"context"
	"testing"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	s := New(db, zap.NewNop())
	require.NoError(t, s.EnsureIndexes(context.Background()))
	return s
}

// TestOrphanPostbackIsPoppedOnceThenGone exercises the replay half of
// testable property #5: a queued orphan postback is returned once by
// PopOrphanOrderUpdates and then removed from the queue. The dead-letter
// half is covered by TestOrphanExceedingRetriesIsDeadLettered.
func TestOrphanPostbackIsPoppedOnceThenGone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	order := broker.Order{OrderID: "ORD1", Status: broker.StatusComplete}
	require.NoError(t, s.SaveOrphanOrderUpdate(ctx, "ORD1", order))

	popped, err := s.PopOrphanOrderUpdates(ctx, "ORD1")
	require.NoError(t, err)
	require.Len(t, popped, 1)
	require.Equal(t, "ORD1", popped[0].OrderID)

	again, err := s.PopOrphanOrderUpdates(ctx, "ORD1")
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestOrphanExceedingRetriesIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	o := OrphanOrderUpdate{OrderID: "ORD2", Order: broker.Order{OrderID: "ORD2"}, CreatedAt: time.Now(), Retries: MaxOrphanRetries}
	require.NoError(t, s.RequeueOrphan(ctx, o))

	var dlqCount int64
	require.NoError(t, s.db.Model(&OrphanOrderUpdateDLQModel{}).Where("order_id = ?", "ORD2").Count(&dlqCount).Error)
	require.Equal(t, int64(1), dlqCount)

	popped, err := s.PopOrphanOrderUpdates(ctx, "ORD2")
	require.NoError(t, err)
	require.Empty(t, popped)
}

func TestSweepExpiredOrphansDeadLettersStaleRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stale := OrphanOrderUpdateModel{OrderID: "ORD3", PayloadJSON: `{"order_id":"ORD3"}`, CreatedAt: time.Now().Add(-OrphanTTL - time.Hour)}
	require.NoError(t, s.db.Create(&stale).Error)

	n, err := s.SweepExpiredOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var remaining int64
	require.NoError(t, s.db.Model(&OrphanOrderUpdateModel{}).Where("order_id = ?", "ORD3").Count(&remaining).Error)
	require.Equal(t, int64(0), remaining)
}
