package services

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capacity-system/config"
	"capacity-system/models"
)

func setupMetricsService() (*MetricsService, redismock.ClientMock, *stubAudit) {
	db, mock := redismock.NewClientMock()
	audit := &stubAudit{}
	notifier := &stubNotifier{}
	plans := defaultTestPlans()
	cfg := &config.Config{QueueEntryTTL: 168 * time.Hour}

	capacity := NewCapacityService(db, plans, audit)
	capacity.now = func() time.Time { return testNow }

	queue := NewQueueService(db, plans, notifier, cfg)
	queue.now = func() time.Time { return testNow }

	return NewMetricsService(capacity, queue, plans, audit), mock, audit
}

func expectStateHash(mock redismock.ClientMock, load int) {
	mock.ExpectHGetAll("capacity:state").SetVal(map[string]string{
		"current_load":       strconv.Itoa(load),
		"max_capacity":       "100",
		"warning_threshold":  "80",
		"critical_threshold": "95",
		"is_accepting":       "1",
		"notes":              "",
		"last_updated":       "1748779200",
	})
}

func TestMetricsService_Snapshot(t *testing.T) {
	service, mock, audit := setupMetricsService()
	defer mock.ClearExpect()

	audit.entries = []models.AuditEntry{{Action: "reserve", PlanType: "basico"}}

	expectStateHash(mock, 70)
	mock.ExpectZCard("wq:waiting:basico").SetVal(4)
	mock.ExpectZCard("wq:notified:basico").SetVal(1)
	mock.ExpectZCard("wq:waiting:premium").SetVal(2)
	mock.ExpectZCard("wq:notified:premium").SetVal(0)

	snap, err := service.Snapshot(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 70, snap.State.CurrentLoad)
	assert.Equal(t, models.LevelOK, snap.Level)
	assert.True(t, snap.UtilizationPct.Equal(decimal.NewFromInt(70)))

	// 30 free units: three more basico orders, one more premium
	assert.Equal(t, map[string]int{"basico": 3, "premium": 1}, snap.Remaining)

	assert.Equal(t, map[string]int64{"basico": 4, "premium": 2}, snap.Waiting)
	assert.Equal(t, map[string]int64{"basico": 1, "premium": 0}, snap.Notified)
	require.Len(t, snap.RecentAudit, 1)
	assert.Equal(t, "reserve", snap.RecentAudit[0].Action)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsService_Snapshot_FullLoadLeavesNoRemaining(t *testing.T) {
	service, mock, _ := setupMetricsService()
	defer mock.ClearExpect()

	expectStateHash(mock, 100)
	mock.ExpectZCard("wq:waiting:basico").SetVal(0)
	mock.ExpectZCard("wq:notified:basico").SetVal(0)
	mock.ExpectZCard("wq:waiting:premium").SetVal(0)
	mock.ExpectZCard("wq:notified:premium").SetVal(0)

	snap, err := service.Snapshot(context.Background())

	require.NoError(t, err)
	assert.Equal(t, models.LevelCritical, snap.Level)
	assert.Equal(t, map[string]int{"basico": 0, "premium": 0}, snap.Remaining)

	assert.NoError(t, mock.ExpectationsWereMet())
}
