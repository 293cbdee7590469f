package services

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capacity-system/config"
	"capacity-system/models"
)

func setupProcessor() (*QueueProcessor, redismock.ClientMock, *stubNotifier) {
	db, mock := redismock.NewClientMock()
	audit := &stubAudit{}
	notifier := &stubNotifier{}
	plans := &stubPlans{plans: map[string]*models.PlanConfig{
		"basico": {PlanType: "basico", Weight: 10, EstimatedDeliveryDays: 7, IsActive: true},
	}}
	cfg := &config.Config{
		QueueEntryTTL:     168 * time.Hour,
		ProcessorInterval: 5 * time.Minute,
	}

	capacity := NewCapacityService(db, plans, audit)
	capacity.now = func() time.Time { return testNow }

	queue := NewQueueService(db, plans, notifier, cfg)
	queue.now = func() time.Time { return testNow }

	processor := NewQueueProcessor(capacity, queue, plans, notifier, cfg)
	return processor, mock, notifier
}

func expectPromotion(t *testing.T, mock redismock.ClientMock, entry *models.QueueEntry, prev, next int) {
	t.Helper()

	updated := *entry
	updated.Status = models.StatusNotified
	updated.NotificationSent = true

	mock.ExpectZRange("wq:waiting:basico", 0, 0).SetVal([]string{entry.ID})
	mock.ExpectGet("wq:entry:" + entry.ID).SetVal(string(mustJSON(t, entry)))
	mock.ExpectEval(reserveStockScript,
		[]string{"capacity:state", "capacity:orders"},
		"wq-"+entry.ID, 10, testNow.Unix(),
	).SetVal([]interface{}{int64(1), int64(prev), int64(next), "reserved"})
	mock.ExpectGet("wq:entry:" + entry.ID).SetVal(string(mustJSON(t, entry)))
	mock.ExpectSet("wq:entry:"+entry.ID, mustJSON(t, &updated), 0).SetVal("OK")
	mock.ExpectZRem("wq:waiting:basico", entry.ID).SetVal(1)
	mock.ExpectZAdd("wq:notified:basico", redis.Z{
		Score:  float64(entry.RequestedAt.UnixNano()),
		Member: entry.ID,
	}).SetVal(1)
}

func TestQueueProcessor_PromotesUntilCapacityRunsOut(t *testing.T) {
	processor, mock, notifier := setupProcessor()
	defer mock.ClearExpect()

	first := waitingEntry("E1", "user-1")
	second := waitingEntry("E2", "user-2")

	expectPromotion(t, mock, first, 70, 80)

	// second head no longer fits
	mock.ExpectZRange("wq:waiting:basico", 0, 0).SetVal([]string{second.ID})
	mock.ExpectGet("wq:entry:E2").SetVal(string(mustJSON(t, second)))
	mock.ExpectEval(reserveStockScript,
		[]string{"capacity:state", "capacity:orders"},
		"wq-E2", 10, testNow.Unix(),
	).SetVal([]interface{}{int64(-2), int64(95), int64(100), "capacity_exceeded"})

	promoted, err := processor.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	require.Len(t, notifier.promotions, 1)
	assert.Equal(t, "E1", notifier.promotions[0].ID)
	assert.Equal(t, models.StatusNotified, notifier.promotions[0].Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueProcessor_HaltsWhenNotAccepting(t *testing.T) {
	processor, mock, notifier := setupProcessor()
	defer mock.ClearExpect()

	entry := waitingEntry("E1", "user-1")

	mock.ExpectZRange("wq:waiting:basico", 0, 0).SetVal([]string{entry.ID})
	mock.ExpectGet("wq:entry:E1").SetVal(string(mustJSON(t, entry)))
	mock.ExpectEval(reserveStockScript,
		[]string{"capacity:state", "capacity:orders"},
		"wq-E1", 10, testNow.Unix(),
	).SetVal([]interface{}{int64(-1), int64(0), int64(0), "not_accepting"})

	promoted, err := processor.Run(context.Background())

	require.NoError(t, err)
	assert.Zero(t, promoted)
	assert.Empty(t, notifier.promotions)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueProcessor_EmptyQueue(t *testing.T) {
	processor, mock, notifier := setupProcessor()
	defer mock.ClearExpect()

	mock.ExpectZRange("wq:waiting:basico", 0, 0).SetVal([]string{})

	promoted, err := processor.Run(context.Background())

	require.NoError(t, err)
	assert.Zero(t, promoted)
	assert.Empty(t, notifier.promotions)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueProcessor_CollapsesConcurrentRuns(t *testing.T) {
	processor, mock, _ := setupProcessor()
	defer mock.ClearExpect()

	processor.running.Store(true)

	promoted, err := processor.Run(context.Background())

	require.NoError(t, err)
	assert.Zero(t, promoted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
