package services

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capacity-system/internal/status"
	"capacity-system/models"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubPlans struct {
	plans map[string]*models.PlanConfig
}

func (s *stubPlans) Get(ctx context.Context, planType string) (*models.PlanConfig, error) {
	plan, ok := s.plans[planType]
	if !ok {
		return nil, status.ErrPlanNotFound
	}
	return plan, nil
}

func (s *stubPlans) ActivePlans(ctx context.Context) ([]models.PlanConfig, error) {
	out := []models.PlanConfig{}
	for _, plan := range s.plans {
		if plan.IsActive {
			out = append(out, *plan)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanType < out[j].PlanType })
	return out, nil
}

type stubAudit struct {
	entries []models.AuditEntry
}

func (s *stubAudit) Record(ctx context.Context, entry *models.AuditEntry) error {
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *stubAudit) Recent(ctx context.Context, n int) ([]models.AuditEntry, error) {
	if len(s.entries) > n {
		return s.entries[len(s.entries)-n:], nil
	}
	return s.entries, nil
}

type stubNotifier struct {
	promotions []*models.QueueEntry
	positions  []int
	removed    []string
}

func (s *stubNotifier) NotifyPromotion(entry *models.QueueEntry) {
	s.promotions = append(s.promotions, entry)
}

func (s *stubNotifier) NotifyPosition(userID, planType string, position int) {
	s.positions = append(s.positions, position)
}

func (s *stubNotifier) NotifyRemoved(userID, planType, reason string) {
	s.removed = append(s.removed, userID)
}

func defaultTestPlans() *stubPlans {
	return &stubPlans{plans: map[string]*models.PlanConfig{
		"basico":  {PlanType: "basico", Weight: 10, EstimatedDeliveryDays: 7, IsActive: true},
		"premium": {PlanType: "premium", Weight: 30, EstimatedDeliveryDays: 14, IsActive: true},
		"legacy":  {PlanType: "legacy", Weight: 10, EstimatedDeliveryDays: 7, IsActive: false},
	}}
}

func setupCapacityService() (*CapacityService, redismock.ClientMock, *stubAudit) {
	db, mock := redismock.NewClientMock()
	audit := &stubAudit{}

	service := NewCapacityService(db, defaultTestPlans(), audit)
	service.now = func() time.Time { return testNow }

	return service, mock, audit
}

func TestCapacityService_Reserve_Success(t *testing.T) {
	service, mock, audit := setupCapacityService()
	defer mock.ClearExpect()

	mock.ExpectEval(reserveStockScript,
		[]string{"capacity:state", "capacity:orders"},
		"ord-1", 10, testNow.Unix(),
	).SetVal([]interface{}{int64(1), int64(40), int64(50), "reserved"})

	reservation, err := service.Reserve(context.Background(), "basico", "ord-1", "user-1")

	require.NoError(t, err)
	assert.Equal(t, "ord-1", reservation.OrderID)
	assert.Equal(t, 10, reservation.ReservedWeight)
	assert.False(t, reservation.AlreadyReserved)
	assert.Equal(t, testNow.AddDate(0, 0, 7), reservation.EstimatedDelivery)

	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, models.AuditReserve, entry.Action)
	assert.Equal(t, 10, entry.WeightChange)
	assert.Equal(t, 40, entry.PreviousLoad)
	assert.Equal(t, 50, entry.NewLoad)
	assert.True(t, entry.Consistent())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapacityService_Reserve_Idempotent(t *testing.T) {
	service, mock, audit := setupCapacityService()
	defer mock.ClearExpect()

	mock.ExpectEval(reserveStockScript,
		[]string{"capacity:state", "capacity:orders"},
		"ord-1", 10, testNow.Unix(),
	).SetVal([]interface{}{int64(0), int64(10), int64(50), "duplicate_order"})

	reservation, err := service.Reserve(context.Background(), "basico", "ord-1", "user-1")

	require.NoError(t, err)
	assert.True(t, reservation.AlreadyReserved)
	assert.Equal(t, 10, reservation.ReservedWeight)
	assert.Empty(t, audit.entries, "a retried reserve must not double-count")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapacityService_Reserve_CapacityExceeded(t *testing.T) {
	service, mock, audit := setupCapacityService()
	defer mock.ClearExpect()

	mock.ExpectEval(reserveStockScript,
		[]string{"capacity:state", "capacity:orders"},
		"ord-2", 30, testNow.Unix(),
	).SetVal([]interface{}{int64(-2), int64(80), int64(100), "capacity_exceeded"})

	_, err := service.Reserve(context.Background(), "premium", "ord-2", "user-1")

	assert.ErrorIs(t, err, status.ErrCapacityExceeded)
	assert.Empty(t, audit.entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapacityService_Reserve_NotAccepting(t *testing.T) {
	service, mock, _ := setupCapacityService()
	defer mock.ClearExpect()

	mock.ExpectEval(reserveStockScript,
		[]string{"capacity:state", "capacity:orders"},
		"ord-3", 10, testNow.Unix(),
	).SetVal([]interface{}{int64(-1), int64(0), int64(0), "not_accepting"})

	_, err := service.Reserve(context.Background(), "basico", "ord-3", "user-1")

	assert.ErrorIs(t, err, status.ErrNotAcceptingOrders)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapacityService_Reserve_MalformedScriptReply(t *testing.T) {
	service, mock, audit := setupCapacityService()
	defer mock.ClearExpect()

	// A truncated reply must never pass for the duplicate-order outcome.
	mock.ExpectEval(reserveStockScript,
		[]string{"capacity:state", "capacity:orders"},
		"ord-5", 10, testNow.Unix(),
	).SetVal([]interface{}{"garbage"})

	reservation, err := service.Reserve(context.Background(), "basico", "ord-5", "user-1")

	assert.ErrorIs(t, err, status.ErrPersistence)
	assert.Nil(t, reservation)
	assert.Empty(t, audit.entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapacityService_Release_MalformedScriptReply(t *testing.T) {
	service, mock, audit := setupCapacityService()
	defer mock.ClearExpect()

	mock.ExpectEval(releaseStockScript,
		[]string{"capacity:state", "capacity:orders"},
		"ord-5", testNow.Unix(),
	).SetVal([]interface{}{int64(1), "x", int64(40)})

	result, err := service.Release(context.Background(), "basico", "ord-5", "", "order cancelled")

	assert.ErrorIs(t, err, status.ErrPersistence)
	assert.Nil(t, result)
	assert.Empty(t, audit.entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapacityService_Reserve_InactivePlan(t *testing.T) {
	service, _, _ := setupCapacityService()

	_, err := service.Reserve(context.Background(), "legacy", "ord-4", "user-1")
	assert.ErrorIs(t, err, status.ErrPlanInactive)

	_, err = service.Reserve(context.Background(), "unknown", "ord-4", "user-1")
	assert.ErrorIs(t, err, status.ErrPlanNotFound)

	_, err = service.Reserve(context.Background(), "basico", "", "user-1")
	assert.ErrorIs(t, err, status.ErrValidation)
}

func TestCapacityService_Release_Success_TriggersHook(t *testing.T) {
	service, mock, audit := setupCapacityService()
	defer mock.ClearExpect()

	hookFired := make(chan struct{}, 1)
	service.SetReleaseHook(func(ctx context.Context) {
		hookFired <- struct{}{}
	})

	mock.ExpectEval(releaseStockScript,
		[]string{"capacity:state", "capacity:orders"},
		"ord-1", testNow.Unix(),
	).SetVal([]interface{}{int64(1), int64(50), int64(40), "released"})

	result, err := service.Release(context.Background(), "basico", "ord-1", "", "order cancelled")

	require.NoError(t, err)
	assert.Equal(t, 10, result.WeightReleased)
	assert.False(t, result.AlreadyReleased)

	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, models.AuditRelease, entry.Action)
	assert.Equal(t, -10, entry.WeightChange)
	assert.True(t, entry.Consistent())

	select {
	case <-hookFired:
	case <-time.After(time.Second):
		t.Fatal("release hook was not invoked")
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapacityService_Release_Idempotent(t *testing.T) {
	service, mock, audit := setupCapacityService()
	defer mock.ClearExpect()

	hookFired := make(chan struct{}, 1)
	service.SetReleaseHook(func(ctx context.Context) {
		hookFired <- struct{}{}
	})

	mock.ExpectEval(releaseStockScript,
		[]string{"capacity:state", "capacity:orders"},
		"ord-1", testNow.Unix(),
	).SetVal([]interface{}{int64(0), int64(40), int64(40), "already_released"})

	result, err := service.Release(context.Background(), "basico", "ord-1", "", "retry")

	require.NoError(t, err)
	assert.True(t, result.AlreadyReleased)
	assert.Zero(t, result.WeightReleased)
	assert.Empty(t, audit.entries)

	select {
	case <-hookFired:
		t.Fatal("idempotent release must not re-trigger queue processing")
	case <-time.After(100 * time.Millisecond):
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapacityService_Release_FlooredAtZero(t *testing.T) {
	service, mock, audit := setupCapacityService()
	defer mock.ClearExpect()

	mock.ExpectEval(releaseStockScript,
		[]string{"capacity:state", "capacity:orders"},
		"ord-9", testNow.Unix(),
	).SetVal([]interface{}{int64(2), int64(5), int64(0), "released"})

	result, err := service.Release(context.Background(), "basico", "ord-9", "", "cleanup")

	require.NoError(t, err)
	assert.Equal(t, 5, result.WeightReleased)

	require.Len(t, audit.entries, 1)
	assert.Contains(t, audit.entries[0].Reason, "floored at zero")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapacityService_CheckAvailability(t *testing.T) {
	service, mock, _ := setupCapacityService()
	defer mock.ClearExpect()

	stateHash := map[string]string{
		"current_load":       "95",
		"max_capacity":       "100",
		"warning_threshold":  "70",
		"critical_threshold": "90",
		"is_accepting":       "1",
		"last_updated":       "1750000000",
	}

	// basico (weight 10) no longer fits at load 95/100
	mock.ExpectHGetAll("capacity:state").SetVal(stateHash)
	availability, err := service.CheckAvailability(context.Background(), "basico")
	require.NoError(t, err)
	assert.False(t, availability.Available)
	assert.Equal(t, models.ReasonCapacityExceeded, availability.Reason)

	// but an exact fit is allowed
	stateHash["current_load"] = "90"
	mock.ExpectHGetAll("capacity:state").SetVal(stateHash)
	availability, err = service.CheckAvailability(context.Background(), "basico")
	require.NoError(t, err)
	assert.True(t, availability.Available)
	assert.Empty(t, availability.Reason)
	assert.Equal(t, 7, availability.EstimatedDeliveryDays)

	// kill-switch beats everything
	stateHash["is_accepting"] = "0"
	mock.ExpectHGetAll("capacity:state").SetVal(stateHash)
	availability, err = service.CheckAvailability(context.Background(), "basico")
	require.NoError(t, err)
	assert.False(t, availability.Available)
	assert.Equal(t, models.ReasonNotAccepting, availability.Reason)

	// inactive plans never hit Redis
	availability, err = service.CheckAvailability(context.Background(), "legacy")
	require.NoError(t, err)
	assert.False(t, availability.Available)
	assert.Equal(t, models.ReasonPlanInactive, availability.Reason)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapacityService_SetCapacity_Validation(t *testing.T) {
	service, _, _ := setupCapacityService()
	ctx := context.Background()

	assert.ErrorIs(t, service.SetCapacity(ctx, 0, 70, 90, "admin"), status.ErrValidation)
	assert.ErrorIs(t, service.SetCapacity(ctx, 100, 90, 70, "admin"), status.ErrValidation)
	assert.ErrorIs(t, service.SetCapacity(ctx, 100, 70, 110, "admin"), status.ErrValidation)
	assert.ErrorIs(t, service.SetCapacity(ctx, 100, 90, 90, "admin"), status.ErrValidation)
}

func TestCapacityService_ForceAdjust(t *testing.T) {
	service, mock, audit := setupCapacityService()
	defer mock.ClearExpect()

	mock.ExpectHGet("capacity:state", "current_load").SetVal("70")
	mock.ExpectHSet("capacity:state",
		"current_load", 50,
		"last_updated", testNow.Unix(),
	).SetVal(1)

	err := service.ForceAdjust(context.Background(), 50, "admin-1", "reconciling after incident")

	require.NoError(t, err)
	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, models.AuditManualAdjustment, entry.Action)
	assert.Equal(t, -20, entry.WeightChange)
	assert.Equal(t, 70, entry.PreviousLoad)
	assert.Equal(t, 50, entry.NewLoad)
	assert.Equal(t, "admin-1", entry.AdminID)
	assert.True(t, entry.Consistent())

	assert.NoError(t, mock.ExpectationsWereMet())

	// a reason and an admin are mandatory
	assert.ErrorIs(t, service.ForceAdjust(context.Background(), 10, "", "x"), status.ErrValidation)
	assert.ErrorIs(t, service.ForceAdjust(context.Background(), -1, "admin-1", "x"), status.ErrValidation)
}

func TestCapacityService_EnsureState_AlreadyExists(t *testing.T) {
	service, mock, _ := setupCapacityService()
	defer mock.ClearExpect()

	mock.ExpectExists("capacity:state").SetVal(1)

	err := service.EnsureState(context.Background(), nil)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
