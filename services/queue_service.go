package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"capacity-system/config"
	"capacity-system/internal/status"
	"capacity-system/models"
	"capacity-system/utils"
)

func waitingKey(planType string) string {
	return fmt.Sprintf("wq:waiting:%s", planType)
}

func notifiedKey(planType string) string {
	return fmt.Sprintf("wq:notified:%s", planType)
}

func entryKey(id string) string {
	return fmt.Sprintf("wq:entry:%s", id)
}

func queueUserKey(planType, userID string) string {
	return fmt.Sprintf("wq:user:%s:%s", planType, userID)
}

// QueueService owns the per-plan waiting queues. Each plan's queue is a
// sorted set scored by requestedAt, so FIFO order and position lookups
// fall out of ZRank.
type QueueService struct {
	Redis    *redis.Client
	plans    PlanSource
	notifier Notifier
	Config   *config.Config

	now   func() time.Time
	newID func() (string, error)

	releaseCapacity func(ctx context.Context, planType, orderID, reason string) error
}

func NewQueueService(redisClient *redis.Client, plans PlanSource, notifier Notifier, cfg *config.Config) *QueueService {
	return &QueueService{
		Redis:    redisClient,
		plans:    plans,
		notifier: notifier,
		Config:   cfg,
		now:      time.Now,
		newID: func() (string, error) {
			return utils.GenerateCode(8)
		},
	}
}

// BindCapacityRelease registers the release path used when a notified
// entry is hard-deleted before its order ever completed. Without it the
// promotion's reservation would stay committed with no owner.
func (s *QueueService) BindCapacityRelease(fn func(ctx context.Context, planType, orderID, reason string) error) {
	s.releaseCapacity = fn
}

// Enqueue appends a request to the plan's queue. One live entry per user
// per plan; the delivery estimate is fixed at enqueue time.
func (s *QueueService) Enqueue(ctx context.Context, userID, email, name, planType string) (*models.QueueEntry, error) {
	if userID == "" || planType == "" {
		return nil, status.ErrValidation
	}

	plan, err := s.plans.Get(ctx, planType)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, status.ErrPlanInactive
	}

	exists, err := s.Redis.Exists(ctx, queueUserKey(planType, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: check queue membership: %v", status.ErrPersistence, err)
	}
	if exists > 0 {
		return nil, status.ErrDuplicateQueue
	}

	depth, err := s.Redis.ZCard(ctx, waitingKey(planType)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read queue depth: %v", status.ErrPersistence, err)
	}

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("generate entry id: %w", err)
	}

	now := s.now()
	position := int(depth) + 1
	entry := &models.QueueEntry{
		ID:                     id,
		UserID:                 userID,
		Email:                  email,
		Name:                   name,
		PlanType:               planType,
		Status:                 models.StatusWaiting,
		RequestedAt:            now,
		EstimatedAvailableDate: now.AddDate(0, 0, plan.EstimatedDeliveryDays*position),
		ExpiresAt:              now.Add(s.Config.QueueEntryTTL),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	if err := s.Redis.Set(ctx, entryKey(id), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("%w: store queue entry: %v", status.ErrPersistence, err)
	}
	if err := s.Redis.ZAdd(ctx, waitingKey(planType), redis.Z{
		Score:  float64(now.UnixNano()),
		Member: id,
	}).Err(); err != nil {
		return nil, fmt.Errorf("%w: enqueue entry: %v", status.ErrPersistence, err)
	}
	if err := s.Redis.Set(ctx, queueUserKey(planType, userID), id, 0).Err(); err != nil {
		return nil, fmt.Errorf("%w: store queue membership: %v", status.ErrPersistence, err)
	}

	slog.Info("User joined waiting queue",
		"user_id", userID,
		"plan_type", planType,
		"entry_id", id,
		"position", position,
	)
	return entry, nil
}

// PositionOf returns the 1-based position among waiting entries of the
// plan, or 0 when the entry no longer occupies a slot (notified and
// beyond).
func (s *QueueService) PositionOf(ctx context.Context, userID, planType string) (int, *models.QueueEntry, error) {
	id, err := s.Redis.Get(ctx, queueUserKey(planType, userID)).Result()
	if err == redis.Nil {
		return 0, nil, status.ErrNotFound
	} else if err != nil {
		return 0, nil, fmt.Errorf("%w: read queue membership: %v", status.ErrPersistence, err)
	}

	entry, err := s.getEntry(ctx, id)
	if err != nil {
		return 0, nil, err
	}

	if entry.Status != models.StatusWaiting {
		return 0, entry, nil
	}

	rank, err := s.Redis.ZRank(ctx, waitingKey(planType), id).Result()
	if err == redis.Nil {
		return 0, entry, nil
	} else if err != nil {
		return 0, nil, fmt.Errorf("%w: read queue rank: %v", status.ErrPersistence, err)
	}

	return int(rank) + 1, entry, nil
}

// NextWaiting returns the oldest waiting entry for the plan, or nil when
// the queue is empty. Dangling ids whose entry record vanished are
// dropped on the way.
func (s *QueueService) NextWaiting(ctx context.Context, planType string) (*models.QueueEntry, error) {
	for {
		ids, err := s.Redis.ZRange(ctx, waitingKey(planType), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: peek waiting queue: %v", status.ErrPersistence, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		entry, err := s.getEntry(ctx, ids[0])
		if err == status.ErrNotFound {
			s.Redis.ZRem(ctx, waitingKey(planType), ids[0])
			continue
		} else if err != nil {
			return nil, err
		}
		return entry, nil
	}
}

// MarkNotified moves a waiting entry to notified after capacity was
// reserved on its behalf.
func (s *QueueService) MarkNotified(ctx context.Context, id string) (*models.QueueEntry, error) {
	entry, err := s.getEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := entry.Transition(models.StatusNotified); err != nil {
		return nil, err
	}
	entry.NotificationSent = true

	if err := s.saveEntry(ctx, entry); err != nil {
		return nil, err
	}
	s.Redis.ZRem(ctx, waitingKey(entry.PlanType), id)
	s.Redis.ZAdd(ctx, notifiedKey(entry.PlanType), redis.Z{
		Score:  float64(entry.RequestedAt.UnixNano()),
		Member: id,
	})

	return entry, nil
}

// MarkConverted records that the owning order completed. The membership
// marker is dropped so the user may queue for the plan again; duplicate
// rejection only ever covers waiting and notified entries.
func (s *QueueService) MarkConverted(ctx context.Context, id string) (*models.QueueEntry, error) {
	entry, err := s.getEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := entry.Transition(models.StatusConverted); err != nil {
		return nil, err
	}
	if err := s.saveEntry(ctx, entry); err != nil {
		return nil, err
	}
	s.Redis.ZRem(ctx, notifiedKey(entry.PlanType), id)
	s.Redis.Del(ctx, queueUserKey(entry.PlanType, entry.UserID))

	return entry, nil
}

// MarkExpired soft-expires an entry from either pending status.
func (s *QueueService) MarkExpired(ctx context.Context, id string) (*models.QueueEntry, error) {
	entry, err := s.getEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := entry.Status
	if err := entry.Transition(models.StatusExpired); err != nil {
		return nil, err
	}
	if err := s.saveEntry(ctx, entry); err != nil {
		return nil, err
	}

	switch previous {
	case models.StatusWaiting:
		s.Redis.ZRem(ctx, waitingKey(entry.PlanType), id)
	case models.StatusNotified:
		s.Redis.ZRem(ctx, notifiedKey(entry.PlanType), id)
		s.releaseHeldCapacity(ctx, entry, "queue entry expired before conversion")
	}
	s.Redis.Del(ctx, queueUserKey(entry.PlanType, entry.UserID))

	return entry, nil
}

// releaseHeldCapacity gives back the reservation a promotion committed
// for a notified entry that will never convert. No-op for entries in any
// other status.
func (s *QueueService) releaseHeldCapacity(ctx context.Context, entry *models.QueueEntry, reason string) {
	if entry.Status != models.StatusNotified && entry.Status != models.StatusExpired {
		return
	}
	if !entry.NotificationSent || s.releaseCapacity == nil {
		return
	}
	if err := s.releaseCapacity(ctx, entry.PlanType, promotionOrderID(entry.ID), reason); err != nil {
		slog.Error("Failed to release held capacity for queue entry",
			"entry_id", entry.ID,
			"plan_type", entry.PlanType,
			"error", err,
		)
	}
}

// Remove hard-deletes an entry on admin request and tells the user why.
func (s *QueueService) Remove(ctx context.Context, id, reason string) error {
	entry, err := s.getEntry(ctx, id)
	if err != nil {
		return err
	}

	if entry.Status == models.StatusNotified {
		s.releaseHeldCapacity(ctx, entry, "queue entry removed before conversion")
	}
	s.Redis.ZRem(ctx, waitingKey(entry.PlanType), id)
	s.Redis.ZRem(ctx, notifiedKey(entry.PlanType), id)
	s.Redis.Del(ctx, entryKey(id), queueUserKey(entry.PlanType, entry.UserID))

	s.notifier.NotifyRemoved(entry.UserID, entry.PlanType, reason)

	slog.Info("Queue entry removed by admin", "entry_id", id, "reason", reason)
	return nil
}

// SweepExpired hard-deletes stale entries: past the expiry horizon while
// still pending, or already in a terminal status. This is the only
// hard-delete path besides admin removal.
func (s *QueueService) SweepExpired(ctx context.Context) (int, error) {
	keys, err := s.Redis.Keys(ctx, "wq:entry:*").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: scan queue entries: %v", status.ErrPersistence, err)
	}
	sort.Strings(keys)

	now := s.now()
	removed := 0

	for _, key := range keys {
		data, err := s.Redis.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return removed, fmt.Errorf("%w: read queue entry: %v", status.ErrPersistence, err)
		}

		var entry models.QueueEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			log.Printf("Skipping malformed queue entry %s: %v", key, err)
			continue
		}

		if !entry.Stale(now) {
			continue
		}

		if entry.Status == models.StatusNotified {
			s.releaseHeldCapacity(ctx, &entry, "queue entry expired before conversion")
		}
		s.Redis.ZRem(ctx, waitingKey(entry.PlanType), entry.ID)
		s.Redis.ZRem(ctx, notifiedKey(entry.PlanType), entry.ID)
		s.Redis.Del(ctx, entryKey(entry.ID), queueUserKey(entry.PlanType, entry.UserID))
		removed++
	}

	if removed > 0 {
		log.Printf("Queue sweep removed %d stale entries", removed)
	}
	return removed, nil
}

// List returns entries matching the optional status/plan filters, oldest
// first. Admin-only listing; scans the entry keyspace.
func (s *QueueService) List(ctx context.Context, statusFilter models.QueueStatus, planType string) ([]models.QueueEntry, error) {
	keys, err := s.Redis.Keys(ctx, "wq:entry:*").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: scan queue entries: %v", status.ErrPersistence, err)
	}
	sort.Strings(keys)

	entries := []models.QueueEntry{}
	for _, key := range keys {
		data, err := s.Redis.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("%w: read queue entry: %v", status.ErrPersistence, err)
		}

		var entry models.QueueEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		if statusFilter != "" && entry.Status != statusFilter {
			continue
		}
		if planType != "" && entry.PlanType != planType {
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RequestedAt.Before(entries[j].RequestedAt)
	})
	return entries, nil
}

// Depth returns the number of waiting entries for the plan.
func (s *QueueService) Depth(ctx context.Context, planType string) (int64, error) {
	depth, err := s.Redis.ZCard(ctx, waitingKey(planType)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: read queue depth: %v", status.ErrPersistence, err)
	}
	return depth, nil
}

// Get returns a single entry by id.
func (s *QueueService) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	return s.getEntry(ctx, id)
}

// EntryIDForUser resolves a user's live entry id for a plan.
func (s *QueueService) EntryIDForUser(ctx context.Context, userID, planType string) (string, error) {
	id, err := s.Redis.Get(ctx, queueUserKey(planType, userID)).Result()
	if err == redis.Nil {
		return "", status.ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("%w: read queue membership: %v", status.ErrPersistence, err)
	}
	return id, nil
}

// ReNotify re-sends the promotion notification for entries that are
// already notified. Admin bulk action for lost notifications; ids in any
// other status are skipped.
func (s *QueueService) ReNotify(ctx context.Context, ids []string) int {
	sent := 0
	for _, id := range ids {
		entry, err := s.getEntry(ctx, id)
		if err != nil {
			continue
		}
		if entry.Status != models.StatusNotified {
			continue
		}
		s.notifier.NotifyPromotion(entry)
		sent++
	}
	return sent
}

// SweepLoop runs the expiry sweep on a timer until the context ends.
func (s *QueueService) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.Config.SweepInterval)
	defer ticker.Stop()

	log.Println("Queue sweep loop started")

	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				log.Printf("Queue sweep failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("Queue sweep loop stopping")
			return
		}
	}
}

// UpdateQueuePositions periodically pushes position updates to waiting
// users, throttled so far-back positions are not spammed.
func (s *QueueService) UpdateQueuePositions(ctx context.Context) {
	ticker := time.NewTicker(s.Config.PositionUpdate)
	defer ticker.Stop()

	log.Println("Position updater started")

	for {
		select {
		case <-ticker.C:
			s.broadcastPositions(ctx)
		case <-ctx.Done():
			log.Println("Position updater stopping")
			return
		}
	}
}

func (s *QueueService) broadcastPositions(ctx context.Context) {
	plans, err := s.plans.ActivePlans(ctx)
	if err != nil {
		log.Printf("Position update skipped, plan lookup failed: %v", err)
		return
	}

	for _, plan := range plans {
		ids, err := s.Redis.ZRange(ctx, waitingKey(plan.PlanType), 0, -1).Result()
		if err != nil {
			continue
		}

		for i, id := range ids {
			position := i + 1
			if !shouldNotifyPosition(position) {
				continue
			}

			entry, err := s.getEntry(ctx, id)
			if err != nil {
				continue
			}
			s.notifier.NotifyPosition(entry.UserID, plan.PlanType, position)
		}
	}
}

func shouldNotifyPosition(position int) bool {
	// Notify more frequently for users closer to front
	if position <= 5 {
		return true
	} else if position <= 20 {
		return position%2 == 0
	} else if position <= 100 {
		return position%10 == 0
	}
	return position%50 == 0
}

func (s *QueueService) getEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	data, err := s.Redis.Get(ctx, entryKey(id)).Result()
	if err == redis.Nil {
		return nil, status.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("%w: read queue entry: %v", status.ErrPersistence, err)
	}

	var entry models.QueueEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("decode queue entry %s: %w", id, err)
	}
	return &entry, nil
}

func (s *QueueService) saveEntry(ctx context.Context, entry *models.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.Redis.Set(ctx, entryKey(entry.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: store queue entry: %v", status.ErrPersistence, err)
	}
	return nil
}
