package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"

	"capacity-system/internal/status"
	"capacity-system/models"
)

// AuditRecorder is the append-only capacity ledger consumed by the
// admission and catalog services.
type AuditRecorder interface {
	Record(ctx context.Context, entry *models.AuditEntry) error
}

// AuditService persists audit entries in the capacity_audit collection.
// Entries are written once and never updated.
type AuditService struct {
	app core.App
}

func NewAuditService(app core.App) *AuditService {
	return &AuditService{app: app}
}

func (s *AuditService) Record(ctx context.Context, entry *models.AuditEntry) error {
	collection, err := s.app.FindCollectionByNameOrId("capacity_audit")
	if err != nil {
		return fmt.Errorf("%w: audit collection lookup: %v", status.ErrPersistence, err)
	}

	record := core.NewRecord(collection)
	record.Set("action", entry.Action)
	record.Set("plan_type", entry.PlanType)
	record.Set("weight_change", entry.WeightChange)
	record.Set("previous_load", entry.PreviousLoad)
	record.Set("new_load", entry.NewLoad)
	record.Set("admin_id", entry.AdminID)
	record.Set("reason", entry.Reason)

	if err := s.app.Save(record); err != nil {
		slog.Error("Audit append failed",
			"action", entry.Action,
			"plan_type", entry.PlanType,
			"error", err,
		)
		return fmt.Errorf("%w: append audit entry: %v", status.ErrPersistence, err)
	}

	entry.ID = record.Id
	entry.CreatedAt = record.GetDateTime("created").Time()
	return nil
}

// HistoryFilter narrows the paginated admin history listing.
type HistoryFilter struct {
	Action   string
	PlanType string
	From     time.Time
	To       time.Time
	Page     int
	PerPage  int
}

func (f HistoryFilter) conditions() []dbx.Expression {
	conds := []dbx.Expression{}
	if f.Action != "" {
		conds = append(conds, dbx.HashExp{"action": f.Action})
	}
	if f.PlanType != "" {
		conds = append(conds, dbx.HashExp{"plan_type": f.PlanType})
	}
	if !f.From.IsZero() {
		conds = append(conds, dbx.NewExp("created >= {:from}", dbx.Params{
			"from": f.From.UTC().Format(types.DefaultDateLayout),
		}))
	}
	if !f.To.IsZero() {
		conds = append(conds, dbx.NewExp("created <= {:to}", dbx.Params{
			"to": f.To.UTC().Format(types.DefaultDateLayout),
		}))
	}
	return conds
}

// History returns one page of audit entries, newest first, plus the total
// number of matches.
func (s *AuditService) History(ctx context.Context, filter HistoryFilter) ([]models.AuditEntry, int, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	conds := filter.conditions()

	countQuery := s.app.RecordQuery("capacity_audit").Select("count(*)")
	for _, c := range conds {
		countQuery.AndWhere(c)
	}
	var total int
	if err := countQuery.Row(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count audit entries: %v", status.ErrPersistence, err)
	}

	query := s.app.RecordQuery("capacity_audit").
		OrderBy("created DESC").
		Limit(int64(perPage)).
		Offset(int64((page - 1) * perPage))
	for _, c := range conds {
		query.AndWhere(c)
	}

	records := []*core.Record{}
	if err := query.All(&records); err != nil {
		return nil, 0, fmt.Errorf("%w: list audit entries: %v", status.ErrPersistence, err)
	}

	entries := make([]models.AuditEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, auditFromRecord(r))
	}
	return entries, total, nil
}

// Recent returns the latest n entries, newest first.
func (s *AuditService) Recent(ctx context.Context, n int) ([]models.AuditEntry, error) {
	entries, _, err := s.History(ctx, HistoryFilter{Page: 1, PerPage: n})
	return entries, err
}

// ReplayLoad rebuilds the current load from the full ledger, oldest first.
// A mismatch against the live state means the ledger and the state record
// have drifted and needs investigation.
func (s *AuditService) ReplayLoad(ctx context.Context) (int, error) {
	records := []*core.Record{}
	err := s.app.RecordQuery("capacity_audit").
		OrderBy("created ASC").
		All(&records)
	if err != nil {
		return 0, fmt.Errorf("%w: replay audit entries: %v", status.ErrPersistence, err)
	}

	entries := make([]models.AuditEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, auditFromRecord(r))
	}
	return models.ReplayLoad(entries), nil
}

func auditFromRecord(r *core.Record) models.AuditEntry {
	return models.AuditEntry{
		ID:           r.Id,
		Action:       r.GetString("action"),
		PlanType:     r.GetString("plan_type"),
		WeightChange: r.GetInt("weight_change"),
		PreviousLoad: r.GetInt("previous_load"),
		NewLoad:      r.GetInt("new_load"),
		AdminID:      r.GetString("admin_id"),
		Reason:       r.GetString("reason"),
		CreatedAt:    r.GetDateTime("created").Time(),
	}
}
