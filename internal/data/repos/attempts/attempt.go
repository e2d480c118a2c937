package attempts

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

type AttemptRepo interface {
	Create(dbc dbctx.Context, attempt *types.GenerationAttempt) (*types.GenerationAttempt, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationAttempt, error)
	CountByPlan(dbc dbctx.Context, planID uuid.UUID) (int64, error)
	ListByPlan(dbc dbctx.Context, planID uuid.UUID) ([]*types.GenerationAttempt, error)
	LatestByPlan(dbc dbctx.Context, planID uuid.UUID) (*types.GenerationAttempt, error)
	HasUnfinalizedByPlan(dbc dbctx.Context, planID uuid.UUID) (bool, error)
	FinalizeFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error)
	CountForUserSince(dbc dbctx.Context, userID uuid.UUID, since time.Time) (int64, error)
	OldestForUserSince(dbc dbctx.Context, userID uuid.UUID, since time.Time) (*types.GenerationAttempt, error)
	ListStaleReserved(dbc dbctx.Context, olderThan time.Time, limit int) ([]*types.GenerationAttempt, error)
	UnfinalizedPlanIDs(dbc dbctx.Context, planIDs []uuid.UUID) (map[uuid.UUID]bool, error)
	FindCappedPlanIDsWithoutModules(dbc dbctx.Context, userID uuid.UUID, cap int, limit int) ([]uuid.UUID, error)
}

type attemptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAttemptRepo(db *gorm.DB, baseLog *logger.Logger) AttemptRepo {
	return &attemptRepo{db: db, log: baseLog.With("repo", "AttemptRepo")}
}

func (r *attemptRepo) Create(dbc dbctx.Context, attempt *types.GenerationAttempt) (*types.GenerationAttempt, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if attempt == nil {
		return nil, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(attempt).Error; err != nil {
		return nil, err
	}
	return attempt, nil
}

func (r *attemptRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationAttempt, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var attempt types.GenerationAttempt
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&attempt).Error
	if err != nil {
		return nil, err
	}
	if attempt.ID == uuid.Nil {
		return nil, nil
	}
	return &attempt, nil
}

// CountByPlan counts every attempt row for the plan regardless of outcome.
// Reserved rows count: a reservation is a charge against the cap even if
// the process dies before finalizing.
func (r *attemptRepo) CountByPlan(dbc dbctx.Context, planID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if planID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.GenerationAttempt{}).
		Where("plan_id = ?", planID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *attemptRepo) ListByPlan(dbc dbctx.Context, planID uuid.UUID) ([]*types.GenerationAttempt, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.GenerationAttempt
	if planID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("plan_id = ?", planID).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *attemptRepo) LatestByPlan(dbc dbctx.Context, planID uuid.UUID) (*types.GenerationAttempt, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if planID == uuid.Nil {
		return nil, nil
	}
	var attempt types.GenerationAttempt
	err := transaction.WithContext(dbc.Ctx).
		Where("plan_id = ?", planID).
		Order("seq DESC").
		Limit(1).
		Find(&attempt).Error
	if err != nil {
		return nil, err
	}
	if attempt.ID == uuid.Nil {
		return nil, nil
	}
	return &attempt, nil
}

func (r *attemptRepo) HasUnfinalizedByPlan(dbc dbctx.Context, planID uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if planID == uuid.Nil {
		return false, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.GenerationAttempt{}).
		Where("plan_id = ? AND status = ?", planID, types.AttemptStatusReserved).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// FinalizeFields applies updates only while the row is still reserved, so a
// late or duplicate finalize is a no-op. Returns whether a row was sealed.
func (r *attemptRepo) FinalizeFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["finalized_at"]; !ok {
		updates["finalized_at"] = time.Now()
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.GenerationAttempt{}).
		Where("id = ? AND status = ?", id, types.AttemptStatusReserved).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *attemptRepo) CountForUserSince(dbc dbctx.Context, userID uuid.UUID, since time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if userID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.GenerationAttempt{}).
		Where("user_id = ? AND started_at >= ?", userID, since).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *attemptRepo) OldestForUserSince(dbc dbctx.Context, userID uuid.UUID, since time.Time) (*types.GenerationAttempt, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if userID == uuid.Nil {
		return nil, nil
	}
	var attempt types.GenerationAttempt
	err := transaction.WithContext(dbc.Ctx).
		Where("user_id = ? AND started_at >= ?", userID, since).
		Order("started_at ASC").
		Limit(1).
		Find(&attempt).Error
	if err != nil {
		return nil, err
	}
	if attempt.ID == uuid.Nil {
		return nil, nil
	}
	return &attempt, nil
}

func (r *attemptRepo) ListStaleReserved(dbc dbctx.Context, olderThan time.Time, limit int) ([]*types.GenerationAttempt, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.GenerationAttempt
	q := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND started_at < ?", types.AttemptStatusReserved, olderThan).
		Order("started_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// UnfinalizedPlanIDs reports which of the given plans still hold a reserved
// attempt, in one query.
func (r *attemptRepo) UnfinalizedPlanIDs(dbc dbctx.Context, planIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	unfinalized := map[uuid.UUID]bool{}
	if len(planIDs) == 0 {
		return unfinalized, nil
	}
	var ids []uuid.UUID
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.GenerationAttempt{}).
		Distinct("plan_id").
		Where("plan_id IN ? AND status = ?", planIDs, types.AttemptStatusReserved).
		Pluck("plan_id", &ids).Error
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		unfinalized[id] = true
	}
	return unfinalized, nil
}

// FindCappedPlanIDsWithoutModules returns plans whose attempt ledger is at or
// past the cap with no generated modules. Outcome does not matter here: a
// sealed success whose modules never landed still has nothing to show the
// user, and a support sweep needs to see it.
func (r *attemptRepo) FindCappedPlanIDsWithoutModules(dbc dbctx.Context, userID uuid.UUID, cap int, limit int) ([]uuid.UUID, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var ids []uuid.UUID
	if userID == uuid.Nil {
		return ids, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Model(&types.GenerationAttempt{}).
		Select("plan_id").
		Where("user_id = ?", userID).
		Group("plan_id").
		Having("COUNT(*) >= ?", cap).
		Where("plan_id NOT IN (?)", transaction.Session(&gorm.Session{NewDB: true}).
			Model(&types.PlanModule{}).
			Select("DISTINCT plan_id"))
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(&ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
