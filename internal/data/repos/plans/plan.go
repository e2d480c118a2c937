package plans

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

type PlanRepo interface {
	Create(dbc dbctx.Context, plans []*types.Plan) ([]*types.Plan, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Plan, error)
	GetByIDForUser(dbc dbctx.Context, id, userID uuid.UUID) (*types.Plan, error)
	GetByIDLocked(dbc dbctx.Context, id uuid.UUID) (*types.Plan, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.Plan, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type planRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPlanRepo(db *gorm.DB, baseLog *logger.Logger) PlanRepo {
	return &planRepo{db: db, log: baseLog.With("repo", "PlanRepo")}
}

func (r *planRepo) Create(dbc dbctx.Context, plans []*types.Plan) ([]*types.Plan, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(plans) == 0 {
		return []*types.Plan{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *planRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Plan, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var plan types.Plan
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == uuid.Nil {
		return nil, nil
	}
	return &plan, nil
}

func (r *planRepo) GetByIDForUser(dbc dbctx.Context, id, userID uuid.UUID) (*types.Plan, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || userID == uuid.Nil {
		return nil, nil
	}
	var plan types.Plan
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Limit(1).
		Find(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == uuid.Nil {
		return nil, nil
	}
	return &plan, nil
}

// GetByIDLocked takes FOR UPDATE on the plan row. Callers must hold an open
// transaction in dbc.Tx; the lock serializes attempt reservation per plan.
func (r *planRepo) GetByIDLocked(dbc dbctx.Context, id uuid.UUID) (*types.Plan, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var plan types.Plan
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Limit(1).
		Find(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == uuid.Nil {
		return nil, nil
	}
	return &plan, nil
}

func (r *planRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.Plan, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Plan
	if userID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *planRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Plan{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *planRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.Plan{}).Error
}
