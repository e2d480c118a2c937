package plans

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

type PlanModuleRepo interface {
	GetByPlanID(dbc dbctx.Context, planID uuid.UUID) ([]*types.PlanModule, error)
	GetTasksByModuleIDs(dbc dbctx.Context, moduleIDs []uuid.UUID) ([]*types.PlanTask, error)
	CountByPlanIDs(dbc dbctx.Context, planIDs []uuid.UUID) (map[uuid.UUID]int64, error)
	ReplaceForPlan(dbc dbctx.Context, planID uuid.UUID, modules []*types.PlanModule, tasksByModule map[int][]*types.PlanTask) error
	DeleteByPlanID(dbc dbctx.Context, planID uuid.UUID) error
}

type planModuleRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPlanModuleRepo(db *gorm.DB, baseLog *logger.Logger) PlanModuleRepo {
	return &planModuleRepo{db: db, log: baseLog.With("repo", "PlanModuleRepo")}
}

func (r *planModuleRepo) GetByPlanID(dbc dbctx.Context, planID uuid.UUID) ([]*types.PlanModule, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PlanModule
	if planID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("plan_id = ?", planID).
		Order("position ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *planModuleRepo) GetTasksByModuleIDs(dbc dbctx.Context, moduleIDs []uuid.UUID) ([]*types.PlanTask, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PlanTask
	if len(moduleIDs) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("module_id IN ?", moduleIDs).
		Order("position ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *planModuleRepo) CountByPlanIDs(dbc dbctx.Context, planIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	counts := map[uuid.UUID]int64{}
	if len(planIDs) == 0 {
		return counts, nil
	}
	var rows []struct {
		PlanID uuid.UUID
		N      int64
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.PlanModule{}).
		Select("plan_id, COUNT(*) AS n").
		Where("plan_id IN ?", planIDs).
		Group("plan_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.PlanID] = row.N
	}
	return counts, nil
}

// ReplaceForPlan swaps the plan's content atomically: old modules and tasks
// go away and the new set lands in one transaction, so readers never observe
// a half-written plan. tasksByModule is keyed by index into modules.
func (r *planModuleRepo) ReplaceForPlan(dbc dbctx.Context, planID uuid.UUID, modules []*types.PlanModule, tasksByModule map[int][]*types.PlanTask) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if planID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.
			Where("module_id IN (?)", txx.Session(&gorm.Session{NewDB: true}).
				Model(&types.PlanModule{}).
				Select("id").
				Where("plan_id = ?", planID)).
			Delete(&types.PlanTask{}).Error; err != nil {
			return err
		}
		if err := txx.Where("plan_id = ?", planID).Delete(&types.PlanModule{}).Error; err != nil {
			return err
		}
		if len(modules) == 0 {
			return nil
		}
		if err := txx.Create(&modules).Error; err != nil {
			return err
		}
		var tasks []*types.PlanTask
		for i, mod := range modules {
			for _, task := range tasksByModule[i] {
				task.ModuleID = mod.ID
				tasks = append(tasks, task)
			}
		}
		if len(tasks) == 0 {
			return nil
		}
		return txx.Create(&tasks).Error
	})
}

func (r *planModuleRepo) DeleteByPlanID(dbc dbctx.Context, planID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if planID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.
			Where("module_id IN (?)", txx.Session(&gorm.Session{NewDB: true}).
				Model(&types.PlanModule{}).
				Select("id").
				Where("plan_id = ?", planID)).
			Delete(&types.PlanTask{}).Error; err != nil {
			return err
		}
		return txx.Where("plan_id = ?", planID).Delete(&types.PlanModule{}).Error
	})
}
