package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

type JobRepo interface {
	Create(dbc dbctx.Context, jobs []*types.Job) ([]*types.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	GetByIDForUser(dbc dbctx.Context, id, userID uuid.UUID) (*types.Job, error)
	ClaimNextPending(dbc dbctx.Context, jobTypes []string) (*types.Job, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	HasActiveForPlan(dbc dbctx.Context, planID uuid.UUID, jobType string) (bool, error)
	ActivePlanIDs(dbc dbctx.Context, planIDs []uuid.UUID, jobType string) (map[uuid.UUID]bool, error)
	ListByPlan(dbc dbctx.Context, planID uuid.UUID) ([]*types.Job, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) Create(dbc dbctx.Context, jobs []*types.Job) ([]*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(jobs) == 0 {
		return []*types.Job{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.Job
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) GetByIDForUser(dbc dbctx.Context, id, userID uuid.UUID) (*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || userID == uuid.Nil {
		return nil, nil
	}
	var job types.Job
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

// ClaimNextPending takes the oldest highest-priority pending job of any of
// the given types (all types when empty) and flips it to processing in one
// transaction. SKIP LOCKED keeps concurrent workers off each other's rows;
// two workers never claim the same job.
func (r *jobRepo) ClaimNextPending(dbc dbctx.Context, jobTypes []string) (*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	var claimed *types.Job
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job types.Job
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", types.JobStatusPending).
			Order("priority DESC, created_at ASC")
		if len(jobTypes) > 0 {
			q = q.Where("job_type IN ?", jobTypes)
		}
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":     types.JobStatusProcessing,
				"started_at": now,
				"updated_at": now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = types.JobStatusProcessing
		job.StartedAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
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
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) HasActiveForPlan(dbc dbctx.Context, planID uuid.UUID, jobType string) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if planID == uuid.Nil || jobType == "" {
		return false, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("plan_id = ? AND job_type = ? AND status IN ?",
			planID, jobType, []string{types.JobStatusPending, types.JobStatusProcessing},
		).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *jobRepo) ActivePlanIDs(dbc dbctx.Context, planIDs []uuid.UUID, jobType string) (map[uuid.UUID]bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	active := map[uuid.UUID]bool{}
	if len(planIDs) == 0 || jobType == "" {
		return active, nil
	}
	var ids []uuid.UUID
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Select("DISTINCT plan_id").
		Where("plan_id IN ? AND job_type = ? AND status IN ?",
			planIDs, jobType, []string{types.JobStatusPending, types.JobStatusProcessing},
		).
		Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		active[id] = true
	}
	return active, nil
}

func (r *jobRepo) ListByPlan(dbc dbctx.Context, planID uuid.UUID) ([]*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Job
	if planID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("plan_id = ?", planID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
