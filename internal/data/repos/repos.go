package repos

import (
	"gorm.io/gorm"

	"github.com/planloom/planloom-backend/internal/data/repos/attempts"
	"github.com/planloom/planloom-backend/internal/data/repos/jobs"
	"github.com/planloom/planloom-backend/internal/data/repos/plans"
	"github.com/planloom/planloom-backend/internal/data/repos/user"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

type UserRepo = user.UserRepo
type PlanRepo = plans.PlanRepo
type PlanModuleRepo = plans.PlanModuleRepo
type AttemptRepo = attempts.AttemptRepo
type JobRepo = jobs.JobRepo

func NewUserRepo(db *gorm.DB, baseLog *logger.Logger) UserRepo { return user.NewUserRepo(db, baseLog) }

func NewPlanRepo(db *gorm.DB, baseLog *logger.Logger) PlanRepo {
	return plans.NewPlanRepo(db, baseLog)
}

func NewPlanModuleRepo(db *gorm.DB, baseLog *logger.Logger) PlanModuleRepo {
	return plans.NewPlanModuleRepo(db, baseLog)
}

func NewAttemptRepo(db *gorm.DB, baseLog *logger.Logger) AttemptRepo {
	return attempts.NewAttemptRepo(db, baseLog)
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return jobs.NewJobRepo(db, baseLog)
}
