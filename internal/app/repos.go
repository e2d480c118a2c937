package app

import (
	"gorm.io/gorm"

	"github.com/planloom/planloom-backend/internal/data/repos"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

type Repos struct {
	User       repos.UserRepo
	Plan       repos.PlanRepo
	PlanModule repos.PlanModuleRepo
	Attempt    repos.AttemptRepo
	Job        repos.JobRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		User:       repos.NewUserRepo(db, log),
		Plan:       repos.NewPlanRepo(db, log),
		PlanModule: repos.NewPlanModuleRepo(db, log),
		Attempt:    repos.NewAttemptRepo(db, log),
		Job:        repos.NewJobRepo(db, log),
	}
}
