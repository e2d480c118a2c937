package app

import (
	"fmt"

	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/planloom/planloom-backend/internal/clients/redis"
	"github.com/planloom/planloom-backend/internal/platform/logger"
	"github.com/planloom/planloom-backend/internal/platform/openai"
	"github.com/planloom/planloom-backend/internal/realtime"
	"github.com/planloom/planloom-backend/internal/services"
)

type Services struct {
	Auth       services.AuthService
	Ledger     services.AttemptLedgerService
	RateLimit  services.RateLimitService
	Generation services.GenerationService
	Resolver   services.ModelResolverService
	PlanStatus services.PlanStatusService
	JobQueue   services.JobQueueService
	Plan       services.PlanService
	Notifier   services.NotifierService
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, reposet Repos, hub *realtime.Hub, bus redis.EventBus) (Services, error) {
	auth, err := services.NewAuthService(reposet.User, log)
	if err != nil {
		return Services{}, fmt.Errorf("init auth service: %w", err)
	}

	provider, err := openai.NewClient(log)
	if err != nil {
		return Services{}, fmt.Errorf("init openai client: %w", err)
	}

	notifier := services.NewNotifierService(hub, bus, log)
	ledger := services.NewAttemptLedgerService(db, reposet.Attempt, reposet.Plan, log)
	rateLimit := services.NewRateLimitService(reposet.Attempt, log)
	generation := services.NewGenerationService(ledger, rateLimit, provider, log)
	resolver := services.NewModelResolverService(provider, log)
	planStatus := services.NewPlanStatusService(reposet.PlanModule, reposet.Attempt, reposet.Job, ledger.AttemptCap(), log)
	jobQueue := services.NewJobQueueService(
		reposet.Job, reposet.Plan, reposet.PlanModule, reposet.User,
		ledger, generation, resolver, notifier,
		semaphore.NewWeighted(1), log,
	)
	plan := services.NewPlanService(
		reposet.Plan, reposet.PlanModule, reposet.Attempt, reposet.User,
		ledger, generation, resolver, planStatus, jobQueue, notifier, log,
	)

	return Services{
		Auth:       auth,
		Ledger:     ledger,
		RateLimit:  rateLimit,
		Generation: generation,
		Resolver:   resolver,
		PlanStatus: planStatus,
		JobQueue:   jobQueue,
		Plan:       plan,
		Notifier:   notifier,
	}, nil
}
