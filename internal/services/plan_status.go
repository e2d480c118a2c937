package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/planloom/planloom-backend/internal/data/repos"
	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

// PlanStatusService derives a plan's externally visible status on every
// read. Nothing persists the status; the module table and the attempt
// ledger are the only inputs, so the projection can never drift from them.
//
//	ready      at least one module exists
//	processing an unfinalized reservation or an active regeneration job
//	failed     no modules and the attempt budget is exhausted
//	pending    everything else
type PlanStatusService interface {
	StatusForPlan(ctx context.Context, planID uuid.UUID) (types.PlanStatus, error)
	StatusForPlans(ctx context.Context, planIDs []uuid.UUID) (map[uuid.UUID]types.PlanStatus, error)
}

type planStatusService struct {
	moduleRepo  repos.PlanModuleRepo
	attemptRepo repos.AttemptRepo
	jobRepo     repos.JobRepo
	cap         int
	log         *logger.Logger
}

func NewPlanStatusService(
	moduleRepo repos.PlanModuleRepo,
	attemptRepo repos.AttemptRepo,
	jobRepo repos.JobRepo,
	attemptCap int,
	baseLog *logger.Logger,
) PlanStatusService {
	return &planStatusService{
		moduleRepo:  moduleRepo,
		attemptRepo: attemptRepo,
		jobRepo:     jobRepo,
		cap:         attemptCap,
		log:         baseLog.With("service", "PlanStatusService"),
	}
}

func (s *planStatusService) StatusForPlan(ctx context.Context, planID uuid.UUID) (types.PlanStatus, error) {
	dbc := dbctx.Context{Ctx: ctx}

	moduleCounts, err := s.moduleRepo.CountByPlanIDs(dbc, []uuid.UUID{planID})
	if err != nil {
		return "", err
	}
	if moduleCounts[planID] > 0 {
		return types.PlanStatusReady, nil
	}

	inFlight, err := s.attemptRepo.HasUnfinalizedByPlan(dbc, planID)
	if err != nil {
		return "", err
	}
	if inFlight {
		return types.PlanStatusProcessing, nil
	}
	activeJob, err := s.jobRepo.HasActiveForPlan(dbc, planID, types.JobTypePlanRegenerate)
	if err != nil {
		return "", err
	}
	if activeJob {
		return types.PlanStatusProcessing, nil
	}

	attemptCount, err := s.attemptRepo.CountByPlan(dbc, planID)
	if err != nil {
		return "", err
	}
	if attemptCount >= int64(s.cap) {
		return types.PlanStatusFailed, nil
	}
	return types.PlanStatusPending, nil
}

func (s *planStatusService) StatusForPlans(ctx context.Context, planIDs []uuid.UUID) (map[uuid.UUID]types.PlanStatus, error) {
	statuses := map[uuid.UUID]types.PlanStatus{}
	if len(planIDs) == 0 {
		return statuses, nil
	}

	dbc := dbctx.Context{Ctx: ctx}
	moduleCounts, err := s.moduleRepo.CountByPlanIDs(dbc, planIDs)
	if err != nil {
		return nil, err
	}
	activeJobs, err := s.jobRepo.ActivePlanIDs(dbc, planIDs, types.JobTypePlanRegenerate)
	if err != nil {
		return nil, err
	}
	inFlight, err := s.attemptRepo.UnfinalizedPlanIDs(dbc, planIDs)
	if err != nil {
		return nil, err
	}

	for _, planID := range planIDs {
		if moduleCounts[planID] > 0 {
			statuses[planID] = types.PlanStatusReady
			continue
		}
		if inFlight[planID] || activeJobs[planID] {
			statuses[planID] = types.PlanStatusProcessing
			continue
		}
		attemptCount, err := s.attemptRepo.CountByPlan(dbc, planID)
		if err != nil {
			return nil, err
		}
		if attemptCount >= int64(s.cap) {
			statuses[planID] = types.PlanStatusFailed
			continue
		}
		statuses[planID] = types.PlanStatusPending
	}
	return statuses, nil
}
