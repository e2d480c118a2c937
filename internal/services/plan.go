package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/planloom/planloom-backend/internal/data/repos"
	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/domain/jobs"
	"github.com/planloom/planloom-backend/internal/domain/plans"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

type CreatePlanParams struct {
	Topic         string     `json:"topic"`
	Notes         string     `json:"notes"`
	ModuleMinutes int        `json:"module_minutes"`
	TaskMinutes   int        `json:"task_minutes"`
	WeeksPlanned  int        `json:"weeks_planned"`
	StartDate     *time.Time `json:"start_date,omitempty"`
}

// PlanView is a plan plus its derived status and generated content.
type PlanView struct {
	Plan    *types.Plan                     `json:"plan"`
	Status  types.PlanStatus                `json:"status"`
	Modules []*types.PlanModule             `json:"modules,omitempty"`
	Tasks   map[uuid.UUID][]*types.PlanTask `json:"tasks,omitempty"`
	History []*types.GenerationAttempt      `json:"history,omitempty"`
}

type PlanService interface {
	CreatePlan(ctx context.Context, userID uuid.UUID, params CreatePlanParams) (*types.Plan, error)
	GetPlan(ctx context.Context, userID, planID uuid.UUID) (*PlanView, error)
	ListPlans(ctx context.Context, userID uuid.UUID) ([]*PlanView, error)
	GeneratePlanNow(ctx context.Context, userID, planID uuid.UUID, requestedModel string) (*GenerationResult, error)
	RegeneratePlan(ctx context.Context, userID, planID uuid.UUID, overrides jobs.RegenerateOverrides) (*types.Job, error)
}

type planService struct {
	planRepo    repos.PlanRepo
	moduleRepo  repos.PlanModuleRepo
	attemptRepo repos.AttemptRepo
	userRepo    repos.UserRepo
	ledger      AttemptLedgerService
	generation  GenerationService
	resolver    ModelResolverService
	status      PlanStatusService
	queue       JobQueueService
	notifier    NotifierService
	log         *logger.Logger
}

func NewPlanService(
	planRepo repos.PlanRepo,
	moduleRepo repos.PlanModuleRepo,
	attemptRepo repos.AttemptRepo,
	userRepo repos.UserRepo,
	ledger AttemptLedgerService,
	generation GenerationService,
	resolver ModelResolverService,
	status PlanStatusService,
	queue JobQueueService,
	notifier NotifierService,
	baseLog *logger.Logger,
) PlanService {
	return &planService{
		planRepo:    planRepo,
		moduleRepo:  moduleRepo,
		attemptRepo: attemptRepo,
		userRepo:    userRepo,
		ledger:      ledger,
		generation:  generation,
		resolver:    resolver,
		status:      status,
		queue:       queue,
		notifier:    notifier,
		log:         baseLog.With("service", "PlanService"),
	}
}

func (s *planService) CreatePlan(ctx context.Context, userID uuid.UUID, params CreatePlanParams) (*types.Plan, error) {
	plan := &types.Plan{
		UserID:        userID,
		Topic:         params.Topic,
		Notes:         params.Notes,
		ModuleMinutes: params.ModuleMinutes,
		TaskMinutes:   params.TaskMinutes,
		WeeksPlanned:  params.WeeksPlanned,
		StartDate:     params.StartDate,
	}
	if plan.ModuleMinutes == 0 {
		plan.ModuleMinutes = plans.DefaultModuleMinutes
	}
	if plan.TaskMinutes == 0 {
		plan.TaskMinutes = plans.DefaultTaskMinutes
	}
	if plan.WeeksPlanned == 0 {
		plan.WeeksPlanned = plans.DefaultWeeksPlanned
	}
	created, err := s.planRepo.Create(dbctx.Context{Ctx: ctx}, []*types.Plan{plan})
	if err != nil {
		return nil, err
	}
	s.log.Info("Created plan", "plan_id", created[0].ID.String())
	return created[0], nil
}

// GeneratePlanNow is the synchronous entry point: it runs one orchestrated
// generation in the request and persists the result before returning.
func (s *planService) GeneratePlanNow(ctx context.Context, userID, planID uuid.UUID, requestedModel string) (*GenerationResult, error) {
	dbc := dbctx.Context{Ctx: ctx}

	plan, err := s.planRepo.GetByIDForUser(dbc, planID, userID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}

	// Short-circuit before reserving anything when this plan has already
	// burned its whole budget with nothing to show.
	if cappedID, err := s.ledger.FindCappedPlanWithoutModules(ctx, userID); err == nil && cappedID != nil && *cappedID == planID {
		return &GenerationResult{
			Status:         GenerationFailed,
			Classification: types.FailCapped,
			Err:            ErrAttemptCapExceeded,
		}, nil
	}

	tier := types.TierFree
	if users, uErr := s.userRepo.GetByIDs(ctx, nil, []uuid.UUID{userID}); uErr == nil && len(users) == 1 {
		tier = users[0].Tier
	}
	resolution := s.resolver.Resolve(tier, requestedModel)

	result, err := s.generation.Generate(ctx, GenerateParams{
		PlanID:   planID,
		UserID:   userID,
		Input: GenerationInput{
			Topic:         plan.Topic,
			Notes:         plan.Notes,
			ModuleMinutes: plan.ModuleMinutes,
			TaskMinutes:   plan.TaskMinutes,
			WeeksPlanned:  plan.WeeksPlanned,
			StartDate:     plan.StartDate,
		},
		Provider: resolution.Provider,
	})
	if err != nil {
		return nil, err
	}

	if result.Status == GenerationSucceeded {
		if err := s.persistModules(dbc, planID, result); err != nil {
			return nil, err
		}
		if s.notifier != nil {
			s.notifier.Publish(ctx, userID, "plan.ready", map[string]any{
				"plan_id":       planID.String(),
				"modules_count": result.ModulesCount,
			})
		}
	}
	return result, nil
}

func (s *planService) persistModules(dbc dbctx.Context, planID uuid.UUID, result *GenerationResult) error {
	modules := make([]*types.PlanModule, 0, len(result.Modules))
	tasksByModule := map[int][]*types.PlanTask{}
	for i, chunk := range result.Modules {
		modules = append(modules, &types.PlanModule{
			PlanID:      planID,
			Position:    i + 1,
			Title:       chunk.Title,
			Description: chunk.Description,
		})
		for j, task := range chunk.Tasks {
			tasksByModule[i] = append(tasksByModule[i], &types.PlanTask{
				Position:         j + 1,
				Title:            task.Title,
				EstimatedMinutes: task.EstimatedMinutes,
			})
		}
	}
	return s.moduleRepo.ReplaceForPlan(dbc, planID, modules, tasksByModule)
}

func (s *planService) RegeneratePlan(ctx context.Context, userID, planID uuid.UUID, overrides jobs.RegenerateOverrides) (*types.Job, error) {
	return s.queue.EnqueueRegeneration(ctx, userID, planID, overrides)
}

func (s *planService) GetPlan(ctx context.Context, userID, planID uuid.UUID) (*PlanView, error) {
	dbc := dbctx.Context{Ctx: ctx}

	plan, err := s.planRepo.GetByIDForUser(dbc, planID, userID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}

	status, err := s.status.StatusForPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	modules, err := s.moduleRepo.GetByPlanID(dbc, planID)
	if err != nil {
		return nil, err
	}
	moduleIDs := make([]uuid.UUID, 0, len(modules))
	for _, mod := range modules {
		moduleIDs = append(moduleIDs, mod.ID)
	}
	tasks, err := s.moduleRepo.GetTasksByModuleIDs(dbc, moduleIDs)
	if err != nil {
		return nil, err
	}
	tasksByModule := map[uuid.UUID][]*types.PlanTask{}
	for _, task := range tasks {
		tasksByModule[task.ModuleID] = append(tasksByModule[task.ModuleID], task)
	}
	history, err := s.attemptRepo.ListByPlan(dbc, planID)
	if err != nil {
		return nil, err
	}

	return &PlanView{
		Plan:    plan,
		Status:  status,
		Modules: modules,
		Tasks:   tasksByModule,
		History: history,
	}, nil
}

func (s *planService) ListPlans(ctx context.Context, userID uuid.UUID) ([]*PlanView, error) {
	dbc := dbctx.Context{Ctx: ctx}

	userPlans, err := s.planRepo.ListByUser(dbc, userID)
	if err != nil {
		return nil, err
	}
	planIDs := make([]uuid.UUID, 0, len(userPlans))
	for _, plan := range userPlans {
		planIDs = append(planIDs, plan.ID)
	}
	statuses, err := s.status.StatusForPlans(ctx, planIDs)
	if err != nil {
		return nil, err
	}

	views := make([]*PlanView, 0, len(userPlans))
	for _, plan := range userPlans {
		views = append(views, &PlanView{
			Plan:   plan,
			Status: statuses[plan.ID],
		})
	}
	return views, nil
}
