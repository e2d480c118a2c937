package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	"github.com/planloom/planloom-backend/internal/data/repos"
	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/domain/jobs"
	"github.com/planloom/planloom-backend/internal/domain/plans"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
	"github.com/planloom/planloom-backend/internal/platform/logger"
	"github.com/planloom/planloom-backend/internal/platform/openai"
)

// ErrDrainInProgress means another inline drain is running in this process.
// Best-effort, single-process guard only; cross-process correctness comes
// from the SKIP LOCKED claim.
var ErrDrainInProgress = errors.New("drain already in progress")

// Worker failure reasons surfaced in WorkerResult and job errors.
const (
	ReasonInvalidPayload = "invalid_payload"
	ReasonPlanMissing    = "plan_missing"
)

// WorkerResult reports one worker tick: whether a job was claimed and how
// it ended.
type WorkerResult struct {
	Processed bool
	JobID     uuid.UUID
	Status    string
	Reason    string
}

type DrainResult struct {
	ProcessedCount int `json:"processed_count"`
	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`
}

type JobQueueService interface {
	EnqueueRegeneration(ctx context.Context, userID, planID uuid.UUID, overrides jobs.RegenerateOverrides) (*types.Job, error)
	GetNextJob(ctx context.Context, jobTypes ...string) (*types.Job, error)
	CompleteJob(ctx context.Context, jobID uuid.UUID, result map[string]any) error
	FailJob(ctx context.Context, jobID uuid.UUID, message string, retryable bool) error
	ProcessNextRegenerationJob(ctx context.Context) (*WorkerResult, error)
	DrainRegenerationQueue(ctx context.Context, maxJobs int) (*DrainResult, error)
	StartWorker(ctx context.Context, interval time.Duration)
}

type jobQueueService struct {
	jobRepo    repos.JobRepo
	planRepo   repos.PlanRepo
	moduleRepo repos.PlanModuleRepo
	userRepo   repos.UserRepo
	ledger     AttemptLedgerService
	generation GenerationService
	resolver   ModelResolverService
	notifier   NotifierService
	drainLock  *semaphore.Weighted
	log        *logger.Logger
}

// NewJobQueueService wires the regeneration queue. drainLock may be nil, in
// which case a fresh in-process semaphore is used; tests inject their own to
// exercise contention deterministically.
func NewJobQueueService(
	jobRepo repos.JobRepo,
	planRepo repos.PlanRepo,
	moduleRepo repos.PlanModuleRepo,
	userRepo repos.UserRepo,
	ledger AttemptLedgerService,
	generation GenerationService,
	resolver ModelResolverService,
	notifier NotifierService,
	drainLock *semaphore.Weighted,
	baseLog *logger.Logger,
) JobQueueService {
	if drainLock == nil {
		drainLock = semaphore.NewWeighted(1)
	}
	return &jobQueueService{
		jobRepo:    jobRepo,
		planRepo:   planRepo,
		moduleRepo: moduleRepo,
		userRepo:   userRepo,
		ledger:     ledger,
		generation: generation,
		resolver:   resolver,
		notifier:   notifier,
		drainLock:  drainLock,
		log:        baseLog.With("service", "JobQueueService"),
	}
}

// EnqueueRegeneration creates a pending regeneration job for the plan. If
// an active job already targets the plan, that job is returned instead of
// queueing a duplicate.
func (s *jobQueueService) EnqueueRegeneration(ctx context.Context, userID, planID uuid.UUID, overrides jobs.RegenerateOverrides) (*types.Job, error) {
	dbc := dbctx.Context{Ctx: ctx}

	plan, err := s.planRepo.GetByIDForUser(dbc, planID, userID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}

	active, err := s.jobRepo.HasActiveForPlan(dbc, planID, types.JobTypePlanRegenerate)
	if err != nil {
		return nil, err
	}
	if active {
		existing, err := s.jobRepo.ListByPlan(dbc, planID)
		if err != nil {
			return nil, err
		}
		for _, job := range existing {
			if job.Status == types.JobStatusPending || job.Status == types.JobStatusProcessing {
				return job, nil
			}
		}
	}

	payload, err := json.Marshal(jobs.RegeneratePayload{PlanID: planID, Overrides: overrides})
	if err != nil {
		return nil, fmt.Errorf("marshal regenerate payload: %w", err)
	}
	job := &types.Job{
		JobType:     types.JobTypePlanRegenerate,
		PlanID:      planID,
		UserID:      userID,
		Status:      types.JobStatusPending,
		MaxAttempts: jobs.DefaultMaxAttempts,
		Payload:     datatypes.JSON(payload),
	}
	created, err := s.jobRepo.Create(dbc, []*types.Job{job})
	if err != nil {
		return nil, err
	}

	s.log.Info("Enqueued regeneration job", "job_id", created[0].ID.String(), "plan_id", planID.String())
	s.notifyJob(ctx, created[0], "job.enqueued", nil)
	return created[0], nil
}

// GetNextJob claims the next pending job matching any of the given types;
// with no types it claims across the whole queue.
func (s *jobQueueService) GetNextJob(ctx context.Context, jobTypes ...string) (*types.Job, error) {
	return s.jobRepo.ClaimNextPending(dbctx.Context{Ctx: ctx}, jobTypes)
}

func (s *jobQueueService) CompleteJob(ctx context.Context, jobID uuid.UUID, result map[string]any) error {
	updates := map[string]interface{}{
		"status":       types.JobStatusCompleted,
		"completed_at": time.Now(),
		"error":        "",
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal job result: %w", err)
		}
		updates["result"] = datatypes.JSON(raw)
	}
	changed, err := s.jobRepo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, jobID,
		[]string{types.JobStatusCompleted, types.JobStatusFailed}, updates)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("complete job %s: job is already terminal", jobID)
	}
	return nil
}

// FailJob records a failure. Retryable failures with budget left return the
// job to pending for a later claim; everything else is terminal. The
// attempt counter advances here, not at claim time, so a crash between
// claim and failure does not burn budget.
func (s *jobQueueService) FailJob(ctx context.Context, jobID uuid.UUID, message string, retryable bool) error {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := s.jobRepo.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("fail job %s: not found", jobID)
	}

	attempts := job.Attempts + 1
	updates := map[string]interface{}{
		"attempts":  attempts,
		"error":     message,
		"retryable": retryable,
	}
	if !retryable || attempts >= job.MaxAttempts {
		updates["status"] = types.JobStatusFailed
		updates["completed_at"] = time.Now()
	} else {
		updates["status"] = types.JobStatusPending
		updates["started_at"] = nil
	}

	changed, err := s.jobRepo.UpdateFieldsUnlessStatus(dbc, jobID,
		[]string{types.JobStatusCompleted, types.JobStatusFailed}, updates)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("fail job %s: job is already terminal", jobID)
	}
	return nil
}

// ProcessNextRegenerationJob claims and runs one regeneration job. Any
// error the processing body cannot classify fails the job non-retryably;
// unknown error shapes must not cause retry storms.
func (s *jobQueueService) ProcessNextRegenerationJob(ctx context.Context) (*WorkerResult, error) {
	job, err := s.GetNextJob(ctx, types.JobTypePlanRegenerate)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return &WorkerResult{Processed: false}, nil
	}

	result := s.runRegenerationJob(ctx, job)
	return result, nil
}

func (s *jobQueueService) runRegenerationJob(ctx context.Context, job *types.Job) *WorkerResult {
	dbc := dbctx.Context{Ctx: ctx}

	payload, err := jobs.ParseRegeneratePayload(job.Payload)
	if err != nil {
		return s.failJobResult(ctx, job, err.Error(), false, ReasonInvalidPayload)
	}

	// One generic message for both "missing" and "not yours"; the
	// distinction must not leak.
	plan, err := s.planRepo.GetByIDForUser(dbc, payload.PlanID, job.UserID)
	if err != nil {
		return s.failJobResult(ctx, job, "failed to load plan", false, ReasonPlanMissing)
	}
	if plan == nil {
		return s.failJobResult(ctx, job, "plan not found", false, ReasonPlanMissing)
	}

	input, err := buildGenerationInput(plan, payload.Overrides)
	if err != nil {
		return s.failJobResult(ctx, job, err.Error(), false, ReasonInvalidPayload)
	}

	tier := types.TierFree
	if users, uErr := s.userRepo.GetByIDs(ctx, nil, []uuid.UUID{job.UserID}); uErr == nil && len(users) == 1 {
		tier = users[0].Tier
	}
	resolution := s.resolver.Resolve(tier, "")

	genResult, err := s.generation.Generate(ctx, GenerateParams{
		PlanID:   plan.ID,
		UserID:   job.UserID,
		Input:    input,
		Provider: resolution.Provider,
	})
	if err != nil {
		var rlErr *RateLimitError
		if errors.As(err, &rlErr) {
			return s.failJobResult(ctx, job, rlErr.Error(), true, string(types.FailRateLimit))
		}
		return s.failJobResult(ctx, job, err.Error(), false, "generation_error")
	}

	if genResult.Status == GenerationFailed {
		retryable := genResult.Classification.RetryableAtJobLevel()
		message := string(genResult.Classification)
		if genResult.Err != nil {
			message = genResult.Err.Error()
		}
		return s.failJobResult(ctx, job, message, retryable, string(genResult.Classification))
	}

	if err := s.persistGeneratedModules(dbc, plan.ID, genResult.Modules); err != nil {
		// Content is lost but the attempt is already sealed; a fresh job
		// attempt would bill again, so this stays non-retryable.
		return s.failJobResult(ctx, job, fmt.Sprintf("persist modules: %v", err), false, "persist_error")
	}

	result := map[string]any{
		"attempt_seq":   genResult.Seq,
		"modules_count": genResult.ModulesCount,
		"tasks_count":   genResult.TasksCount,
		"duration_ms":   genResult.DurationMs,
		"model":         resolution.Model,
	}
	if resolution.Fallback {
		result["model_fallback"] = resolution.Reason
	}
	if err := s.CompleteJob(ctx, job.ID, result); err != nil {
		s.log.Error("Failed to record job completion", "job_id", job.ID.String(), "error", err)
	}

	s.notifyJob(ctx, job, "job.completed", result)
	s.notifyPlan(ctx, job.UserID, plan.ID, "plan.ready", map[string]any{
		"modules_count": genResult.ModulesCount,
	})
	return &WorkerResult{Processed: true, JobID: job.ID, Status: types.JobStatusCompleted}
}

func (s *jobQueueService) failJobResult(ctx context.Context, job *types.Job, message string, retryable bool, reason string) *WorkerResult {
	if err := s.FailJob(ctx, job.ID, message, retryable); err != nil {
		// Secondary failure while recording the primary one: log and move
		// on, never re-throw.
		s.log.Error("Failed to record job failure",
			"job_id", job.ID.String(), "reason", reason, "error", err)
	}
	s.log.Warn("Regeneration job failed",
		"job_id", job.ID.String(), "reason", reason, "retryable", retryable)
	s.notifyJob(ctx, job, "job.failed", map[string]any{
		"reason":    reason,
		"retryable": retryable,
	})
	return &WorkerResult{Processed: true, JobID: job.ID, Status: types.JobStatusFailed, Reason: reason}
}

func (s *jobQueueService) persistGeneratedModules(dbc dbctx.Context, planID uuid.UUID, chunks []openai.ModuleChunk) error {
	modules := make([]*types.PlanModule, 0, len(chunks))
	tasksByModule := map[int][]*types.PlanTask{}
	for i, chunk := range chunks {
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

// DrainRegenerationQueue runs the worker body up to maxJobs times or until
// the queue is empty. maxJobs of zero is a defined no-op.
func (s *jobQueueService) DrainRegenerationQueue(ctx context.Context, maxJobs int) (*DrainResult, error) {
	out := &DrainResult{}
	if maxJobs <= 0 {
		return out, nil
	}
	if !s.drainLock.TryAcquire(1) {
		return out, ErrDrainInProgress
	}
	defer s.drainLock.Release(1)

	for i := 0; i < maxJobs; i++ {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		result, err := s.ProcessNextRegenerationJob(ctx)
		if err != nil {
			return out, err
		}
		if !result.Processed {
			break
		}
		out.ProcessedCount++
		switch result.Status {
		case types.JobStatusCompleted:
			out.CompletedCount++
		case types.JobStatusFailed:
			out.FailedCount++
		}
	}
	return out, nil
}

// StartWorker polls for regeneration jobs until ctx is cancelled. It also
// periodically sweeps abandoned reservations once they are provably past
// any possible provider budget.
func (s *jobQueueService) StartWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	reapAfter := s.generation.Timeouts().MaxBudget() + time.Minute

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		reapTicker := time.NewTicker(time.Minute)
		defer reapTicker.Stop()

		s.log.Info("Regeneration worker started", "interval", interval.String())
		for {
			select {
			case <-ctx.Done():
				s.log.Info("Regeneration worker stopped")
				return
			case <-reapTicker.C:
				if _, err := s.ledger.ReapStaleReservations(ctx, reapAfter); err != nil {
					s.log.Warn("Stale reservation sweep failed", "error", err)
				}
			case <-ticker.C:
				for {
					result, err := s.ProcessNextRegenerationJob(ctx)
					if err != nil {
						s.log.Warn("Worker tick failed", "error", err)
						break
					}
					if !result.Processed {
						break
					}
				}
			}
		}
	}()
}

func (s *jobQueueService) notifyJob(ctx context.Context, job *types.Job, event string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	data := map[string]any{
		"job_id":   job.ID.String(),
		"plan_id":  job.PlanID.String(),
		"job_type": job.JobType,
	}
	for k, v := range payload {
		data[k] = v
	}
	s.notifier.Publish(ctx, job.UserID, event, data)
}

func (s *jobQueueService) notifyPlan(ctx context.Context, userID, planID uuid.UUID, event string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	data := map[string]any{"plan_id": planID.String()}
	for k, v := range payload {
		data[k] = v
	}
	s.notifier.Publish(ctx, userID, event, data)
}

// buildGenerationInput merges the plan's stored fields with per-call
// overrides. An absent override keeps the stored value; an explicit null
// clears it. The two are not interchangeable.
func buildGenerationInput(plan *types.Plan, ov jobs.RegenerateOverrides) (GenerationInput, error) {
	input := GenerationInput{
		Topic:         plan.Topic,
		Notes:         plan.Notes,
		ModuleMinutes: plan.ModuleMinutes,
		TaskMinutes:   plan.TaskMinutes,
		WeeksPlanned:  plan.WeeksPlanned,
		StartDate:     plan.StartDate,
	}

	if ov.Topic.Present {
		input.Topic = stringOrEmpty(ov.Topic.Value)
	}
	if ov.Notes.Present {
		input.Notes = stringOrEmpty(ov.Notes.Value)
	}
	if ov.ModuleMinutes.Present {
		input.ModuleMinutes = intOrDefault(ov.ModuleMinutes.Value, plans.DefaultModuleMinutes)
	}
	if ov.TaskMinutes.Present {
		input.TaskMinutes = intOrDefault(ov.TaskMinutes.Value, plans.DefaultTaskMinutes)
	}
	if ov.WeeksPlanned.Present {
		input.WeeksPlanned = intOrDefault(ov.WeeksPlanned.Value, plans.DefaultWeeksPlanned)
	}
	if ov.StartDate.Present {
		if ov.StartDate.Value == nil {
			input.StartDate = nil
		} else {
			parsed, err := time.Parse("2006-01-02", *ov.StartDate.Value)
			if err != nil {
				return GenerationInput{}, fmt.Errorf("invalid start_date override: %w", err)
			}
			input.StartDate = &parsed
		}
	}
	return input, nil
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
