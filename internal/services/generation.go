package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/platform/envutil"
	"github.com/planloom/planloom-backend/internal/platform/logger"
	"github.com/planloom/planloom-backend/internal/platform/openai"
)

// ValidationError reports that the provider answered but the aggregate plan
// shape failed validation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "plan validation failed: " + e.Reason }

// TimeoutConfig is the per-call time budget. The budget is BaseMs unless
// the work estimate exceeds ExtensionThresholdMs, in which case ExtensionMs
// is added once. A single escalation step, never a multiplier chain.
type TimeoutConfig struct {
	BaseMs               int
	ExtensionMs          int
	ExtensionThresholdMs int
	PerWeekEstimateMs    int
}

func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		BaseMs:               envutil.Int("GENERATION_TIMEOUT_BASE_MS", 30000),
		ExtensionMs:          envutil.Int("GENERATION_TIMEOUT_EXTENSION_MS", 30000),
		ExtensionThresholdMs: envutil.Int("GENERATION_TIMEOUT_EXTENSION_THRESHOLD_MS", 30000),
		PerWeekEstimateMs:    envutil.Int("GENERATION_TIMEOUT_PER_WEEK_MS", 2000),
	}
}

// Budget returns the wall-clock budget for a plan spanning the given number
// of weeks.
func (tc TimeoutConfig) Budget(weeksPlanned int) time.Duration {
	budgetMs := tc.BaseMs
	if tc.PerWeekEstimateMs*weeksPlanned > tc.ExtensionThresholdMs {
		budgetMs += tc.ExtensionMs
	}
	return time.Duration(budgetMs) * time.Millisecond
}

// MaxBudget is the largest budget any call can receive; the stale
// reservation sweep must wait at least this long.
func (tc TimeoutConfig) MaxBudget() time.Duration {
	return time.Duration(tc.BaseMs+tc.ExtensionMs) * time.Millisecond
}

const (
	GenerationSucceeded = "success"
	GenerationFailed    = "failure"
)

// GenerationResult is the discriminated outcome of one orchestrated call.
// On failure Classification is always set; on success Modules carries the
// full drained plan content.
type GenerationResult struct {
	Status         string
	AttemptID      uuid.UUID
	Seq            int
	Modules        []openai.ModuleChunk
	ModulesCount   int
	TasksCount     int
	DurationMs     int64
	ProviderMeta   datatypes.JSON
	Classification types.FailureClass
	Err            error
}

type GenerateParams struct {
	PlanID uuid.UUID
	UserID uuid.UUID
	Input  GenerationInput

	// Provider overrides the resolved default; nil keeps the service's own.
	Provider openai.Client
	// Timeouts overrides the configured budget; nil keeps the default.
	Timeouts *TimeoutConfig
}

type GenerationService interface {
	Generate(ctx context.Context, params GenerateParams) (*GenerationResult, error)
	Timeouts() TimeoutConfig
}

type generationService struct {
	ledger   AttemptLedgerService
	limiter  RateLimitService
	provider openai.Client
	timeouts TimeoutConfig
	log      *logger.Logger
}

func NewGenerationService(
	ledger AttemptLedgerService,
	limiter RateLimitService,
	provider openai.Client,
	baseLog *logger.Logger,
) GenerationService {
	return &generationService{
		ledger:   ledger,
		limiter:  limiter,
		provider: provider,
		timeouts: DefaultTimeoutConfig(),
		log:      baseLog.With("service", "GenerationService"),
	}
}

func (s *generationService) Timeouts() TimeoutConfig { return s.timeouts }

// Generate executes exactly one provider call per reservation and seals the
// attempt with exactly one finalize. It never retries; retrying is the
// caller's decision because every retry is a new billed attempt.
func (s *generationService) Generate(ctx context.Context, params GenerateParams) (*GenerationResult, error) {
	if _, err := s.limiter.CheckPlanGenerationRateLimit(ctx, params.UserID); err != nil {
		return nil, err
	}

	reservation, err := s.ledger.ReserveAttemptSlot(ctx, params.PlanID, params.UserID, params.Input)
	if err != nil {
		if errors.Is(err, ErrAttemptCapExceeded) {
			// No attempt row exists; nothing to finalize.
			return &GenerationResult{
				Status:         GenerationFailed,
				Classification: types.FailCapped,
				Err:            err,
			}, nil
		}
		return nil, err
	}

	timeouts := s.timeouts
	if params.Timeouts != nil {
		timeouts = *params.Timeouts
	}
	budget := timeouts.Budget(reservation.Input.WeeksPlanned)

	provider := s.provider
	if params.Provider != nil {
		provider = params.Provider
	}

	started := time.Now()
	modules, meta, genErr := s.callProvider(ctx, provider, reservation.Input, budget)
	elapsed := time.Since(started).Milliseconds()

	if genErr != nil {
		classification := classifyGenerationError(genErr)
		if _, finErr := s.ledger.FinalizeAttemptFailure(ctx, reservation.AttemptID, FinalizeFailureParams{
			Classification: classification,
			DurationMs:     elapsed,
			ProviderMeta:   meta,
		}); finErr != nil {
			s.log.Error("Failed to finalize failed attempt",
				"attempt_id", reservation.AttemptID.String(), "error", finErr)
			genErr = errors.Join(genErr, finErr)
		}
		s.log.Warn("Generation attempt failed",
			"plan_id", params.PlanID.String(),
			"seq", reservation.Seq,
			"classification", string(classification),
			"duration_ms", elapsed,
		)
		return &GenerationResult{
			Status:         GenerationFailed,
			AttemptID:      reservation.AttemptID,
			Seq:            reservation.Seq,
			DurationMs:     elapsed,
			ProviderMeta:   meta,
			Classification: classification,
			Err:            genErr,
		}, nil
	}

	modulesCount := len(modules)
	tasksCount := 0
	for _, mod := range modules {
		tasksCount += len(mod.Tasks)
	}
	if _, finErr := s.ledger.FinalizeAttemptSuccess(ctx, reservation.AttemptID, FinalizeSuccessParams{
		ModulesCount: modulesCount,
		TasksCount:   tasksCount,
		DurationMs:   elapsed,
		ProviderMeta: meta,
	}); finErr != nil {
		return nil, fmt.Errorf("finalize successful attempt %s: %w", reservation.AttemptID, finErr)
	}

	s.log.Info("Generation attempt succeeded",
		"plan_id", params.PlanID.String(),
		"seq", reservation.Seq,
		"modules", modulesCount,
		"tasks", tasksCount,
		"duration_ms", elapsed,
	)
	return &GenerationResult{
		Status:       GenerationSucceeded,
		AttemptID:    reservation.AttemptID,
		Seq:          reservation.Seq,
		Modules:      modules,
		ModulesCount: modulesCount,
		TasksCount:   tasksCount,
		DurationMs:   elapsed,
		ProviderMeta: meta,
	}, nil
}

// callProvider runs the provider call and fully drains the stream under one
// context deadline. A partially streamed plan that hits the deadline is
// discarded, never persisted.
func (s *generationService) callProvider(ctx context.Context, provider openai.Client, input SanitizedInput, budget time.Duration) ([]openai.ModuleChunk, datatypes.JSON, error) {
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	req := openai.PlanRequest{
		Topic:         input.Topic,
		Notes:         input.Notes,
		ModuleMinutes: input.ModuleMinutes,
		TaskMinutes:   input.TaskMinutes,
		WeeksPlanned:  input.WeeksPlanned,
	}
	if input.StartDate != nil {
		req.StartDate = input.StartDate.UTC().Format("2006-01-02")
	}

	stream, err := provider.GeneratePlan(callCtx, req)
	if err != nil {
		return nil, nil, err
	}

	var modules []openai.ModuleChunk
	for {
		if callCtx.Err() != nil {
			return nil, nil, callCtx.Err()
		}
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return nil, nil, recvErr
		}
		modules = append(modules, *chunk)
	}

	meta := usageMeta(provider, stream.Usage())
	if err := validatePlanShape(modules); err != nil {
		return nil, meta, err
	}
	return modules, meta, nil
}

func validatePlanShape(modules []openai.ModuleChunk) error {
	if len(modules) == 0 {
		return &ValidationError{Reason: "no modules"}
	}
	for i, mod := range modules {
		if mod.Title == "" {
			return &ValidationError{Reason: fmt.Sprintf("module %d has no title", i+1)}
		}
		if len(mod.Tasks) == 0 {
			return &ValidationError{Reason: fmt.Sprintf("module %d has no tasks", i+1)}
		}
		for j, task := range mod.Tasks {
			if task.Title == "" {
				return &ValidationError{Reason: fmt.Sprintf("module %d task %d has no title", i+1, j+1)}
			}
		}
	}
	return nil
}

// classifyGenerationError is total over everything the provider call can
// return; anything unrecognized is a provider error.
func classifyGenerationError(err error) types.FailureClass {
	var vErr *ValidationError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.FailTimeout
	case errors.Is(err, openai.ErrRateLimited):
		return types.FailRateLimit
	case errors.As(err, &vErr):
		return types.FailValidation
	default:
		return types.FailProviderError
	}
}

func usageMeta(provider openai.Client, usage map[string]any) datatypes.JSON {
	if usage == nil {
		usage = map[string]any{}
	}
	if provider != nil {
		usage["provider"] = provider.Name()
		if _, ok := usage["model"]; !ok {
			usage["model"] = provider.ModelID()
		}
	}
	raw, err := json.Marshal(usage)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
