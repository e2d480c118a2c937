package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
	"github.com/planloom/planloom-backend/internal/platform/logger"
	"github.com/planloom/planloom-backend/internal/platform/openai"
)

var (
	testLogOnce sync.Once
	testLog     *logger.Logger
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	testLogOnce.Do(func() {
		testLog, _ = logger.New("test")
	})
	if testLog == nil {
		t.Fatal("failed to init test logger")
	}
	return testLog
}

func dbcBackground() dbctx.Context {
	return dbctx.Context{Ctx: context.Background()}
}

type fakeAttemptRepo struct {
	countForUser    int64
	countForUserErr error
	oldest          *types.GenerationAttempt

	countByPlan    map[uuid.UUID]int64
	unfinalized    map[uuid.UUID]bool
	createdRows    []*types.GenerationAttempt
	finalizedCalls int
}

func (f *fakeAttemptRepo) Create(dbc dbctx.Context, attempt *types.GenerationAttempt) (*types.GenerationAttempt, error) {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	f.createdRows = append(f.createdRows, attempt)
	return attempt, nil
}

func (f *fakeAttemptRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationAttempt, error) {
	for _, row := range f.createdRows {
		if row.ID == id {
			return row, nil
		}
	}
	return nil, nil
}

func (f *fakeAttemptRepo) CountByPlan(dbc dbctx.Context, planID uuid.UUID) (int64, error) {
	return f.countByPlan[planID], nil
}

func (f *fakeAttemptRepo) ListByPlan(dbc dbctx.Context, planID uuid.UUID) ([]*types.GenerationAttempt, error) {
	return nil, nil
}

func (f *fakeAttemptRepo) LatestByPlan(dbc dbctx.Context, planID uuid.UUID) (*types.GenerationAttempt, error) {
	return nil, nil
}

func (f *fakeAttemptRepo) HasUnfinalizedByPlan(dbc dbctx.Context, planID uuid.UUID) (bool, error) {
	return f.unfinalized[planID], nil
}

func (f *fakeAttemptRepo) UnfinalizedPlanIDs(dbc dbctx.Context, planIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	out := map[uuid.UUID]bool{}
	for _, planID := range planIDs {
		if f.unfinalized[planID] {
			out[planID] = true
		}
	}
	return out, nil
}

func (f *fakeAttemptRepo) FinalizeFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	f.finalizedCalls++
	return true, nil
}

func (f *fakeAttemptRepo) CountForUserSince(dbc dbctx.Context, userID uuid.UUID, since time.Time) (int64, error) {
	if f.countForUserErr != nil {
		return 0, f.countForUserErr
	}
	return f.countForUser, nil
}

func (f *fakeAttemptRepo) OldestForUserSince(dbc dbctx.Context, userID uuid.UUID, since time.Time) (*types.GenerationAttempt, error) {
	return f.oldest, nil
}

func (f *fakeAttemptRepo) ListStaleReserved(dbc dbctx.Context, olderThan time.Time, limit int) ([]*types.GenerationAttempt, error) {
	return nil, nil
}

func (f *fakeAttemptRepo) FindCappedPlanIDsWithoutModules(dbc dbctx.Context, userID uuid.UUID, cap int, limit int) ([]uuid.UUID, error) {
	return nil, nil
}

// fakeLedger satisfies AttemptLedgerService without a database. Reservations
// hand out fresh attempt IDs; finalize calls are counted so tests can assert
// the exactly-once contract.
type fakeLedger struct {
	reserveErr   error
	reserveCalls int
	seq          int

	successCalls int
	failureCalls int
	lastSuccess  FinalizeSuccessParams
	lastFailure  FinalizeFailureParams
}

func (f *fakeLedger) ReserveAttemptSlot(ctx context.Context, planID, userID uuid.UUID, raw GenerationInput) (*Reservation, error) {
	f.reserveCalls++
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	f.seq++
	return &Reservation{
		AttemptID: uuid.New(),
		PlanID:    planID,
		Seq:       f.seq,
		StartedAt: time.Now(),
		Input:     SanitizeGenerationInput(raw),
	}, nil
}

func (f *fakeLedger) FinalizeAttemptSuccess(ctx context.Context, attemptID uuid.UUID, params FinalizeSuccessParams) (*types.GenerationAttempt, error) {
	f.successCalls++
	f.lastSuccess = params
	return &types.GenerationAttempt{ID: attemptID, Status: types.AttemptStatusSuccess}, nil
}

func (f *fakeLedger) FinalizeAttemptFailure(ctx context.Context, attemptID uuid.UUID, params FinalizeFailureParams) (*types.GenerationAttempt, error) {
	f.failureCalls++
	f.lastFailure = params
	return &types.GenerationAttempt{ID: attemptID, Status: types.AttemptStatusFailure}, nil
}

func (f *fakeLedger) FindCappedPlanWithoutModules(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error) {
	return nil, nil
}

func (f *fakeLedger) ReapStaleReservations(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeLedger) AttemptCap() int { return 3 }

type fakeLimiter struct {
	err error
}

func (f *fakeLimiter) CheckPlanGenerationRateLimit(ctx context.Context, userID uuid.UUID) (*RateLimitStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &RateLimitStatus{Limit: 5, Remaining: 5}, nil
}

type fakeProvider struct {
	modules []openai.ModuleChunk
	err     error
	model   string
}

func (f *fakeProvider) GeneratePlan(ctx context.Context, req openai.PlanRequest) (openai.PlanStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return openai.NewSliceStream(f.modules, map[string]any{"total_tokens": 42}), nil
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ModelID() string {
	if f.model == "" {
		return "gpt-4o-mini"
	}
	return f.model
}

type fakeJobRepo struct {
	jobs        map[uuid.UUID]*types.Job
	order       []uuid.UUID
	activePlans map[uuid.UUID]bool
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]*types.Job{}}
}

func (f *fakeJobRepo) Create(dbc dbctx.Context, jobs []*types.Job) ([]*types.Job, error) {
	for _, job := range jobs {
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		job.CreatedAt = time.Now()
		f.jobs[job.ID] = job
		f.order = append(f.order, job.ID)
	}
	return jobs, nil
}

func (f *fakeJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	return f.jobs[id], nil
}

func (f *fakeJobRepo) GetByIDForUser(dbc dbctx.Context, id, userID uuid.UUID) (*types.Job, error) {
	job := f.jobs[id]
	if job == nil || job.UserID != userID {
		return nil, nil
	}
	return job, nil
}

func (f *fakeJobRepo) ClaimNextPending(dbc dbctx.Context, jobTypes []string) (*types.Job, error) {
	matches := func(jobType string) bool {
		if len(jobTypes) == 0 {
			return true
		}
		for _, t := range jobTypes {
			if t == jobType {
				return true
			}
		}
		return false
	}
	for _, id := range f.order {
		job := f.jobs[id]
		if matches(job.JobType) && job.Status == types.JobStatusPending {
			now := time.Now()
			job.Status = types.JobStatusProcessing
			job.StartedAt = &now
			return job, nil
		}
	}
	return nil, nil
}

func (f *fakeJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if job := f.jobs[id]; job != nil {
		applyJobUpdates(job, updates)
	}
	return nil
}

func (f *fakeJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	job := f.jobs[id]
	if job == nil {
		return false, nil
	}
	for _, status := range disallowedStatuses {
		if job.Status == status {
			return false, nil
		}
	}
	applyJobUpdates(job, updates)
	return true, nil
}

func (f *fakeJobRepo) HasActiveForPlan(dbc dbctx.Context, planID uuid.UUID, jobType string) (bool, error) {
	if f.activePlans[planID] {
		return true, nil
	}
	for _, job := range f.jobs {
		if job.PlanID == planID && job.JobType == jobType &&
			(job.Status == types.JobStatusPending || job.Status == types.JobStatusProcessing) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeJobRepo) ActivePlanIDs(dbc dbctx.Context, planIDs []uuid.UUID, jobType string) (map[uuid.UUID]bool, error) {
	out := map[uuid.UUID]bool{}
	for _, planID := range planIDs {
		active, _ := f.HasActiveForPlan(dbc, planID, jobType)
		if active {
			out[planID] = true
		}
	}
	return out, nil
}

func (f *fakeJobRepo) ListByPlan(dbc dbctx.Context, planID uuid.UUID) ([]*types.Job, error) {
	var out []*types.Job
	for _, id := range f.order {
		if f.jobs[id].PlanID == planID {
			out = append(out, f.jobs[id])
		}
	}
	return out, nil
}

func applyJobUpdates(job *types.Job, updates map[string]interface{}) {
	for key, val := range updates {
		switch key {
		case "status":
			job.Status = val.(string)
		case "attempts":
			job.Attempts = val.(int)
		case "error":
			job.Error = val.(string)
		case "retryable":
			job.Retryable = val.(bool)
		case "started_at":
			if val == nil {
				job.StartedAt = nil
			} else if ts, ok := val.(time.Time); ok {
				job.StartedAt = &ts
			}
		case "completed_at":
			if ts, ok := val.(time.Time); ok {
				job.CompletedAt = &ts
			}
		case "result":
			if raw, ok := val.(datatypes.JSON); ok {
				job.Result = raw
			}
		}
	}
}

type fakePlanRepo struct {
	plans map[uuid.UUID]*types.Plan
}

func (f *fakePlanRepo) Create(dbc dbctx.Context, plans []*types.Plan) ([]*types.Plan, error) {
	for _, plan := range plans {
		if plan.ID == uuid.Nil {
			plan.ID = uuid.New()
		}
		f.plans[plan.ID] = plan
	}
	return plans, nil
}

func (f *fakePlanRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Plan, error) {
	return f.plans[id], nil
}

func (f *fakePlanRepo) GetByIDForUser(dbc dbctx.Context, id, userID uuid.UUID) (*types.Plan, error) {
	plan := f.plans[id]
	if plan == nil || plan.UserID != userID {
		return nil, nil
	}
	return plan, nil
}

func (f *fakePlanRepo) GetByIDLocked(dbc dbctx.Context, id uuid.UUID) (*types.Plan, error) {
	return f.plans[id], nil
}

func (f *fakePlanRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.Plan, error) {
	var out []*types.Plan
	for _, plan := range f.plans {
		if plan.UserID == userID {
			out = append(out, plan)
		}
	}
	return out, nil
}

func (f *fakePlanRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (f *fakePlanRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	delete(f.plans, id)
	return nil
}

type fakeUserRepo struct {
	users []*types.User
}

func (f *fakeUserRepo) Create(ctx context.Context, tx *gorm.DB, users []*types.User) ([]*types.User, error) {
	f.users = append(f.users, users...)
	return users, nil
}

func (f *fakeUserRepo) GetByIDs(ctx context.Context, tx *gorm.DB, userIDs []uuid.UUID) ([]*types.User, error) {
	var out []*types.User
	for _, user := range f.users {
		for _, id := range userIDs {
			if user.ID == id {
				out = append(out, user)
			}
		}
	}
	return out, nil
}

func (f *fakeUserRepo) GetByEmails(ctx context.Context, tx *gorm.DB, userEmails []string) ([]*types.User, error) {
	var out []*types.User
	for _, user := range f.users {
		for _, email := range userEmails {
			if user.Email == email {
				out = append(out, user)
			}
		}
	}
	return out, nil
}

func (f *fakeUserRepo) EmailExists(ctx context.Context, tx *gorm.DB, userEmail string) (bool, error) {
	for _, user := range f.users {
		if user.Email == userEmail {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUserRepo) UpdateTier(ctx context.Context, tx *gorm.DB, userID uuid.UUID, tier string) error {
	for _, user := range f.users {
		if user.ID == userID {
			user.Tier = tier
		}
	}
	return nil
}

func validModules() []openai.ModuleChunk {
	return []openai.ModuleChunk{
		{
			Title:       "Foundations",
			Description: "Core ideas",
			Tasks: []openai.TaskChunk{
				{Title: "Read the overview", EstimatedMinutes: 20},
				{Title: "Take notes", EstimatedMinutes: 15},
			},
		},
		{
			Title: "Practice",
			Tasks: []openai.TaskChunk{
				{Title: "Solve exercises", EstimatedMinutes: 30},
			},
		},
	}
}
