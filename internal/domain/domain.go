package domain

import (
	"github.com/planloom/planloom-backend/internal/domain/attempts"
	"github.com/planloom/planloom-backend/internal/domain/jobs"
	"github.com/planloom/planloom-backend/internal/domain/plans"
	"github.com/planloom/planloom-backend/internal/domain/user"
)

// Row types, re-exported so repos and services can import a single
// `types` package the way the rest of the codebase expects.
type (
	User              = user.User
	Plan              = plans.Plan
	PlanModule        = plans.PlanModule
	PlanTask          = plans.PlanTask
	PlanStatus        = plans.PlanStatus
	GenerationAttempt = attempts.GenerationAttempt
	FailureClass      = attempts.FailureClass
	Job               = jobs.Job
)

const (
	TierFree = user.TierFree
	TierPro  = user.TierPro
	TierTeam = user.TierTeam

	PlanStatusPending    = plans.StatusPending
	PlanStatusProcessing = plans.StatusProcessing
	PlanStatusReady      = plans.StatusReady
	PlanStatusFailed     = plans.StatusFailed

	AttemptStatusReserved = attempts.StatusReserved
	AttemptStatusSuccess  = attempts.StatusSuccess
	AttemptStatusFailure  = attempts.StatusFailure

	FailValidation    = attempts.FailValidation
	FailProviderError = attempts.FailProviderError
	FailRateLimit     = attempts.FailRateLimit
	FailTimeout       = attempts.FailTimeout
	FailCapped        = attempts.FailCapped

	JobTypePlanRegenerate = jobs.TypePlanRegenerate
	JobStatusPending      = jobs.StatusPending
	JobStatusProcessing   = jobs.StatusProcessing
	JobStatusCompleted    = jobs.StatusCompleted
	JobStatusFailed       = jobs.StatusFailed
)
