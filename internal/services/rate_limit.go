package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/planloom/planloom-backend/internal/data/repos"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
	"github.com/planloom/planloom-backend/internal/platform/envutil"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

// RateLimitError reports that the user is out of generation budget for the
// current window. RetryAfter is how long the caller should wait; Reset is
// the fixed window boundary.
type RateLimitError struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}

// RateLimitStatus is the result of a passing check.
type RateLimitStatus struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

type RateLimitService interface {
	CheckPlanGenerationRateLimit(ctx context.Context, userID uuid.UUID) (*RateLimitStatus, error)
}

type rateLimitService struct {
	attemptRepo repos.AttemptRepo
	limit       int
	window      time.Duration
	now         func() time.Time
	log         *logger.Logger
}

func NewRateLimitService(attemptRepo repos.AttemptRepo, baseLog *logger.Logger) RateLimitService {
	return &rateLimitService{
		attemptRepo: attemptRepo,
		limit:       envutil.Int("GENERATION_RATE_LIMIT", 5),
		window:      envutil.Duration("GENERATION_RATE_WINDOW", 10*time.Minute),
		now:         time.Now,
		log:         baseLog.With("service", "RateLimitService"),
	}
}

// NewRateLimitServiceWithClock exists for deterministic tests.
func NewRateLimitServiceWithClock(attemptRepo repos.AttemptRepo, limit int, window time.Duration, now func() time.Time, baseLog *logger.Logger) RateLimitService {
	return &rateLimitService{
		attemptRepo: attemptRepo,
		limit:       limit,
		window:      window,
		now:         now,
		log:         baseLog.With("service", "RateLimitService"),
	}
}

// CheckPlanGenerationRateLimit counts the user's charged attempts since the
// current window boundary. The window start truncates "now" to a fixed
// boundary so reset stays stable across repeated calls in the same window.
//
// Fail-closed: when the count query errors the user is treated as already at
// the limit. Each permitted attempt costs real provider spend, so an
// unreachable store denies rather than allows.
func (s *rateLimitService) CheckPlanGenerationRateLimit(ctx context.Context, userID uuid.UUID) (*RateLimitStatus, error) {
	now := s.now()
	windowStart := now.Truncate(s.window)
	reset := windowStart.Add(s.window)

	dbc := dbctx.Context{Ctx: ctx}
	count, err := s.attemptRepo.CountForUserSince(dbc, userID, windowStart)
	if err != nil {
		s.log.Warn("Rate limit count failed, failing closed", "user_id", userID.String(), "error", err)
		// No oldest timestamp can be trusted here, so retryAfter falls back
		// to the full window.
		return nil, &RateLimitError{
			Limit:      s.limit,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: s.window,
		}
	}

	if count >= int64(s.limit) {
		retryAfter := reset.Sub(now)
		if oldest, oErr := s.attemptRepo.OldestForUserSince(dbc, userID, windowStart); oErr == nil && oldest != nil {
			retryAfter = oldest.StartedAt.Add(s.window).Sub(now)
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		return nil, &RateLimitError{
			Limit:      s.limit,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: retryAfter,
		}
	}

	return &RateLimitStatus{
		Limit:     s.limit,
		Remaining: s.limit - int(count),
		Reset:     reset,
	}, nil
}
