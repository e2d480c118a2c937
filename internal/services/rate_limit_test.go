package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/planloom/planloom-backend/internal/domain"
)

func TestRateLimit_UnderLimitPasses(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 3, 0, 0, time.UTC)
	repo := &fakeAttemptRepo{countForUser: 2}
	svc := NewRateLimitServiceWithClock(repo, 5, 10*time.Minute, func() time.Time { return now }, testLogger(t))

	status, err := svc.CheckPlanGenerationRateLimit(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Remaining != 3 {
		t.Fatalf("expected 3 remaining, got %d", status.Remaining)
	}
	wantReset := time.Date(2026, 8, 24, 10, 10, 0, 0, time.UTC)
	if !status.Reset.Equal(wantReset) {
		t.Fatalf("expected reset %s, got %s", wantReset, status.Reset)
	}
}

func TestRateLimit_AtLimitUsesOldestAttemptForRetryAfter(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 3, 0, 0, time.UTC)
	repo := &fakeAttemptRepo{
		countForUser: 5,
		oldest: &types.GenerationAttempt{
			StartedAt: time.Date(2026, 8, 24, 10, 1, 0, 0, time.UTC),
		},
	}
	svc := NewRateLimitServiceWithClock(repo, 5, 10*time.Minute, func() time.Time { return now }, testLogger(t))

	_, err := svc.CheckPlanGenerationRateLimit(context.Background(), uuid.New())
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rlErr.Remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", rlErr.Remaining)
	}
	// Oldest attempt at 10:01 plus a 10m window means room opens at 10:11.
	if rlErr.RetryAfter != 8*time.Minute {
		t.Fatalf("expected retry after 8m, got %s", rlErr.RetryAfter)
	}
}

func TestRateLimit_AtLimitWithoutOldestFallsBackToWindowBoundary(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 3, 0, 0, time.UTC)
	repo := &fakeAttemptRepo{countForUser: 5}
	svc := NewRateLimitServiceWithClock(repo, 5, 10*time.Minute, func() time.Time { return now }, testLogger(t))

	_, err := svc.CheckPlanGenerationRateLimit(context.Background(), uuid.New())
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rlErr.RetryAfter != 7*time.Minute {
		t.Fatalf("expected retry after 7m, got %s", rlErr.RetryAfter)
	}
}

func TestRateLimit_CountFailureFailsClosed(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 3, 0, 0, time.UTC)
	repo := &fakeAttemptRepo{countForUserErr: errors.New("connection refused")}
	svc := NewRateLimitServiceWithClock(repo, 5, 10*time.Minute, func() time.Time { return now }, testLogger(t))

	_, err := svc.CheckPlanGenerationRateLimit(context.Background(), uuid.New())
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitError on store failure, got %v", err)
	}
	if rlErr.RetryAfter != 10*time.Minute {
		t.Fatalf("fail-closed retry should be the full window, got %s", rlErr.RetryAfter)
	}
	if rlErr.Remaining != 0 {
		t.Fatalf("fail-closed should report 0 remaining, got %d", rlErr.Remaining)
	}
}
