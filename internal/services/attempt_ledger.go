package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/planloom/planloom-backend/internal/data/repos"
	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
	"github.com/planloom/planloom-backend/internal/platform/envutil"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

// ErrAttemptCapExceeded is the terminal "you've used your retries" condition.
// Callers surface it as a final state, never as something to retry.
var ErrAttemptCapExceeded = errors.New("attempt cap exceeded")

// ErrPlanNotFound deliberately covers both "no such plan" and "not your
// plan"; the two must stay indistinguishable to callers.
var ErrPlanNotFound = errors.New("plan not found")

// Input bounds. Oversized text is truncated and out-of-range minutes are
// clamped rather than rejected; the flags on the attempt row record that it
// happened.
const (
	MaxTopicLen = 200
	MaxNotesLen = 4000

	MinModuleMinutes = 15
	MaxModuleMinutes = 240
	MinTaskMinutes   = 5
	MaxTaskMinutes   = 120
	MinWeeksPlanned  = 1
	MaxWeeksPlanned  = 52
)

// GenerationInput is the raw prompt input for one generation call, before
// sanitization.
type GenerationInput struct {
	Topic         string     `json:"topic"`
	Notes         string     `json:"notes"`
	ModuleMinutes int        `json:"module_minutes"`
	TaskMinutes   int        `json:"task_minutes"`
	WeeksPlanned  int        `json:"weeks_planned"`
	StartDate     *time.Time `json:"start_date,omitempty"`
}

// SanitizedInput is the bounded form that actually reaches the provider,
// plus flags recording what sanitization changed.
type SanitizedInput struct {
	GenerationInput
	TopicTruncated bool
	NotesTruncated bool
	MinutesClamped bool
	Hash           string
}

// Reservation is a claimed attempt slot: an unfinalized attempt row that the
// caller must seal with exactly one finalize call.
type Reservation struct {
	AttemptID uuid.UUID
	PlanID    uuid.UUID
	Seq       int
	StartedAt time.Time
	Input     SanitizedInput
}

type FinalizeSuccessParams struct {
	ModulesCount int
	TasksCount   int
	DurationMs   int64
	ProviderMeta datatypes.JSON
}

type FinalizeFailureParams struct {
	Classification types.FailureClass
	DurationMs     int64
	ProviderMeta   datatypes.JSON
}

type AttemptLedgerService interface {
	ReserveAttemptSlot(ctx context.Context, planID, userID uuid.UUID, raw GenerationInput) (*Reservation, error)
	FinalizeAttemptSuccess(ctx context.Context, attemptID uuid.UUID, params FinalizeSuccessParams) (*types.GenerationAttempt, error)
	FinalizeAttemptFailure(ctx context.Context, attemptID uuid.UUID, params FinalizeFailureParams) (*types.GenerationAttempt, error)
	FindCappedPlanWithoutModules(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error)
	ReapStaleReservations(ctx context.Context, olderThan time.Duration) (int, error)
	AttemptCap() int
}

type attemptLedgerService struct {
	db          *gorm.DB
	attemptRepo repos.AttemptRepo
	planRepo    repos.PlanRepo
	cap         int
	log         *logger.Logger
}

func NewAttemptLedgerService(
	db *gorm.DB,
	attemptRepo repos.AttemptRepo,
	planRepo repos.PlanRepo,
	baseLog *logger.Logger,
) AttemptLedgerService {
	return &attemptLedgerService{
		db:          db,
		attemptRepo: attemptRepo,
		planRepo:    planRepo,
		cap:         envutil.Int("GENERATION_ATTEMPT_CAP", 3),
		log:         baseLog.With("service", "AttemptLedgerService"),
	}
}

func (s *attemptLedgerService) AttemptCap() int { return s.cap }

// ReserveAttemptSlot claims the next attempt slot for the plan. The cap
// check and the insert happen under FOR UPDATE on the plan row, so two
// concurrent reservations serialize and the count they see is consistent.
// This is the only code path allowed to insert attempt rows.
func (s *attemptLedgerService) ReserveAttemptSlot(ctx context.Context, planID, userID uuid.UUID, raw GenerationInput) (*Reservation, error) {
	if planID == uuid.Nil || userID == uuid.Nil {
		return nil, fmt.Errorf("reserve attempt slot: missing plan or user id")
	}
	sanitized := SanitizeGenerationInput(raw)

	var reservation *Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		plan, err := s.planRepo.GetByIDLocked(dbc, planID)
		if err != nil {
			// Fail closed: an unreadable ledger is treated as a full one,
			// because a permitted attempt costs real provider spend.
			return errors.Join(ErrAttemptCapExceeded, err)
		}
		if plan == nil || plan.UserID != userID {
			return ErrPlanNotFound
		}

		count, err := s.attemptRepo.CountByPlan(dbc, planID)
		if err != nil {
			return errors.Join(ErrAttemptCapExceeded, err)
		}
		if count >= int64(s.cap) {
			return ErrAttemptCapExceeded
		}

		now := time.Now()
		row := &types.GenerationAttempt{
			PlanID:         planID,
			UserID:         userID,
			Seq:            int(count) + 1,
			Status:         types.AttemptStatusReserved,
			TopicTruncated: sanitized.TopicTruncated,
			NotesTruncated: sanitized.NotesTruncated,
			MinutesClamped: sanitized.MinutesClamped,
			InputHash:      sanitized.Hash,
			StartedAt:      now,
		}
		if _, err := s.attemptRepo.Create(dbc, row); err != nil {
			return err
		}
		reservation = &Reservation{
			AttemptID: row.ID,
			PlanID:    planID,
			Seq:       row.Seq,
			StartedAt: now,
			Input:     sanitized,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Reserved attempt slot", "plan_id", planID.String(), "seq", reservation.Seq)
	return reservation, nil
}

func (s *attemptLedgerService) FinalizeAttemptSuccess(ctx context.Context, attemptID uuid.UUID, params FinalizeSuccessParams) (*types.GenerationAttempt, error) {
	dbc := dbctx.Context{Ctx: ctx}
	updates := map[string]interface{}{
		"status":        types.AttemptStatusSuccess,
		"modules_count": params.ModulesCount,
		"tasks_count":   params.TasksCount,
		"duration_ms":   params.DurationMs,
	}
	if len(params.ProviderMeta) > 0 {
		updates["provider_meta"] = params.ProviderMeta
	}
	sealed, err := s.attemptRepo.FinalizeFields(dbc, attemptID, updates)
	if err != nil {
		return nil, err
	}
	if !sealed {
		return nil, fmt.Errorf("finalize success: attempt %s is not reserved", attemptID)
	}
	return s.attemptRepo.GetByID(dbc, attemptID)
}

func (s *attemptLedgerService) FinalizeAttemptFailure(ctx context.Context, attemptID uuid.UUID, params FinalizeFailureParams) (*types.GenerationAttempt, error) {
	dbc := dbctx.Context{Ctx: ctx}
	updates := map[string]interface{}{
		"status":        types.AttemptStatusFailure,
		"failure_class": string(params.Classification),
		"duration_ms":   params.DurationMs,
	}
	if len(params.ProviderMeta) > 0 {
		updates["provider_meta"] = params.ProviderMeta
	}
	sealed, err := s.attemptRepo.FinalizeFields(dbc, attemptID, updates)
	if err != nil {
		return nil, err
	}
	if !sealed {
		return nil, fmt.Errorf("finalize failure: attempt %s is not reserved", attemptID)
	}
	return s.attemptRepo.GetByID(dbc, attemptID)
}

// FindCappedPlanWithoutModules returns one of the user's plans that has
// burned its whole attempt budget with nothing to show for it, or nil.
// Entry points use it to short-circuit before reserving anything.
func (s *attemptLedgerService) FindCappedPlanWithoutModules(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error) {
	dbc := dbctx.Context{Ctx: ctx}
	ids, err := s.attemptRepo.FindCappedPlanIDsWithoutModules(dbc, userID, s.cap, 1)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return &ids[0], nil
}

// ReapStaleReservations finalizes reservations abandoned by a crashed
// process as timeout failures. olderThan must exceed the largest possible
// provider budget so an attempt still legitimately in flight is never
// swept.
func (s *attemptLedgerService) ReapStaleReservations(ctx context.Context, olderThan time.Duration) (int, error) {
	dbc := dbctx.Context{Ctx: ctx}
	cutoff := time.Now().Add(-olderThan)
	stale, err := s.attemptRepo.ListStaleReserved(dbc, cutoff, 100)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, attempt := range stale {
		_, err := s.FinalizeAttemptFailure(ctx, attempt.ID, FinalizeFailureParams{
			Classification: types.FailTimeout,
			DurationMs:     time.Since(attempt.StartedAt).Milliseconds(),
		})
		if err != nil {
			s.log.Warn("Failed to reap stale reservation", "attempt_id", attempt.ID.String(), "error", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		s.log.Info("Reaped stale reservations", "count", reaped)
	}
	return reaped, nil
}

// SanitizeGenerationInput bounds the free-text and numeric inputs and
// computes a stable hash over the normalized result.
func SanitizeGenerationInput(raw GenerationInput) SanitizedInput {
	out := SanitizedInput{GenerationInput: raw}

	out.Topic = cleanText(raw.Topic)
	out.Notes = cleanText(raw.Notes)
	out.Topic, out.TopicTruncated = truncateRunes(out.Topic, MaxTopicLen)
	out.Notes, out.NotesTruncated = truncateRunes(out.Notes, MaxNotesLen)

	out.ModuleMinutes, out.MinutesClamped = clampInt(raw.ModuleMinutes, MinModuleMinutes, MaxModuleMinutes, out.MinutesClamped)
	out.TaskMinutes, out.MinutesClamped = clampInt(raw.TaskMinutes, MinTaskMinutes, MaxTaskMinutes, out.MinutesClamped)
	out.WeeksPlanned, out.MinutesClamped = clampInt(raw.WeeksPlanned, MinWeeksPlanned, MaxWeeksPlanned, out.MinutesClamped)

	out.Hash = hashGenerationInput(out)
	return out
}

// cleanText trims, strips control characters, and collapses whitespace runs.
func cleanText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		if r == '\n' {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if lastSpace {
				continue
			}
			b.WriteRune(' ')
			lastSpace = true
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

// truncateRunes cuts at a rune boundary so multibyte text never splits.
func truncateRunes(s string, max int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return strings.TrimSpace(string(runes[:max])), true
}

func clampInt(v, lo, hi int, clamped bool) (int, bool) {
	if v < lo {
		return lo, true
	}
	if v > hi {
		return hi, true
	}
	return v, clamped
}

func hashGenerationInput(in SanitizedInput) string {
	start := ""
	if in.StartDate != nil {
		start = in.StartDate.UTC().Format("2006-01-02")
	}
	canonical := fmt.Sprintf("topic=%s\x00notes=%s\x00module_minutes=%d\x00task_minutes=%d\x00weeks=%d\x00start=%s",
		strings.ToLower(in.Topic), strings.ToLower(in.Notes),
		in.ModuleMinutes, in.TaskMinutes, in.WeeksPlanned, start,
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
