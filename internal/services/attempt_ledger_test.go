package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/planloom/planloom-backend/internal/data/repos"
	"github.com/planloom/planloom-backend/internal/data/repos/testutil"
	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
)

func TestSanitizeGenerationInput_CleansAndFlagsNothingWhenInBounds(t *testing.T) {
	out := SanitizeGenerationInput(GenerationInput{
		Topic:         "  Learn   Go\t properly ",
		Notes:         "focus on\nconcurrency",
		ModuleMinutes: 60,
		TaskMinutes:   20,
		WeeksPlanned:  4,
	})

	if out.Topic != "Learn Go properly" {
		t.Fatalf("unexpected topic: %q", out.Topic)
	}
	if out.Notes != "focus on\nconcurrency" {
		t.Fatalf("newline should survive cleaning, got %q", out.Notes)
	}
	if out.TopicTruncated || out.NotesTruncated || out.MinutesClamped {
		t.Fatalf("no flags expected, got %+v", out)
	}
	if out.Hash == "" {
		t.Fatal("expected a hash")
	}
}

func TestSanitizeGenerationInput_StripsControlCharacters(t *testing.T) {
	out := SanitizeGenerationInput(GenerationInput{
		Topic:         "bad\x00topic\x07here",
		ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 4,
	})
	if out.Topic != "badtopichere" {
		t.Fatalf("control chars should be stripped, got %q", out.Topic)
	}
}

func TestSanitizeGenerationInput_TruncatesAtRuneBoundary(t *testing.T) {
	topic := strings.Repeat("é", MaxTopicLen+10)
	out := SanitizeGenerationInput(GenerationInput{
		Topic:         topic,
		ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 4,
	})
	if !out.TopicTruncated {
		t.Fatal("expected topic_truncated flag")
	}
	if got := len([]rune(out.Topic)); got != MaxTopicLen {
		t.Fatalf("expected %d runes, got %d", MaxTopicLen, got)
	}
	if !strings.HasSuffix(out.Topic, "é") {
		t.Fatalf("multibyte rune split at truncation boundary: %q", out.Topic)
	}
}

func TestSanitizeGenerationInput_ClampsMinutes(t *testing.T) {
	out := SanitizeGenerationInput(GenerationInput{
		Topic:         "t",
		ModuleMinutes: 1000,
		TaskMinutes:   1,
		WeeksPlanned:  0,
	})
	if out.ModuleMinutes != MaxModuleMinutes {
		t.Fatalf("module minutes not clamped: %d", out.ModuleMinutes)
	}
	if out.TaskMinutes != MinTaskMinutes {
		t.Fatalf("task minutes not clamped: %d", out.TaskMinutes)
	}
	if out.WeeksPlanned != MinWeeksPlanned {
		t.Fatalf("weeks not clamped: %d", out.WeeksPlanned)
	}
	if !out.MinutesClamped {
		t.Fatal("expected minutes_clamped flag")
	}
}

func TestSanitizeGenerationInput_HashIsCaseInsensitiveAndStable(t *testing.T) {
	a := SanitizeGenerationInput(GenerationInput{Topic: "Learn Go", Notes: "Deep Dive", ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 4})
	b := SanitizeGenerationInput(GenerationInput{Topic: "learn go", Notes: "deep dive", ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 4})
	if a.Hash != b.Hash {
		t.Fatalf("hash should ignore case: %s vs %s", a.Hash, b.Hash)
	}

	c := SanitizeGenerationInput(GenerationInput{Topic: "learn go", Notes: "deep dive", ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 5})
	if a.Hash == c.Hash {
		t.Fatal("hash should change when weeks change")
	}

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := SanitizeGenerationInput(GenerationInput{Topic: "learn go", Notes: "deep dive", ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 4, StartDate: &start})
	if a.Hash == d.Hash {
		t.Fatal("hash should change when start date is set")
	}
}

func seedUserAndPlan(t *testing.T, tx *gorm.DB) (uuid.UUID, uuid.UUID) {
	t.Helper()
	user := &types.User{Email: uuid.NewString() + "@example.com", Password: "x"}
	if err := tx.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	plan := &types.Plan{UserID: user.ID, Topic: "Learn Go", ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 4}
	if err := tx.Create(plan).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	return user.ID, plan.ID
}

func TestAttemptLedger_ReserveToCapThenRejects(t *testing.T) {
	tx := testutil.Tx(t, testutil.DB(t))
	log := testutil.Logger(t)
	ctx := context.Background()

	userID, planID := seedUserAndPlan(t, tx)
	ledger := NewAttemptLedgerService(tx, repos.NewAttemptRepo(tx, log), repos.NewPlanRepo(tx, log), log)

	for i := 1; i <= ledger.AttemptCap(); i++ {
		res, err := ledger.ReserveAttemptSlot(ctx, planID, userID, GenerationInput{Topic: "Learn Go", ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 4})
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if res.Seq != i {
			t.Fatalf("expected seq %d, got %d", i, res.Seq)
		}
		if _, err := ledger.FinalizeAttemptFailure(ctx, res.AttemptID, FinalizeFailureParams{
			Classification: types.FailProviderError,
			DurationMs:     100,
		}); err != nil {
			t.Fatalf("finalize %d: %v", i, err)
		}
	}

	_, err := ledger.ReserveAttemptSlot(ctx, planID, userID, GenerationInput{Topic: "Learn Go", ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 4})
	if !errors.Is(err, ErrAttemptCapExceeded) {
		t.Fatalf("expected ErrAttemptCapExceeded, got %v", err)
	}
}

func TestAttemptLedger_ConcurrentReservationsStopAtCap(t *testing.T) {
	// Contends real transactions against each other, so this runs on the
	// shared pool instead of a per-test rollback tx and cleans up after
	// itself.
	db := testutil.DB(t)
	log := testutil.Logger(t)
	ctx := context.Background()

	userID, planID := seedUserAndPlan(t, db)
	t.Cleanup(func() {
		db.Where("plan_id = ?", planID).Delete(&types.GenerationAttempt{})
		db.Unscoped().Where("id = ?", planID).Delete(&types.Plan{})
		db.Where("id = ?", userID).Delete(&types.User{})
	})

	ledger := NewAttemptLedgerService(db, repos.NewAttemptRepo(db, log), repos.NewPlanRepo(db, log), log)
	cap := ledger.AttemptCap()
	workers := cap + 5

	type outcome struct {
		res *Reservation
		err error
	}
	results := make(chan outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.ReserveAttemptSlot(ctx, planID, userID, GenerationInput{
				Topic: "Learn Go", ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 4,
			})
			results <- outcome{res: res, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var reserved, capped int
	seqs := map[int]bool{}
	for out := range results {
		switch {
		case out.err == nil:
			reserved++
			seqs[out.res.Seq] = true
		case errors.Is(out.err, ErrAttemptCapExceeded):
			capped++
		default:
			t.Fatalf("unexpected error: %v", out.err)
		}
	}
	if reserved != cap {
		t.Fatalf("expected exactly %d reservations, got %d", cap, reserved)
	}
	if capped != workers-cap {
		t.Fatalf("expected %d capped rejections, got %d", workers-cap, capped)
	}
	for seq := 1; seq <= cap; seq++ {
		if !seqs[seq] {
			t.Fatalf("seq %d missing; reservations must be contiguous, got %v", seq, seqs)
		}
	}
}

func TestAttemptLedger_WrongUserGetsGenericNotFound(t *testing.T) {
	tx := testutil.Tx(t, testutil.DB(t))
	log := testutil.Logger(t)

	_, planID := seedUserAndPlan(t, tx)
	ledger := NewAttemptLedgerService(tx, repos.NewAttemptRepo(tx, log), repos.NewPlanRepo(tx, log), log)

	_, err := ledger.ReserveAttemptSlot(context.Background(), planID, uuid.New(), GenerationInput{Topic: "t", ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 4})
	if !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestAttemptLedger_FindCappedPlanWithoutModules(t *testing.T) {
	tx := testutil.Tx(t, testutil.DB(t))
	log := testutil.Logger(t)
	ctx := context.Background()

	userID, planID := seedUserAndPlan(t, tx)
	ledger := NewAttemptLedgerService(tx, repos.NewAttemptRepo(tx, log), repos.NewPlanRepo(tx, log), log)

	for i := 0; i < ledger.AttemptCap(); i++ {
		res, err := ledger.ReserveAttemptSlot(ctx, planID, userID, GenerationInput{Topic: "t", ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 4})
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if _, err := ledger.FinalizeAttemptFailure(ctx, res.AttemptID, FinalizeFailureParams{Classification: types.FailTimeout}); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}

	found, err := ledger.FindCappedPlanWithoutModules(ctx, userID)
	if err != nil {
		t.Fatalf("find capped: %v", err)
	}
	if found == nil || *found != planID {
		t.Fatalf("expected plan %s to be reported capped, got %v", planID, found)
	}
}

func TestAttemptLedger_ReapStaleReservations(t *testing.T) {
	tx := testutil.Tx(t, testutil.DB(t))
	log := testutil.Logger(t)
	ctx := context.Background()

	userID, planID := seedUserAndPlan(t, tx)
	attemptRepo := repos.NewAttemptRepo(tx, log)
	ledger := NewAttemptLedgerService(tx, attemptRepo, repos.NewPlanRepo(tx, log), log)

	res, err := ledger.ReserveAttemptSlot(ctx, planID, userID, GenerationInput{Topic: "t", ModuleMinutes: 60, TaskMinutes: 20, WeeksPlanned: 4})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Age the reservation past the sweep horizon.
	if err := tx.Model(&types.GenerationAttempt{}).
		Where("id = ?", res.AttemptID).
		Update("started_at", time.Now().Add(-2*time.Hour)).Error; err != nil {
		t.Fatalf("age reservation: %v", err)
	}

	reaped, err := ledger.ReapStaleReservations(ctx, time.Hour)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped, got %d", reaped)
	}

	row, err := attemptRepo.GetByID(dbctx.Context{Ctx: ctx}, res.AttemptID)
	if err != nil || row == nil {
		t.Fatalf("reload attempt: %v", err)
	}
	if row.Status != types.AttemptStatusFailure || row.FailureClass != string(types.FailTimeout) {
		t.Fatalf("expected timeout failure, got status=%s class=%s", row.Status, row.FailureClass)
	}
}
