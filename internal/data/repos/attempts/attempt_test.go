package attempts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/planloom/planloom-backend/internal/data/repos/testutil"
	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
)

func newAttemptFixture(t *testing.T) (AttemptRepo, *gorm.DB, dbctx.Context) {
	t.Helper()
	tx := testutil.Tx(t, testutil.DB(t))
	repo := NewAttemptRepo(tx, testutil.Logger(t))
	return repo, tx, dbctx.Context{Ctx: context.Background()}
}

func reservedAttempt(planID, userID uuid.UUID, seq int, startedAt time.Time) *types.GenerationAttempt {
	return &types.GenerationAttempt{
		PlanID:    planID,
		UserID:    userID,
		Seq:       seq,
		Status:    types.AttemptStatusReserved,
		InputHash: "hash",
		StartedAt: startedAt,
	}
}

func TestCountByPlan_IncludesReservedRows(t *testing.T) {
	repo, _, dbc := newAttemptFixture(t)
	planID, userID := uuid.New(), uuid.New()
	now := time.Now()

	if _, err := repo.Create(dbc, reservedAttempt(planID, userID, 1, now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := repo.Create(dbc, reservedAttempt(planID, userID, 2, now))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.FinalizeFields(dbc, second.ID, map[string]interface{}{
		"status": types.AttemptStatusFailure, "failure_class": string(types.FailTimeout),
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	count, err := repo.CountByPlan(dbc, planID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	// A reservation charges the cap even before it is sealed.
	if count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
}

func TestFinalizeFields_SealsExactlyOnce(t *testing.T) {
	repo, _, dbc := newAttemptFixture(t)
	attempt, err := repo.Create(dbc, reservedAttempt(uuid.New(), uuid.New(), 1, time.Now()))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sealed, err := repo.FinalizeFields(dbc, attempt.ID, map[string]interface{}{
		"status": types.AttemptStatusSuccess, "modules_count": 3,
	})
	if err != nil || !sealed {
		t.Fatalf("first finalize should seal: sealed=%v err=%v", sealed, err)
	}

	sealed, err = repo.FinalizeFields(dbc, attempt.ID, map[string]interface{}{
		"status": types.AttemptStatusFailure, "failure_class": string(types.FailTimeout),
	})
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if sealed {
		t.Fatal("second finalize must be a no-op")
	}

	row, err := repo.GetByID(dbc, attempt.ID)
	if err != nil || row == nil {
		t.Fatalf("reload: %v", err)
	}
	if row.Status != types.AttemptStatusSuccess || row.ModulesCount != 3 {
		t.Fatalf("late finalize overwrote the sealed row: %+v", row)
	}
	if row.FinalizedAt == nil {
		t.Fatal("finalized_at should be stamped")
	}
}

func TestCreate_RejectsDuplicateSeqForPlan(t *testing.T) {
	repo, _, dbc := newAttemptFixture(t)
	planID, userID := uuid.New(), uuid.New()

	if _, err := repo.Create(dbc, reservedAttempt(planID, userID, 1, time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Create(dbc, reservedAttempt(planID, userID, 1, time.Now())); err == nil {
		t.Fatal("duplicate (plan, seq) should violate the unique index")
	}
}

func TestListByPlan_OrdersBySeq(t *testing.T) {
	repo, _, dbc := newAttemptFixture(t)
	planID, userID := uuid.New(), uuid.New()
	now := time.Now()

	for _, seq := range []int{2, 1, 3} {
		if _, err := repo.Create(dbc, reservedAttempt(planID, userID, seq, now)); err != nil {
			t.Fatalf("create seq %d: %v", seq, err)
		}
	}

	rows, err := repo.ListByPlan(dbc, planID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i, row := range rows {
		if row.Seq != i+1 {
			t.Fatalf("row %d has seq %d", i, row.Seq)
		}
	}
}

func TestCountForUserSince_RespectsWindowBoundary(t *testing.T) {
	repo, _, dbc := newAttemptFixture(t)
	userID := uuid.New()
	now := time.Now()

	inWindow := reservedAttempt(uuid.New(), userID, 1, now.Add(-5*time.Minute))
	outOfWindow := reservedAttempt(uuid.New(), userID, 1, now.Add(-30*time.Minute))
	for _, row := range []*types.GenerationAttempt{inWindow, outOfWindow} {
		if _, err := repo.Create(dbc, row); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	since := now.Add(-10 * time.Minute)
	count, err := repo.CountForUserSince(dbc, userID, since)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 in-window attempt, got %d", count)
	}

	oldest, err := repo.OldestForUserSince(dbc, userID, since)
	if err != nil {
		t.Fatalf("oldest: %v", err)
	}
	if oldest == nil || oldest.ID != inWindow.ID {
		t.Fatalf("expected the in-window attempt, got %v", oldest)
	}
}

func TestListStaleReserved_OnlyOldReservedRows(t *testing.T) {
	repo, _, dbc := newAttemptFixture(t)
	userID := uuid.New()
	now := time.Now()

	stale, err := repo.Create(dbc, reservedAttempt(uuid.New(), userID, 1, now.Add(-2*time.Hour)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Create(dbc, reservedAttempt(uuid.New(), userID, 1, now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	sealed, err := repo.Create(dbc, reservedAttempt(uuid.New(), userID, 1, now.Add(-2*time.Hour)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.FinalizeFields(dbc, sealed.ID, map[string]interface{}{
		"status": types.AttemptStatusFailure, "failure_class": string(types.FailTimeout),
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rows, err := repo.ListStaleReserved(dbc, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != stale.ID {
		t.Fatalf("expected only the stale reservation, got %d rows", len(rows))
	}
}

func TestFindCappedPlanIDsWithoutModules(t *testing.T) {
	repo, tx, dbc := newAttemptFixture(t)
	userID := uuid.New()
	now := time.Now()

	failedAttempts := func(planID uuid.UUID) {
		for seq := 1; seq <= 3; seq++ {
			row := reservedAttempt(planID, userID, seq, now)
			if _, err := repo.Create(dbc, row); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := repo.FinalizeFields(dbc, row.ID, map[string]interface{}{
				"status": types.AttemptStatusFailure, "failure_class": string(types.FailProviderError),
			}); err != nil {
				t.Fatalf("finalize: %v", err)
			}
		}
	}

	capped := uuid.New()
	failedAttempts(capped)

	// Same shape but with generated content; must not be reported.
	withModules := uuid.New()
	failedAttempts(withModules)
	if err := tx.Create(&types.PlanModule{PlanID: withModules, Position: 1, Title: "m"}).Error; err != nil {
		t.Fatalf("seed module: %v", err)
	}

	// Under the cap; must not be reported.
	underCap := uuid.New()
	if _, err := repo.Create(dbc, reservedAttempt(underCap, userID, 1, now)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Sealed success whose modules never landed. The plan is capped and has
	// nothing to show the user, so it must still be reported.
	sealedEmpty := uuid.New()
	for seq := 1; seq <= 2; seq++ {
		row := reservedAttempt(sealedEmpty, userID, seq, now)
		if _, err := repo.Create(dbc, row); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := repo.FinalizeFields(dbc, row.ID, map[string]interface{}{
			"status": types.AttemptStatusFailure, "failure_class": string(types.FailProviderError),
		}); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}
	success := reservedAttempt(sealedEmpty, userID, 3, now)
	if _, err := repo.Create(dbc, success); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.FinalizeFields(dbc, success.ID, map[string]interface{}{
		"status": types.AttemptStatusSuccess, "modules_count": 2,
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	ids, err := repo.FindCappedPlanIDsWithoutModules(dbc, userID, 3, 10)
	if err != nil {
		t.Fatalf("find capped: %v", err)
	}
	want := map[uuid.UUID]bool{capped: true, sealedEmpty: true}
	if len(ids) != len(want) {
		t.Fatalf("expected %d plans, got %v", len(want), ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected plan %s in %v", id, ids)
		}
	}
}

func TestUnfinalizedPlanIDs_BatchesReservedLookup(t *testing.T) {
	repo, _, dbc := newAttemptFixture(t)
	userID := uuid.New()
	now := time.Now()

	reserved := uuid.New()
	if _, err := repo.Create(dbc, reservedAttempt(reserved, userID, 1, now)); err != nil {
		t.Fatalf("create: %v", err)
	}

	sealed := uuid.New()
	row := reservedAttempt(sealed, userID, 1, now)
	if _, err := repo.Create(dbc, row); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.FinalizeFields(dbc, row.ID, map[string]interface{}{
		"status": types.AttemptStatusFailure, "failure_class": string(types.FailTimeout),
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	noAttempts := uuid.New()

	unfinalized, err := repo.UnfinalizedPlanIDs(dbc, []uuid.UUID{reserved, sealed, noAttempts})
	if err != nil {
		t.Fatalf("unfinalized plan ids: %v", err)
	}
	if !unfinalized[reserved] {
		t.Fatal("plan with a reserved attempt should be flagged")
	}
	if unfinalized[sealed] || unfinalized[noAttempts] {
		t.Fatalf("only the reserved plan should be flagged, got %v", unfinalized)
	}

	empty, err := repo.UnfinalizedPlanIDs(dbc, nil)
	if err != nil {
		t.Fatalf("empty input: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("empty input should yield an empty map, got %v", empty)
	}
}
