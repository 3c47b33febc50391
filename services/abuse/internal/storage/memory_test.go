package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSeverityOrdering(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityHigh) || !SeverityHigh.AtLeast(SeverityHigh) {
		t.Fatalf("expected critical >= high >= high")
	}
	if SeverityMedium.AtLeast(SeverityHigh) {
		t.Fatalf("expected medium < high")
	}
	for _, s := range []Severity{SeverityLow, SeverityMedium} {
		if s.Escalates() {
			t.Fatalf("expected %s not to escalate", s)
		}
	}
	for _, s := range []Severity{SeverityHigh, SeverityCritical} {
		if !s.Escalates() {
			t.Fatalf("expected %s to escalate", s)
		}
	}
	if Severity("urgent").Valid() {
		t.Fatalf("expected unknown severity to be invalid")
	}
}

func TestMemoryCountActionsWindowIsInclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	actor := uuid.New()
	other := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, rec := range []ActivityRecord{
		{ID: uuid.New(), ActorID: &actor, Kind: ActionArtworkCreated, CreatedAt: now.Add(-60 * time.Second)},
		{ID: uuid.New(), ActorID: &actor, Kind: ActionArtworkCreated, CreatedAt: now.Add(-61 * time.Second)},
		{ID: uuid.New(), ActorID: &actor, Kind: ActionCollectionCreated, CreatedAt: now},
		{ID: uuid.New(), ActorID: &other, Kind: ActionArtworkCreated, CreatedAt: now},
		{ID: uuid.New(), Kind: ActionArtworkCreated, CreatedAt: now},
	} {
		if err := m.AppendActivity(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	count, err := m.CountActions(ctx, actor, ActionArtworkCreated, now.Add(-60*time.Second))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record inside the window, got %d", count)
	}
}

func TestMemoryRecentOriginsDistinctMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	actor := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	origins := []string{"10.0.0.1", "10.0.0.2", "10.0.0.1", "10.0.0.3"}
	for i, origin := range origins {
		_ = m.AppendActivity(ctx, ActivityRecord{
			ID: uuid.New(), ActorID: &actor, Kind: ActionLoginSuccess, Origin: origin,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	got, err := m.RecentOrigins(ctx, actor, ActionLoginSuccess, 2)
	if err != nil {
		t.Fatalf("recent origins: %v", err)
	}
	if len(got) != 2 || got[0] != "10.0.0.3" || got[1] != "10.0.0.1" {
		t.Fatalf("unexpected origins %v", got)
	}
}

func TestMemoryRecentOriginsSkipsUnknownOrigin(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	actor := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, origin := range []string{"10.0.0.1", "10.0.0.2", "", ""} {
		_ = m.AppendActivity(ctx, ActivityRecord{
			ID: uuid.New(), ActorID: &actor, Kind: ActionLoginSuccess, Origin: origin,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	got, err := m.RecentOrigins(ctx, actor, ActionLoginSuccess, 2)
	if err != nil {
		t.Fatalf("recent origins: %v", err)
	}
	if len(got) != 2 || got[0] != "10.0.0.2" || got[1] != "10.0.0.1" {
		t.Fatalf("expected both known origins, got %q", got)
	}
}

func TestMemoryLatestFlagSinceIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	actor := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = m.InsertFlag(ctx, Flag{ID: uuid.New(), ActorID: actor, Kind: FlagRapidSubmission, Severity: SeverityHigh, DetectedAt: at})

	if _, err := m.LatestFlagSince(ctx, actor, FlagRapidSubmission, at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found at the boundary, got %v", err)
	}
	if _, err := m.LatestFlagSince(ctx, actor, FlagRapidSubmission, at.Add(-time.Second)); err != nil {
		t.Fatalf("expected flag inside the window, got %v", err)
	}
	if _, err := m.LatestFlagSince(ctx, actor, FlagBulkCreation, at.Add(-time.Second)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected kind to be part of the key, got %v", err)
	}
}

func TestMemoryEscalateOnlyFromActive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	cases := map[AccountStatus]AccountStatus{
		StatusActive:    StatusFlagged,
		StatusFlagged:   StatusFlagged,
		StatusPending:   StatusPending,
		StatusSuspended: StatusSuspended,
		StatusDeleted:   StatusDeleted,
	}
	for from, want := range cases {
		id := uuid.New()
		m.PutAccount(Account{ID: id, Status: from})
		if _, err := m.EscalateAccount(ctx, id, now); err != nil {
			t.Fatalf("escalate: %v", err)
		}
		acc, _ := m.GetAccount(ctx, id)
		if acc.Status != want {
			t.Fatalf("from %s: expected %s, got %s", from, want, acc.Status)
		}
	}
}

func TestMemoryClearFlagsTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	flagged := uuid.New()
	suspended := uuid.New()
	m.PutAccount(Account{ID: flagged, Status: StatusFlagged})
	m.PutAccount(Account{ID: suspended, Status: StatusSuspended})

	if err := m.ClearFlags(ctx, Review{ID: uuid.New(), ActorID: flagged, ReviewerID: uuid.New(), Notes: "ok", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("clear flagged: %v", err)
	}
	acc, _ := m.GetAccount(ctx, flagged)
	if acc.Status != StatusActive {
		t.Fatalf("expected active, got %s", acc.Status)
	}

	err := m.ClearFlags(ctx, Review{ID: uuid.New(), ActorID: suspended, ReviewerID: uuid.New(), Notes: "ok", CreatedAt: time.Now()})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := m.ClearFlags(ctx, Review{ID: uuid.New(), ActorID: uuid.New(), Notes: "ok"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryListUnreconciled(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stale := uuid.New()    // active with a high flag and no review
	reviewed := uuid.New() // active, high flag predates the review
	medium := uuid.New()   // active, only a medium flag
	m.PutAccount(Account{ID: stale, Status: StatusActive})
	m.PutAccount(Account{ID: reviewed, Status: StatusActive})
	m.PutAccount(Account{ID: medium, Status: StatusActive})

	_ = m.InsertFlag(ctx, Flag{ID: uuid.New(), ActorID: stale, Kind: FlagRapidSubmission, Severity: SeverityHigh, DetectedAt: base})
	_ = m.InsertFlag(ctx, Flag{ID: uuid.New(), ActorID: reviewed, Kind: FlagRapidSubmission, Severity: SeverityHigh, DetectedAt: base})
	_ = m.InsertFlag(ctx, Flag{ID: uuid.New(), ActorID: medium, Kind: FlagDuplicateContent, Severity: SeverityMedium, DetectedAt: base})
	_ = m.ClearFlags(ctx, Review{ID: uuid.New(), ActorID: reviewed, ReviewerID: uuid.New(), Notes: "ok", CreatedAt: base.Add(time.Minute)})

	ids, err := m.ListUnreconciled(ctx, 10)
	if err != nil {
		t.Fatalf("list unreconciled: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale {
		t.Fatalf("expected only %s, got %v", stale, ids)
	}
}

func TestMemoryFailWith(t *testing.T) {
	m := NewMemory()
	boom := errors.New("connection refused")
	m.FailWith(boom)
	if _, err := m.CountActions(context.Background(), uuid.New(), ActionArtworkCreated, time.Now()); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	m.FailWith(nil)
	if _, err := m.CountActions(context.Background(), uuid.New(), ActionArtworkCreated, time.Now()); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}
