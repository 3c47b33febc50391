package review

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/AfshinJalili/artvault/libs/logging"
	"github.com/AfshinJalili/artvault/services/abuse/internal/clock"
	"github.com/AfshinJalili/artvault/services/abuse/internal/detect"
	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/google/uuid"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(store *storage.Memory, fake *clock.Fake) *Service {
	return NewService(store, fake, logging.Discard(), time.Second)
}

func insertFlag(t *testing.T, store *storage.Memory, actor uuid.UUID, kind storage.FlagKind, sev storage.Severity, at time.Time, ev detect.Evidence) storage.Flag {
	t.Helper()
	raw, err := detect.EncodeEvidence(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	flag := storage.Flag{ID: uuid.New(), ActorID: actor, Kind: kind, Severity: sev, Evidence: raw, DetectedAt: at}
	if err := store.InsertFlag(context.Background(), flag); err != nil {
		t.Fatalf("insert flag: %v", err)
	}
	return flag
}

func TestNormalizePage(t *testing.T) {
	cases := []struct{ limit, offset, wantLimit, wantOffset int }{
		{0, 0, 50, 0},
		{10, 5, 10, 5},
		{500, 0, 200, 0},
		{-1, -3, 50, 0},
	}
	for _, tc := range cases {
		l, o := NormalizePage(tc.limit, tc.offset)
		if l != tc.wantLimit || o != tc.wantOffset {
			t.Fatalf("NormalizePage(%d,%d) = %d,%d", tc.limit, tc.offset, l, o)
		}
	}
}

func TestListFlaggedCapsFlagsPerAccount(t *testing.T) {
	store := storage.NewMemory()
	svc := newService(store, clock.NewFake(t0))
	flagged := uuid.New()
	active := uuid.New()
	store.PutAccount(storage.Account{ID: flagged, DisplayName: "flagged", Status: storage.StatusFlagged, UpdatedAt: t0})
	store.PutAccount(storage.Account{ID: active, DisplayName: "active", Status: storage.StatusActive, UpdatedAt: t0})

	for i := 0; i < 7; i++ {
		insertFlag(t, store, flagged, storage.FlagRapidSubmission, storage.SeverityHigh, t0.Add(time.Duration(i)*time.Hour),
			detect.RapidSubmissionEvidence{Count: 6 + i, Threshold: 5, WindowSeconds: 60})
	}
	insertFlag(t, store, active, storage.FlagBulkCreation, storage.SeverityMedium, t0, detect.BulkCreationEvidence{Count: 11})

	page, err := svc.ListFlagged(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || len(page.Accounts) != 1 || page.Limit != DefaultPageSize {
		t.Fatalf("unexpected page %+v", page)
	}
	acc := page.Accounts[0]
	if acc.ActorID != flagged || len(acc.Flags) != FlagsPerAccount {
		t.Fatalf("expected %d flags, got %d", FlagsPerAccount, len(acc.Flags))
	}
	if !acc.Flags[0].DetectedAt.After(acc.Flags[1].DetectedAt) {
		t.Fatalf("expected most recent first")
	}
	ev, ok := acc.Flags[0].Evidence.(detect.RapidSubmissionEvidence)
	if !ok || ev.Count != 12 {
		t.Fatalf("expected decoded evidence, got %#v", acc.Flags[0].Evidence)
	}
}

func TestListFlaggedPaging(t *testing.T) {
	store := storage.NewMemory()
	svc := newService(store, clock.NewFake(t0))
	for i := 0; i < 3; i++ {
		store.PutAccount(storage.Account{ID: uuid.New(), Status: storage.StatusFlagged, UpdatedAt: t0.Add(time.Duration(i) * time.Minute)})
	}

	page, err := svc.ListFlagged(context.Background(), 2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 || len(page.Accounts) != 1 {
		t.Fatalf("unexpected page total=%d len=%d", page.Total, len(page.Accounts))
	}
}

func TestClearFlagsRoundTrip(t *testing.T) {
	store := storage.NewMemory()
	fake := clock.NewFake(t0)
	svc := newService(store, fake)
	actor := uuid.New()
	reviewer := uuid.New()
	store.PutAccount(storage.Account{ID: actor, Status: storage.StatusFlagged, UpdatedAt: t0})
	flag := insertFlag(t, store, actor, storage.FlagRapidSubmission, storage.SeverityHigh, t0, detect.RapidSubmissionEvidence{Count: 6})
	ctx := context.Background()

	fake.Advance(time.Minute)
	rec, err := svc.ClearFlags(ctx, actor, reviewer, "  ok  ")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if rec.Notes != "ok" || rec.ReviewerID != reviewer {
		t.Fatalf("unexpected review %+v", rec)
	}

	acc, _ := store.GetAccount(ctx, actor)
	if acc.Status != storage.StatusActive {
		t.Fatalf("expected active, got %s", acc.Status)
	}
	insp, err := svc.Inspect(ctx, actor)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if len(insp.Flags) != 1 || insp.Flags[0].ID != flag.ID {
		t.Fatalf("expected prior flag to be retained, got %+v", insp.Flags)
	}
	if len(insp.Reviews) != 1 || insp.Reviews[0].ID != rec.ID {
		t.Fatalf("expected review record, got %+v", insp.Reviews)
	}
}

func TestClearFlagsValidation(t *testing.T) {
	store := storage.NewMemory()
	svc := newService(store, clock.NewFake(t0))
	ctx := context.Background()
	actor := uuid.New()

	if _, err := svc.ClearFlags(ctx, actor, uuid.New(), "   "); !errors.Is(err, ErrNotesRequired) {
		t.Fatalf("expected notes required, got %v", err)
	}
	if _, err := svc.ClearFlags(ctx, uuid.Nil, uuid.New(), "ok"); !errors.Is(err, ErrActorRequired) {
		t.Fatalf("expected actor required, got %v", err)
	}
	if _, err := svc.ClearFlags(ctx, actor, uuid.Nil, "ok"); !errors.Is(err, ErrActorRequired) {
		t.Fatalf("expected reviewer required, got %v", err)
	}
	if _, err := svc.ClearFlags(ctx, actor, uuid.New(), "ok"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	for _, st := range []storage.AccountStatus{storage.StatusPending, storage.StatusSuspended, storage.StatusDeleted} {
		id := uuid.New()
		store.PutAccount(storage.Account{ID: id, Status: st})
		if _, err := svc.ClearFlags(ctx, id, uuid.New(), "ok"); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected invalid transition from %s, got %v", st, err)
		}
		acc, _ := store.GetAccount(ctx, id)
		if acc.Status != st {
			t.Fatalf("status changed from %s to %s", st, acc.Status)
		}
	}
}

func TestStatsTrailingDay(t *testing.T) {
	store := storage.NewMemory()
	fake := clock.NewFake(t0)
	svc := newService(store, fake)
	a := uuid.New()
	store.PutAccount(storage.Account{ID: a, Status: storage.StatusFlagged})
	store.PutAccount(storage.Account{ID: uuid.New(), Status: storage.StatusActive})

	insertFlag(t, store, a, storage.FlagRapidSubmission, storage.SeverityHigh, t0.Add(-25*time.Hour), nil)
	insertFlag(t, store, a, storage.FlagRapidSubmission, storage.SeverityHigh, t0.Add(-2*time.Hour), nil)
	insertFlag(t, store, a, storage.FlagDuplicateContent, storage.SeverityMedium, t0.Add(-time.Hour), nil)

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.FlaggedAccounts != 1 {
		t.Fatalf("expected 1 flagged account, got %d", stats.FlaggedAccounts)
	}
	if stats.FlagsByKind[storage.FlagRapidSubmission] != 1 || stats.FlagsByKind[storage.FlagDuplicateContent] != 1 {
		t.Fatalf("unexpected counts %+v", stats.FlagsByKind)
	}
	if n, ok := stats.FlagsByKind[storage.FlagBulkCreation]; !ok || n != 0 {
		t.Fatalf("expected zero-filled kinds, got %+v", stats.FlagsByKind)
	}
	if !stats.Since.Equal(t0.Add(-StatsWindow)) {
		t.Fatalf("unexpected since %s", stats.Since)
	}
}

func TestReconcileEscalatesMissedAccounts(t *testing.T) {
	store := storage.NewMemory()
	fake := clock.NewFake(t0)
	svc := newService(store, fake)
	ctx := context.Background()

	missed := uuid.New()
	store.PutAccount(storage.Account{ID: missed, Status: storage.StatusActive})
	insertFlag(t, store, missed, storage.FlagRapidSubmission, storage.SeverityHigh, t0.Add(-time.Minute), nil)

	cleared := uuid.New()
	store.PutAccount(storage.Account{ID: cleared, Status: storage.StatusFlagged})
	insertFlag(t, store, cleared, storage.FlagRapidSubmission, storage.SeverityHigh, t0.Add(-time.Hour), nil)
	if _, err := svc.ClearFlags(ctx, cleared, uuid.New(), "false positive"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	lowOnly := uuid.New()
	store.PutAccount(storage.Account{ID: lowOnly, Status: storage.StatusActive})
	insertFlag(t, store, lowOnly, storage.FlagNewOriginLogin, storage.SeverityLow, t0, nil)

	res, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Candidates != 1 || res.Escalated != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	for id, want := range map[uuid.UUID]storage.AccountStatus{
		missed:  storage.StatusFlagged,
		cleared: storage.StatusActive,
		lowOnly: storage.StatusActive,
	} {
		acc, _ := store.GetAccount(ctx, id)
		if acc.Status != want {
			t.Fatalf("expected %s for %s, got %s", want, id, acc.Status)
		}
	}
}

func TestUndecodableEvidenceFallsBackToRaw(t *testing.T) {
	store := storage.NewMemory()
	svc := newService(store, clock.NewFake(t0))
	actor := uuid.New()
	store.PutAccount(storage.Account{ID: actor, Status: storage.StatusFlagged})
	_ = store.InsertFlag(context.Background(), storage.Flag{
		ID: uuid.New(), ActorID: actor, Kind: storage.FlagBulkCreation, Severity: storage.SeverityMedium,
		Evidence: json.RawMessage(`"not an object"`), DetectedAt: t0,
	})

	insp, err := svc.Inspect(context.Background(), actor)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if _, ok := insp.Flags[0].Evidence.(json.RawMessage); !ok {
		t.Fatalf("expected raw evidence, got %#v", insp.Flags[0].Evidence)
	}
}
