package flagging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/artvault/libs/logging"
	"github.com/AfshinJalili/artvault/services/abuse/internal/activity"
	"github.com/AfshinJalili/artvault/services/abuse/internal/clock"
	"github.com/AfshinJalili/artvault/services/abuse/internal/detect"
	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/google/uuid"
)

type failingEscalation struct {
	*storage.Memory
}

func (f failingEscalation) EscalateAccount(context.Context, uuid.UUID, time.Time) (bool, error) {
	return false, errors.New("deadlock detected")
}

type errLocker struct{}

func (errLocker) TryLock(context.Context, string) (Unlock, bool, error) {
	return nil, false, errors.New("redis down")
}

type stubPublisher struct {
	mu     sync.Mutex
	topics []string
	values []any
	err    error
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, _ string, value any) (int32, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.values = append(s.values, value)
	return 0, 0, s.err
}

func (s *stubPublisher) Close() error { return nil }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(store Store, locker Locker, fake *clock.Fake) *Engine {
	return NewEngine(store, locker, nil, "", logging.Discard(), Config{Cooldown: time.Hour, Clock: fake})
}

func seedActive(store *storage.Memory) uuid.UUID {
	id := uuid.New()
	store.PutAccount(storage.Account{ID: id, DisplayName: "artist", Status: storage.StatusActive, UpdatedAt: t0.Add(-24 * time.Hour)})
	return id
}

func rapidEvidence() detect.Evidence {
	return detect.RapidSubmissionEvidence{Count: 6, Threshold: 5, WindowSeconds: 60}
}

func TestRaiseFlagCooldown(t *testing.T) {
	store := storage.NewMemory()
	fake := clock.NewFake(t0)
	engine := newEngine(store, NewMemoryLocker(time.Second), fake)
	actor := seedActive(store)
	ctx := context.Background()

	out, err := engine.RaiseFlag(ctx, actor, storage.FlagRapidSubmission, storage.SeverityHigh, rapidEvidence())
	if err != nil || out.Flag == nil || out.Suppressed {
		t.Fatalf("expected first flag, got %+v %v", out, err)
	}

	fake.Advance(30 * time.Minute)
	out, err = engine.RaiseFlag(ctx, actor, storage.FlagRapidSubmission, storage.SeverityHigh, rapidEvidence())
	if err != nil || !out.Suppressed || out.Flag != nil {
		t.Fatalf("expected suppression inside cool-down, got %+v %v", out, err)
	}

	// a different kind has its own cool-down
	out, err = engine.RaiseFlag(ctx, actor, storage.FlagNewOriginLogin, storage.SeverityLow, detect.NewOriginEvidence{Origin: "203.0.113.9"})
	if err != nil || out.Flag == nil {
		t.Fatalf("expected other kind to be flagged, got %+v %v", out, err)
	}

	fake.Advance(31 * time.Minute)
	out, err = engine.RaiseFlag(ctx, actor, storage.FlagRapidSubmission, storage.SeverityHigh, rapidEvidence())
	if err != nil || out.Flag == nil {
		t.Fatalf("expected new flag after cool-down, got %+v %v", out, err)
	}

	flags, _ := store.ListFlags(ctx, actor, 10)
	if len(flags) != 3 {
		t.Fatalf("expected 3 flags, got %d", len(flags))
	}
}

func TestRaiseFlagEscalation(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name     string
		status   storage.AccountStatus
		severity storage.Severity
		want     storage.AccountStatus
		escal    bool
	}{
		{"high escalates active", storage.StatusActive, storage.SeverityHigh, storage.StatusFlagged, true},
		{"critical escalates active", storage.StatusActive, storage.SeverityCritical, storage.StatusFlagged, true},
		{"medium leaves active", storage.StatusActive, storage.SeverityMedium, storage.StatusActive, false},
		{"flagged stays flagged", storage.StatusFlagged, storage.SeverityHigh, storage.StatusFlagged, false},
		{"suspended untouched", storage.StatusSuspended, storage.SeverityCritical, storage.StatusSuspended, false},
		{"pending untouched", storage.StatusPending, storage.SeverityHigh, storage.StatusPending, false},
		{"deleted untouched", storage.StatusDeleted, storage.SeverityHigh, storage.StatusDeleted, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := storage.NewMemory()
			actor := uuid.New()
			store.PutAccount(storage.Account{ID: actor, Status: tc.status})
			engine := newEngine(store, nil, clock.NewFake(t0))

			out, err := engine.RaiseFlag(ctx, actor, storage.FlagRapidSubmission, tc.severity, rapidEvidence())
			if err != nil || out.Flag == nil {
				t.Fatalf("raise: %+v %v", out, err)
			}
			if out.Escalated != tc.escal {
				t.Fatalf("expected escalated=%v, got %v", tc.escal, out.Escalated)
			}
			acc, _ := store.GetAccount(ctx, actor)
			if acc.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, acc.Status)
			}
		})
	}
}

func TestEscalationFailureKeepsFlag(t *testing.T) {
	mem := storage.NewMemory()
	actor := seedActive(mem)
	engine := newEngine(failingEscalation{mem}, nil, clock.NewFake(t0))
	ctx := context.Background()

	out, err := engine.RaiseFlag(ctx, actor, storage.FlagRapidSubmission, storage.SeverityHigh, rapidEvidence())
	if err != nil {
		t.Fatalf("escalation failure must not fail the raise: %v", err)
	}
	if out.Flag == nil || !out.EscalationFailed || out.Escalated {
		t.Fatalf("unexpected outcome %+v", out)
	}
	flags, _ := mem.ListFlags(ctx, actor, 10)
	if len(flags) != 1 {
		t.Fatalf("expected flag to be retained, got %d", len(flags))
	}
	acc, _ := mem.GetAccount(ctx, actor)
	if acc.Status != storage.StatusActive {
		t.Fatalf("expected account to stay active, got %s", acc.Status)
	}
}

func TestConcurrentRaiseProducesOneFlag(t *testing.T) {
	store := storage.NewMemory()
	actor := seedActive(store)
	engine := newEngine(store, NewMemoryLocker(time.Second), clock.NewFake(t0))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.RaiseFlag(ctx, actor, storage.FlagRapidSubmission, storage.SeverityHigh, rapidEvidence()); err != nil {
				t.Errorf("raise: %v", err)
			}
		}()
	}
	wg.Wait()

	flags, _ := store.ListFlags(ctx, actor, 50)
	if len(flags) != 1 {
		t.Fatalf("expected exactly one flag, got %d", len(flags))
	}
}

func TestLockErrorProceedsUnlocked(t *testing.T) {
	store := storage.NewMemory()
	actor := seedActive(store)
	engine := newEngine(store, errLocker{}, clock.NewFake(t0))

	out, err := engine.RaiseFlag(context.Background(), actor, storage.FlagRapidSubmission, storage.SeverityHigh, rapidEvidence())
	if err != nil || out.Flag == nil {
		t.Fatalf("expected flag without lock, got %+v %v", out, err)
	}
}

func TestRaiseFlagValidation(t *testing.T) {
	engine := newEngine(storage.NewMemory(), nil, clock.NewFake(t0))
	ctx := context.Background()

	if _, err := engine.RaiseFlag(ctx, uuid.Nil, storage.FlagRapidSubmission, storage.SeverityHigh, nil); !errors.Is(err, ErrInvalidFlag) {
		t.Fatalf("expected nil actor to fail, got %v", err)
	}
	if _, err := engine.RaiseFlag(ctx, uuid.New(), "spam", storage.SeverityHigh, nil); !errors.Is(err, ErrInvalidFlag) {
		t.Fatalf("expected unknown kind to fail, got %v", err)
	}
	if _, err := engine.RaiseFlag(ctx, uuid.New(), storage.FlagRapidSubmission, "urgent", nil); !errors.Is(err, ErrInvalidFlag) {
		t.Fatalf("expected unknown severity to fail, got %v", err)
	}
	if _, err := engine.RaiseFlag(ctx, uuid.New(), storage.FlagBulkCreation, storage.SeverityMedium, rapidEvidence()); !errors.Is(err, ErrInvalidFlag) {
		t.Fatalf("expected mismatched evidence to fail, got %v", err)
	}
}

func TestRaiseFlagStoreFailure(t *testing.T) {
	store := storage.NewMemory()
	actor := seedActive(store)
	store.FailWith(errors.New("connection refused"))
	engine := newEngine(store, nil, clock.NewFake(t0))

	_, err := engine.RaiseFlag(context.Background(), actor, storage.FlagRapidSubmission, storage.SeverityHigh, rapidEvidence())
	if !errors.Is(err, activity.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestRaisePublishesEvent(t *testing.T) {
	store := storage.NewMemory()
	actor := seedActive(store)
	pub := &stubPublisher{err: errors.New("broker down")}
	engine := NewEngine(store, nil, pub, "abuse.flag_raised", logging.Discard(), Config{Clock: clock.NewFake(t0)})

	out, err := engine.Raise(context.Background(), actor, &detect.Verdict{
		Kind:     storage.FlagRapidSubmission,
		Severity: storage.SeverityHigh,
		Evidence: rapidEvidence(),
	})
	if err != nil || out.Flag == nil {
		t.Fatalf("publish failure must not fail the raise: %+v %v", out, err)
	}
	if len(pub.values) != 1 || pub.topics[0] != "abuse.flag_raised" {
		t.Fatalf("expected one publish, got %d", len(pub.values))
	}
	ev, ok := pub.values[0].(FlagRaisedEvent)
	if !ok || ev.EventType != FlagRaisedEventType || ev.ActorID != actor.String() || !ev.Escalated {
		t.Fatalf("unexpected event %+v", pub.values[0])
	}
	var decoded detect.RapidSubmissionEvidence
	if err := json.Unmarshal(ev.Evidence, &decoded); err != nil || decoded.Count != 6 {
		t.Fatalf("unexpected evidence %s", ev.Evidence)
	}
}

// stalledPublisher blocks until the publish context gives up.
type stalledPublisher struct {
	stubPublisher
}

func (s *stalledPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	<-ctx.Done()
	_, _, _ = s.stubPublisher.PublishJSON(ctx, topic, key, value)
	return 0, 0, ctx.Err()
}

func TestRaiseDoesNotWaitOnStalledBroker(t *testing.T) {
	store := storage.NewMemory()
	actor := seedActive(store)
	pub := &stalledPublisher{}
	engine := NewEngine(store, nil, pub, "abuse.flag_raised", logging.Discard(), Config{
		Clock:          clock.NewFake(t0),
		PublishTimeout: 50 * time.Millisecond,
	})

	// A caller without a deadline must still get an answer.
	start := time.Now()
	out, err := engine.Raise(context.Background(), actor, &detect.Verdict{
		Kind:     storage.FlagRapidSubmission,
		Severity: storage.SeverityHigh,
		Evidence: rapidEvidence(),
	})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("raise blocked for %s on the broker", took)
	}
	if err != nil || out.Flag == nil || !out.Escalated {
		t.Fatalf("expected flag raised and escalated, got %+v %v", out, err)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.values) != 1 {
		t.Fatalf("expected one publish attempt, got %d", len(pub.values))
	}
}

func TestRaisePublishOutlivesCancelledCaller(t *testing.T) {
	store := storage.NewMemory()
	actor := seedActive(store)
	var seen context.Context
	pub := &ctxPublisher{stub: &stubPublisher{}, seen: &seen}
	engine := NewEngine(store, nil, pub, "abuse.flag_raised", logging.Discard(), Config{Clock: clock.NewFake(t0)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.Raise(ctx, actor, &detect.Verdict{
		Kind:     storage.FlagRapidSubmission,
		Severity: storage.SeverityHigh,
		Evidence: rapidEvidence(),
	}); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if seen == nil || seen.Err() != nil {
		t.Fatalf("expected a live publish context, got %v", seen)
	}
	if _, ok := seen.Deadline(); !ok {
		t.Fatalf("expected the publish context to carry a deadline")
	}
}

type ctxPublisher struct {
	stub *stubPublisher
	seen *context.Context
}

func (c *ctxPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	*c.seen = ctx
	return c.stub.PublishJSON(ctx, topic, key, value)
}

func (c *ctxPublisher) Close() error { return nil }
