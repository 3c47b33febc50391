package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AfshinJalili/artvault/services/abuse/internal/clock"
	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/google/uuid"
)

type slowStore struct {
	*storage.Memory
}

func (s slowStore) CountActions(ctx context.Context, _ uuid.UUID, _ storage.ActionKind, _ time.Time) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestAppendStampsIDAndTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemory()
	log := NewLog(store, clock.NewFake(now), time.Second)
	actor := uuid.New()

	rec, err := log.Append(context.Background(), storage.ActivityRecord{ActorID: &actor, Kind: storage.ActionArtworkCreated})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.ID == uuid.Nil || !rec.CreatedAt.Equal(now) {
		t.Fatalf("expected stamped record, got %+v", rec)
	}
}

func TestAppendValidation(t *testing.T) {
	log := NewLog(storage.NewMemory(), nil, 0)

	if _, err := log.Append(context.Background(), storage.ActivityRecord{Kind: "liked"}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected invalid kind, got %v", err)
	}
	if _, err := log.Append(context.Background(), storage.ActivityRecord{Kind: storage.ActionLoginFailure}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected missing actor and origin to fail, got %v", err)
	}
	if _, err := log.Append(context.Background(), storage.ActivityRecord{Kind: storage.ActionLoginFailure, Origin: "192.0.2.1"}); err != nil {
		t.Fatalf("expected pre-auth record with origin to pass, got %v", err)
	}
}

func TestCountRecentActions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(now)
	store := storage.NewMemory()
	log := NewLog(store, fake, 0)
	counter := NewCounter(store, fake, 0)
	actor := uuid.New()

	for _, ago := range []time.Duration{0, 30 * time.Second, 60 * time.Second, 90 * time.Second} {
		if _, err := log.Append(context.Background(), storage.ActivityRecord{
			ActorID: &actor, Kind: storage.ActionArtworkCreated, CreatedAt: now.Add(-ago),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	count, err := counter.CountRecentActions(context.Background(), actor, storage.ActionArtworkCreated, time.Minute)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 within a minute, got %d", count)
	}

	if _, err := counter.CountRecentActions(context.Background(), actor, storage.ActionArtworkCreated, 0); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected invalid window, got %v", err)
	}
}

func TestCountRecentByOrigin(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(now)
	store := storage.NewMemory()
	log := NewLog(store, fake, 0)
	counter := NewCounter(store, fake, 0)

	for i := 0; i < 4; i++ {
		_, _ = log.Append(context.Background(), storage.ActivityRecord{Kind: storage.ActionLoginFailure, Origin: "192.0.2.1"})
	}
	_, _ = log.Append(context.Background(), storage.ActivityRecord{Kind: storage.ActionLoginFailure, Origin: "192.0.2.2"})

	count, err := counter.CountRecentByOrigin(context.Background(), "192.0.2.1", storage.ActionLoginFailure, 15*time.Minute)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4, got %d", count)
	}
}

func TestCounterStoreFailureIsUnavailable(t *testing.T) {
	store := storage.NewMemory()
	store.FailWith(errors.New("dial tcp: connection refused"))
	counter := NewCounter(store, nil, 0)

	_, err := counter.CountRecentActions(context.Background(), uuid.New(), storage.ActionArtworkCreated, time.Minute)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := counter.RecentLoginOrigins(context.Background(), uuid.New(), 10); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for origins, got %v", err)
	}
}

func TestCounterTimeoutIsUnavailable(t *testing.T) {
	counter := NewCounter(slowStore{storage.NewMemory()}, nil, 10*time.Millisecond)

	_, err := counter.CountRecentActions(context.Background(), uuid.New(), storage.ActionArtworkCreated, time.Minute)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected timeout to surface as ErrUnavailable, got %v", err)
	}
}
