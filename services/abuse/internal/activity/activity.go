// Package activity is the append-only action log and the trailing-window
// counters the detectors read from it.
package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/artvault/services/abuse/internal/clock"
	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/google/uuid"
)

var (
	// ErrUnavailable wraps any store failure. Callers fail open on it.
	ErrUnavailable   = errors.New("activity store temporarily unavailable")
	ErrInvalidWindow = errors.New("window must be positive")
	ErrInvalidRecord = errors.New("invalid activity record")
)

type Store interface {
	AppendActivity(ctx context.Context, rec storage.ActivityRecord) error
	CountActions(ctx context.Context, actorID uuid.UUID, kind storage.ActionKind, since time.Time) (int, error)
	CountActionsByOrigin(ctx context.Context, origin string, kind storage.ActionKind, since time.Time) (int, error)
	RecentOrigins(ctx context.Context, actorID uuid.UUID, kind storage.ActionKind, limit int) ([]string, error)
}

type Log struct {
	store   Store
	clock   clock.Clock
	timeout time.Duration
}

func NewLog(store Store, c clock.Clock, timeout time.Duration) *Log {
	if c == nil {
		c = clock.System{}
	}
	return &Log{store: store, clock: c, timeout: timeout}
}

// Append stamps id and time when unset and persists the record.
func (l *Log) Append(ctx context.Context, rec storage.ActivityRecord) (storage.ActivityRecord, error) {
	if !rec.Kind.Valid() {
		return rec, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, rec.Kind)
	}
	if rec.ActorID != nil && *rec.ActorID == uuid.Nil {
		rec.ActorID = nil
	}
	if rec.ActorID == nil && strings.TrimSpace(rec.Origin) == "" {
		return rec, fmt.Errorf("%w: actor or origin required", ErrInvalidRecord)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.clock.Now()
	}

	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.AppendActivity(ctx, rec); err != nil {
		return rec, fmt.Errorf("%w: append: %w", ErrUnavailable, err)
	}
	return rec, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
