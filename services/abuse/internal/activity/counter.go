package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/AfshinJalili/artvault/services/abuse/internal/clock"
	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/google/uuid"
)

// Counter answers "how many X in the last W" against the log. It holds no
// state of its own.
type Counter struct {
	store   Store
	clock   clock.Clock
	timeout time.Duration
}

func NewCounter(store Store, c clock.Clock, timeout time.Duration) *Counter {
	if c == nil {
		c = clock.System{}
	}
	return &Counter{store: store, clock: c, timeout: timeout}
}

// CountRecentActions counts the actor's records of kind with
// created_at >= now - window.
func (c *Counter) CountRecentActions(ctx context.Context, actorID uuid.UUID, kind storage.ActionKind, window time.Duration) (int, error) {
	if window <= 0 {
		return 0, ErrInvalidWindow
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	count, err := c.store.CountActions(ctx, actorID, kind, c.clock.Now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %w", ErrUnavailable, kind, err)
	}
	return count, nil
}

// CountRecentByOrigin is CountRecentActions keyed by network origin instead of actor.
func (c *Counter) CountRecentByOrigin(ctx context.Context, origin string, kind storage.ActionKind, window time.Duration) (int, error) {
	if window <= 0 {
		return 0, ErrInvalidWindow
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	count, err := c.store.CountActionsByOrigin(ctx, origin, kind, c.clock.Now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("%w: count %s by origin: %w", ErrUnavailable, kind, err)
	}
	return count, nil
}

// RecentLoginOrigins returns the actor's last limit distinct successful login
// origins, most recent first.
func (c *Counter) RecentLoginOrigins(ctx context.Context, actorID uuid.UUID, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	origins, err := c.store.RecentOrigins(ctx, actorID, storage.ActionLoginSuccess, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: login origins: %w", ErrUnavailable, err)
	}
	return origins, nil
}
