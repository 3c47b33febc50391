package flagging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultLockTTL = 5 * time.Second

// Unlock releases a lock taken by Locker.TryLock. Releasing a lock that has
// already expired and been retaken by someone else is a no-op.
type Unlock func(ctx context.Context) error

// Locker is a short advisory lock around the cool-down check and the flag
// insert. ok is false when another holder has the key.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock Unlock, ok bool, err error)
}

type MemoryLocker struct {
	mu           sync.Mutex
	ttl          time.Duration
	held         map[string]*lease
	now          func() time.Time
	lastCleanup  time.Time
	cleanupEvery time.Duration
}

type lease struct {
	token   string
	expires time.Time
}

func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &MemoryLocker{
		ttl:          ttl,
		held:         map[string]*lease{},
		now:          time.Now,
		lastCleanup:  time.Now(),
		cleanupEvery: ttl,
	}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) >= l.cleanupEvery {
		for k, v := range l.held {
			if now.After(v.expires) {
				delete(l.held, k)
			}
		}
		l.lastCleanup = now
	}

	if cur, ok := l.held[key]; ok && !now.After(cur.expires) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.held[key] = &lease{token: token, expires: now.Add(l.ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
		return nil
	}, true, nil
}
