package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process store for dev and tests. It mirrors the Postgres
// queries, including the inclusive/exclusive window bounds.
type Memory struct {
	mu          sync.Mutex
	activity    []ActivityRecord
	artworks    []Artwork
	collections []Collection
	flags       []Flag
	accounts    map[uuid.UUID]*Account
	reviews     []Review
	failWith    error
	honourCtx   bool
}

func NewMemory() *Memory {
	return &Memory{accounts: map[uuid.UUID]*Account{}}
}

// PutAccount seeds or replaces an account; accounts are owned by the user service.
func (m *Memory) PutAccount(acc Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := acc
	m.accounts[acc.ID] = &stored
}

// FailWith makes every subsequent call return err; nil restores normal behaviour.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// HonourContext makes calls on a cancelled or expired context fail the way
// the Postgres driver does.
func (m *Memory) HonourContext(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.honourCtx = on
}

// failure must be called with mu held.
func (m *Memory) failure(ctx context.Context) error {
	if m.failWith != nil {
		return m.failWith
	}
	if m.honourCtx {
		return ctx.Err()
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure(ctx)
}

func (m *Memory) AppendActivity(ctx context.Context, rec ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return err
	}
	m.activity = append(m.activity, rec)
	return nil
}

func (m *Memory) CountActions(ctx context.Context, actorID uuid.UUID, kind ActionKind, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range m.activity {
		if rec.ActorID != nil && *rec.ActorID == actorID && rec.Kind == kind && !rec.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) CountActionsByOrigin(ctx context.Context, origin string, kind ActionKind, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range m.activity {
		if rec.Origin == origin && rec.Kind == kind && !rec.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) RecentOrigins(ctx context.Context, actorID uuid.UUID, kind ActionKind, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, err
	}
	lastSeen := map[string]time.Time{}
	for _, rec := range m.activity {
		if rec.ActorID == nil || *rec.ActorID != actorID || rec.Kind != kind || rec.Origin == "" {
			continue
		}
		if rec.CreatedAt.After(lastSeen[rec.Origin]) {
			lastSeen[rec.Origin] = rec.CreatedAt
		}
	}
	origins := make([]string, 0, len(lastSeen))
	for origin := range lastSeen {
		origins = append(origins, origin)
	}
	sort.Slice(origins, func(i, j int) bool {
		return lastSeen[origins[i]].After(lastSeen[origins[j]])
	})
	if len(origins) > limit {
		origins = origins[:limit]
	}
	return origins, nil
}

func (m *Memory) CreateArtwork(ctx context.Context, art Artwork) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return err
	}
	m.artworks = append(m.artworks, art)
	return nil
}

func (m *Memory) CreateCollection(ctx context.Context, col Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return err
	}
	m.collections = append(m.collections, col)
	return nil
}

// Artworks returns a snapshot of the persisted artworks.
func (m *Memory) Artworks() []Artwork {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Artwork(nil), m.artworks...)
}

func (m *Memory) FindArtworksByFingerprint(ctx context.Context, ownerID uuid.UUID, fingerprint string, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, err
	}
	var matches []Artwork
	for _, art := range m.artworks {
		if art.OwnerID == ownerID && art.Fingerprint == fingerprint {
			matches = append(matches, art)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	var ids []uuid.UUID
	for i, art := range matches {
		if i >= limit {
			break
		}
		ids = append(ids, art.ID)
	}
	return ids, nil
}

func (m *Memory) LatestFlagSince(ctx context.Context, actorID uuid.UUID, kind FlagKind, since time.Time) (*Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, err
	}
	var latest *Flag
	for i := range m.flags {
		f := m.flags[i]
		if f.ActorID != actorID || f.Kind != kind || !f.DetectedAt.After(since) {
			continue
		}
		if latest == nil || f.DetectedAt.After(latest.DetectedAt) {
			latest = &f
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (m *Memory) InsertFlag(ctx context.Context, flag Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return err
	}
	m.flags = append(m.flags, flag)
	return nil
}

func (m *Memory) ListFlags(ctx context.Context, actorID uuid.UUID, limit int) ([]Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, err
	}
	return m.recentFlagsLocked(actorID, limit), nil
}

func (m *Memory) recentFlagsLocked(actorID uuid.UUID, limit int) []Flag {
	var flags []Flag
	for _, f := range m.flags {
		if f.ActorID == actorID {
			flags = append(flags, f)
		}
	}
	sort.SliceStable(flags, func(i, j int) bool {
		return flags[i].DetectedAt.After(flags[j].DetectedAt)
	})
	if len(flags) > limit {
		flags = flags[:limit]
	}
	return flags
}

func (m *Memory) CountFlagsByKindSince(ctx context.Context, since time.Time) (map[FlagKind]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, err
	}
	counts := map[FlagKind]int{}
	for _, f := range m.flags {
		if !f.DetectedAt.Before(since) {
			counts[f.Kind]++
		}
	}
	return counts, nil
}

func (m *Memory) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, err
	}
	acc, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *acc
	return &out, nil
}

func (m *Memory) EscalateAccount(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return false, err
	}
	acc, ok := m.accounts[id]
	if !ok || acc.Status != StatusActive {
		return false, nil
	}
	acc.Status = StatusFlagged
	acc.UpdatedAt = now
	return true, nil
}

func (m *Memory) ListAccountsByStatus(ctx context.Context, status AccountStatus, limit, offset int) ([]Account, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, 0, err
	}
	var matches []Account
	for _, acc := range m.accounts {
		if acc.Status == status {
			matches = append(matches, *acc)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].UpdatedAt.Equal(matches[j].UpdatedAt) {
			return matches[i].ID.String() < matches[j].ID.String()
		}
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	total := len(matches)
	if offset >= total {
		return []Account{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matches[offset:end], total, nil
}

func (m *Memory) RecentFlagsFor(ctx context.Context, actorIDs []uuid.UUID, perActor int) (map[uuid.UUID][]Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID][]Flag, len(actorIDs))
	for _, id := range actorIDs {
		if flags := m.recentFlagsLocked(id, perActor); len(flags) > 0 {
			out[id] = flags
		}
	}
	return out, nil
}

func (m *Memory) ClearFlags(ctx context.Context, review Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return err
	}
	acc, ok := m.accounts[review.ActorID]
	if !ok {
		return ErrNotFound
	}
	if acc.Status != StatusFlagged && acc.Status != StatusActive {
		return fmt.Errorf("%w: %s -> active", ErrInvalidTransition, acc.Status)
	}
	acc.Status = StatusActive
	acc.UpdatedAt = review.CreatedAt
	m.reviews = append(m.reviews, review)
	return nil
}

func (m *Memory) ListReviews(ctx context.Context, actorID uuid.UUID, limit int) ([]Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, err
	}
	var reviews []Review
	for _, r := range m.reviews {
		if r.ActorID == actorID {
			reviews = append(reviews, r)
		}
	}
	sort.SliceStable(reviews, func(i, j int) bool {
		return reviews[i].CreatedAt.After(reviews[j].CreatedAt)
	})
	if len(reviews) > limit {
		reviews = reviews[:limit]
	}
	return reviews, nil
}

func (m *Memory) ListUnreconciled(ctx context.Context, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, err
	}
	lastReview := map[uuid.UUID]time.Time{}
	for _, r := range m.reviews {
		if r.CreatedAt.After(lastReview[r.ActorID]) {
			lastReview[r.ActorID] = r.CreatedAt
		}
	}
	seen := map[uuid.UUID]bool{}
	var ids []uuid.UUID
	for _, f := range m.flags {
		if len(ids) >= limit {
			break
		}
		if seen[f.ActorID] || !f.Severity.Escalates() {
			continue
		}
		acc, ok := m.accounts[f.ActorID]
		if !ok || acc.Status != StatusActive {
			continue
		}
		if reviewed, ok := lastReview[f.ActorID]; ok && !f.DetectedAt.After(reviewed) {
			continue
		}
		seen[f.ActorID] = true
		ids = append(ids, f.ActorID)
	}
	return ids, nil
}
