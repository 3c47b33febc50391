package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) AppendActivity(ctx context.Context, rec ActivityRecord) error {
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_log (id, actor_id, kind, origin, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.ActorID, string(rec.Kind), rec.Origin, rec.UserAgent, metadata, rec.CreatedAt)
	return err
}

func (s *Postgres) CountActions(ctx context.Context, actorID uuid.UUID, kind ActionKind, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM activity_log
		WHERE actor_id = $1 AND kind = $2 AND created_at >= $3
	`, actorID, string(kind), since).Scan(&count)
	return count, err
}

func (s *Postgres) CountActionsByOrigin(ctx context.Context, origin string, kind ActionKind, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM activity_log
		WHERE origin = $1 AND kind = $2 AND created_at >= $3
	`, origin, string(kind), since).Scan(&count)
	return count, err
}

// RecentOrigins returns up to limit distinct non-empty origins for the actor,
// ordered by the most recent time each origin was seen.
func (s *Postgres) RecentOrigins(ctx context.Context, actorID uuid.UUID, kind ActionKind, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT origin
		FROM activity_log
		WHERE actor_id = $1 AND kind = $2 AND origin <> ''
		GROUP BY origin
		ORDER BY max(created_at) DESC
		LIMIT $3
	`, actorID, string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	origins := make([]string, 0, limit)
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			return nil, err
		}
		origins = append(origins, origin)
	}
	return origins, rows.Err()
}

func (s *Postgres) CreateArtwork(ctx context.Context, art Artwork) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artworks (id, owner_id, title, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, art.ID, art.OwnerID, art.Title, art.Fingerprint, art.CreatedAt)
	return err
}

func (s *Postgres) CreateCollection(ctx context.Context, col Collection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO collections (id, owner_id, name, created_at)
		VALUES ($1, $2, $3, $4)
	`, col.ID, col.OwnerID, col.Name, col.CreatedAt)
	return err
}

func (s *Postgres) FindArtworksByFingerprint(ctx context.Context, ownerID uuid.UUID, fingerprint string, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id
		FROM artworks
		WHERE owner_id = $1 AND content_hash = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, ownerID, fingerprint, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) LatestFlagSince(ctx context.Context, actorID uuid.UUID, kind FlagKind, since time.Time) (*Flag, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, actor_id, kind, severity, evidence, detected_at
		FROM abuse_flags
		WHERE actor_id = $1 AND kind = $2 AND detected_at > $3
		ORDER BY detected_at DESC
		LIMIT 1
	`, actorID, string(kind), since)

	flag, err := scanFlag(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return flag, nil
}

func (s *Postgres) InsertFlag(ctx context.Context, flag Flag) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO abuse_flags (id, actor_id, kind, severity, evidence, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, flag.ID, flag.ActorID, string(flag.Kind), string(flag.Severity), []byte(flag.Evidence), flag.DetectedAt)
	return err
}

func (s *Postgres) ListFlags(ctx context.Context, actorID uuid.UUID, limit int) ([]Flag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, actor_id, kind, severity, evidence, detected_at
		FROM abuse_flags
		WHERE actor_id = $1
		ORDER BY detected_at DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []Flag
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		flags = append(flags, *flag)
	}
	return flags, rows.Err()
}

func (s *Postgres) CountFlagsByKindSince(ctx context.Context, since time.Time) (map[FlagKind]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, count(*)
		FROM abuse_flags
		WHERE detected_at >= $1
		GROUP BY kind
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[FlagKind]int{}
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		counts[FlagKind(kind)] = count
	}
	return counts, rows.Err()
}

func (s *Postgres) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, display_name, status, updated_at
		FROM accounts
		WHERE id = $1
	`, id)

	var acc Account
	var status string
	if err := row.Scan(&acc.ID, &acc.DisplayName, &status, &acc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	acc.Status = AccountStatus(status)
	return &acc, nil
}

// EscalateAccount moves an active account to flagged. Accounts in any other
// status are left untouched; changed reports whether a row was updated.
func (s *Postgres) EscalateAccount(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET status = 'flagged', updated_at = $2
		WHERE id = $1 AND status = 'active'
	`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ListAccountsByStatus(ctx context.Context, status AccountStatus, limit, offset int) ([]Account, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM accounts WHERE status = $1
	`, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, display_name, status, updated_at
		FROM accounts
		WHERE status = $1
		ORDER BY updated_at DESC, id
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	accounts := make([]Account, 0, limit)
	for rows.Next() {
		var acc Account
		var st string
		if err := rows.Scan(&acc.ID, &acc.DisplayName, &st, &acc.UpdatedAt); err != nil {
			return nil, 0, err
		}
		acc.Status = AccountStatus(st)
		accounts = append(accounts, acc)
	}
	return accounts, total, rows.Err()
}

// RecentFlagsFor returns up to perActor most recent flags for each actor.
func (s *Postgres) RecentFlagsFor(ctx context.Context, actorIDs []uuid.UUID, perActor int) (map[uuid.UUID][]Flag, error) {
	out := make(map[uuid.UUID][]Flag, len(actorIDs))
	if len(actorIDs) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(actorIDs))
	for _, id := range actorIDs {
		ids = append(ids, id.String())
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, actor_id, kind, severity, evidence, detected_at
		FROM (
			SELECT f.*, row_number() OVER (PARTITION BY actor_id ORDER BY detected_at DESC) AS rn
			FROM abuse_flags f
			WHERE actor_id = ANY($1::uuid[])
		) ranked
		WHERE rn <= $2
		ORDER BY actor_id, detected_at DESC
	`, ids, perActor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		out[flag.ActorID] = append(out[flag.ActorID], *flag)
	}
	return out, rows.Err()
}

// ClearFlags reactivates a flagged account and records the review in one
// transaction. Flags are never deleted.
func (s *Postgres) ClearFlags(ctx context.Context, review Review) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var status string
	if err := tx.QueryRow(ctx, `
		SELECT status FROM accounts WHERE id = $1 FOR UPDATE
	`, review.ActorID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if st := AccountStatus(status); st != StatusFlagged && st != StatusActive {
		return fmt.Errorf("%w: %s -> active", ErrInvalidTransition, st)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET status = 'active', updated_at = $2 WHERE id = $1
	`, review.ActorID, review.CreatedAt); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO abuse_reviews (id, actor_id, reviewer_id, notes, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, review.ID, review.ActorID, review.ReviewerID, review.Notes, review.CreatedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Postgres) ListReviews(ctx context.Context, actorID uuid.UUID, limit int) ([]Review, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, actor_id, reviewer_id, notes, created_at
		FROM abuse_reviews
		WHERE actor_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviews []Review
	for rows.Next() {
		var r Review
		if err := rows.Scan(&r.ID, &r.ActorID, &r.ReviewerID, &r.Notes, &r.CreatedAt); err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// ListUnreconciled finds active accounts holding an escalating flag newer than
// their latest review.
func (s *Postgres) ListUnreconciled(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT a.id
		FROM accounts a
		JOIN abuse_flags f ON f.actor_id = a.id
		WHERE a.status = 'active'
		  AND f.severity IN ('high', 'critical')
		  AND f.detected_at > COALESCE(
			(SELECT max(r.created_at) FROM abuse_reviews r WHERE r.actor_id = a.id),
			'-infinity'::timestamptz)
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanFlag(row pgx.Row) (*Flag, error) {
	var flag Flag
	var kind, severity string
	var evidence []byte
	if err := row.Scan(&flag.ID, &flag.ActorID, &kind, &severity, &evidence, &flag.DetectedAt); err != nil {
		return nil, err
	}
	flag.Kind = FlagKind(kind)
	flag.Severity = Severity(severity)
	flag.Evidence = json.RawMessage(evidence)
	return &flag, nil
}
