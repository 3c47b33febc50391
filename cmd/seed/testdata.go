package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	spammerID   = uuid.MustParse("00000000-0000-0000-0000-000000000003")
	suspendedID = uuid.MustParse("00000000-0000-0000-0000-000000000004")
)

type seedFlag struct {
	id       uuid.UUID
	kind     string
	severity string
	evidence string
	ago      time.Duration
}

// seedTestData leaves one account flagged with a mix of evidence so the
// admin console has something to show.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now()
	if err := upsertAccount(ctx, pool, spammerID, "Fast Uploader", "flagged", now); err != nil {
		return fmt.Errorf("spammer: %w", err)
	}
	if err := upsertAccount(ctx, pool, suspendedID, "Suspended Artist", "suspended", now); err != nil {
		return fmt.Errorf("suspended: %w", err)
	}

	flags := []seedFlag{
		{
			id:       uuid.MustParse("10000000-0000-0000-0000-000000000001"),
			kind:     "rapid_submission",
			severity: "high",
			evidence: `{"count":6,"threshold":5,"window_seconds":60}`,
			ago:      10 * time.Minute,
		},
		{
			id:       uuid.MustParse("10000000-0000-0000-0000-000000000002"),
			kind:     "new_origin_login",
			severity: "low",
			evidence: `{"origin":"203.0.113.9","known_origins":["198.51.100.7"]}`,
			ago:      2 * time.Hour,
		},
	}
	for _, f := range flags {
		_, err := pool.Exec(ctx, `
			INSERT INTO abuse_flags (id, actor_id, kind, severity, evidence, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, f.id, spammerID, f.kind, f.severity, []byte(f.evidence), now.Add(-f.ago))
		if err != nil {
			return fmt.Errorf("flag %s: %w", f.kind, err)
		}
	}
	return nil
}
