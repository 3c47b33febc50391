// Package detect holds one detector per abuse pattern. Detectors only read;
// turning a verdict into a flag is the flagging engine's job.
package detect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/artvault/services/abuse/internal/fingerprint"
	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/google/uuid"
)

type Verdict struct {
	Kind     storage.FlagKind
	Severity storage.Severity
	Evidence Evidence
}

type Counter interface {
	CountRecentActions(ctx context.Context, actorID uuid.UUID, kind storage.ActionKind, window time.Duration) (int, error)
	CountRecentByOrigin(ctx context.Context, origin string, kind storage.ActionKind, window time.Duration) (int, error)
	RecentLoginOrigins(ctx context.Context, actorID uuid.UUID, limit int) ([]string, error)
}

type DuplicateFinder interface {
	FindDuplicates(ctx context.Context, actorID uuid.UUID, fingerprint string) ([]uuid.UUID, error)
}

type Policy struct {
	RapidSubmissionLimit  int
	RapidSubmissionWindow time.Duration
	BulkCreationLimit     int
	BulkCreationWindow    time.Duration
	OriginHistory         int
	AuthFailureLimit      int
	AuthFailureWindow     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		RapidSubmissionLimit:  5,
		RapidSubmissionWindow: 60 * time.Second,
		BulkCreationLimit:     10,
		BulkCreationWindow:    time.Hour,
		OriginHistory:         10,
		AuthFailureLimit:      5,
		AuthFailureWindow:     15 * time.Minute,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.RapidSubmissionLimit <= 0 || p.RapidSubmissionWindow <= 0:
		return fmt.Errorf("rapid submission limit and window must be positive")
	case p.BulkCreationLimit <= 0 || p.BulkCreationWindow <= 0:
		return fmt.Errorf("bulk creation limit and window must be positive")
	case p.OriginHistory <= 0:
		return fmt.Errorf("origin history must be positive")
	case p.AuthFailureLimit <= 0 || p.AuthFailureWindow <= 0:
		return fmt.Errorf("auth failure limit and window must be positive")
	}
	return nil
}

type Detectors struct {
	counter    Counter
	duplicates DuplicateFinder
	policy     Policy
}

func New(counter Counter, duplicates DuplicateFinder, policy Policy) *Detectors {
	return &Detectors{counter: counter, duplicates: duplicates, policy: policy}
}

func (d *Detectors) Policy() Policy { return d.policy }

// RapidSubmission runs after the artwork is persisted, so the count includes
// the current submission. More than RapidSubmissionLimit in the window is high.
func (d *Detectors) RapidSubmission(ctx context.Context, actorID uuid.UUID) (*Verdict, error) {
	count, err := d.counter.CountRecentActions(ctx, actorID, storage.ActionArtworkCreated, d.policy.RapidSubmissionWindow)
	if err != nil {
		return nil, err
	}
	if count <= d.policy.RapidSubmissionLimit {
		return nil, nil
	}
	return &Verdict{
		Kind:     storage.FlagRapidSubmission,
		Severity: storage.SeverityHigh,
		Evidence: RapidSubmissionEvidence{
			Count:         count,
			Threshold:     d.policy.RapidSubmissionLimit,
			WindowSeconds: int64(d.policy.RapidSubmissionWindow / time.Second),
		},
	}, nil
}

// DuplicateContent runs before the artwork is persisted so it only sees
// earlier uploads.
func (d *Detectors) DuplicateContent(ctx context.Context, actorID uuid.UUID, fp string) (*Verdict, error) {
	matches, err := d.duplicates.FindDuplicates(ctx, actorID, fp)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &Verdict{
		Kind:     storage.FlagDuplicateContent,
		Severity: storage.SeverityMedium,
		Evidence: DuplicateContentEvidence{
			Fingerprint:        fingerprint.Normalize(fp),
			MatchedResourceIDs: matches,
		},
	}, nil
}

// BulkCreation is recorded but never escalates the account on its own.
func (d *Detectors) BulkCreation(ctx context.Context, actorID uuid.UUID) (*Verdict, error) {
	count, err := d.counter.CountRecentActions(ctx, actorID, storage.ActionCollectionCreated, d.policy.BulkCreationWindow)
	if err != nil {
		return nil, err
	}
	if count <= d.policy.BulkCreationLimit {
		return nil, nil
	}
	return &Verdict{
		Kind:     storage.FlagBulkCreation,
		Severity: storage.SeverityMedium,
		Evidence: BulkCreationEvidence{
			Count:         count,
			Threshold:     d.policy.BulkCreationLimit,
			WindowSeconds: int64(d.policy.BulkCreationWindow / time.Second),
		},
	}, nil
}

// NewOriginLogin must run before the current login is appended. An actor
// with no login history is never flagged.
func (d *Detectors) NewOriginLogin(ctx context.Context, actorID uuid.UUID, origin string) (*Verdict, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return nil, nil
	}
	recent, err := d.counter.RecentLoginOrigins(ctx, actorID, d.policy.OriginHistory)
	if err != nil {
		return nil, err
	}
	known := make([]string, 0, len(recent))
	for _, k := range recent {
		if k == origin {
			return nil, nil
		}
		if k != "" {
			known = append(known, k)
		}
	}
	if len(known) == 0 {
		return nil, nil
	}
	return &Verdict{
		Kind:     storage.FlagNewOriginLogin,
		Severity: storage.SeverityLow,
		Evidence: NewOriginEvidence{Origin: origin, KnownOrigins: known},
	}, nil
}

// RepeatedAuthFailure counts failed logins by origin, not by actor. The
// verdict gates account creation from that origin and is not flagged.
func (d *Detectors) RepeatedAuthFailure(ctx context.Context, origin string) (*Verdict, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return nil, nil
	}
	failures, err := d.counter.CountRecentByOrigin(ctx, origin, storage.ActionLoginFailure, d.policy.AuthFailureWindow)
	if err != nil {
		return nil, err
	}
	if failures < d.policy.AuthFailureLimit {
		return nil, nil
	}
	return &Verdict{
		Kind:     storage.FlagRepeatedAuthFailure,
		Severity: storage.SeverityLow,
		Evidence: AuthFailureEvidence{
			Origin:        origin,
			Failures:      failures,
			Threshold:     d.policy.AuthFailureLimit,
			WindowSeconds: int64(d.policy.AuthFailureWindow / time.Second),
		},
	}, nil
}
