// Package review is the operator surface over flags: listing flagged
// accounts, inspecting evidence, clearing flags and dashboard stats.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/artvault/services/abuse/internal/clock"
	"github.com/AfshinJalili/artvault/services/abuse/internal/detect"
	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/google/uuid"
)

const (
	DefaultPageSize   = 50
	MaxPageSize       = 200
	FlagsPerAccount   = 5
	InspectFlagLimit  = 50
	StatsWindow       = 24 * time.Hour
	reconcileBatch    = 500
	inspectReviewSize = 20
)

var (
	ErrNotesRequired     = errors.New("review notes are required")
	ErrActorRequired     = errors.New("actor and reviewer are required")
	ErrInvalidTransition = storage.ErrInvalidTransition
	ErrNotFound          = storage.ErrNotFound
)

type Store interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*storage.Account, error)
	ListAccountsByStatus(ctx context.Context, status storage.AccountStatus, limit, offset int) ([]storage.Account, int, error)
	RecentFlagsFor(ctx context.Context, actorIDs []uuid.UUID, perActor int) (map[uuid.UUID][]storage.Flag, error)
	ListFlags(ctx context.Context, actorID uuid.UUID, limit int) ([]storage.Flag, error)
	CountFlagsByKindSince(ctx context.Context, since time.Time) (map[storage.FlagKind]int, error)
	ClearFlags(ctx context.Context, review storage.Review) error
	ListReviews(ctx context.Context, actorID uuid.UUID, limit int) ([]storage.Review, error)
	ListUnreconciled(ctx context.Context, limit int) ([]uuid.UUID, error)
	EscalateAccount(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

type FlagView struct {
	ID         uuid.UUID        `json:"id"`
	Kind       storage.FlagKind `json:"kind"`
	Severity   storage.Severity `json:"severity"`
	Evidence   any              `json:"evidence"`
	DetectedAt time.Time        `json:"detected_at"`
}

type FlaggedAccount struct {
	ActorID     uuid.UUID             `json:"actor_id"`
	DisplayName string                `json:"display_name"`
	Status      storage.AccountStatus `json:"status"`
	FlaggedAt   time.Time             `json:"flagged_at"`
	Flags       []FlagView            `json:"flags"`
}

type FlaggedPage struct {
	Accounts []FlaggedAccount `json:"accounts"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

type AccountView struct {
	ID          uuid.UUID             `json:"id"`
	DisplayName string                `json:"display_name"`
	Status      storage.AccountStatus `json:"status"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

type ReviewView struct {
	ID         uuid.UUID `json:"id"`
	ReviewerID uuid.UUID `json:"reviewer_id"`
	Notes      string    `json:"notes"`
	CreatedAt  time.Time `json:"created_at"`
}

type Inspection struct {
	Account AccountView  `json:"account"`
	Flags   []FlagView   `json:"flags"`
	Reviews []ReviewView `json:"reviews"`
}

type Stats struct {
	FlaggedAccounts int                      `json:"flagged_accounts"`
	FlagsByKind     map[storage.FlagKind]int `json:"flags_by_kind"`
	Since           time.Time                `json:"since"`
}

type ReconcileResult struct {
	Candidates int `json:"candidates"`
	Escalated  int `json:"escalated"`
	Failed     int `json:"failed"`
}

type Service struct {
	store   Store
	clock   clock.Clock
	logger  *slog.Logger
	timeout time.Duration
}

func NewService(store Store, c clock.Clock, logger *slog.Logger, timeout time.Duration) *Service {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, clock: c, logger: logger, timeout: timeout}
}

// NormalizePage applies the default and maximum page size.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Service) ListFlagged(ctx context.Context, limit, offset int) (*FlaggedPage, error) {
	limit, offset = NormalizePage(limit, offset)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	accounts, total, err := s.store.ListAccountsByStatus(ctx, storage.StatusFlagged, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list flagged accounts: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(accounts))
	for _, acc := range accounts {
		ids = append(ids, acc.ID)
	}
	flags, err := s.store.RecentFlagsFor(ctx, ids, FlagsPerAccount)
	if err != nil {
		return nil, fmt.Errorf("load recent flags: %w", err)
	}

	page := &FlaggedPage{Accounts: make([]FlaggedAccount, 0, len(accounts)), Total: total, Limit: limit, Offset: offset}
	for _, acc := range accounts {
		page.Accounts = append(page.Accounts, FlaggedAccount{
			ActorID:     acc.ID,
			DisplayName: acc.DisplayName,
			Status:      acc.Status,
			FlaggedAt:   acc.UpdatedAt,
			Flags:       s.views(flags[acc.ID]),
		})
	}
	return page, nil
}

func (s *Service) Inspect(ctx context.Context, actorID uuid.UUID) (*Inspection, error) {
	if actorID == uuid.Nil {
		return nil, ErrActorRequired
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	acc, err := s.store.GetAccount(ctx, actorID)
	if err != nil {
		return nil, err
	}
	flags, err := s.store.ListFlags(ctx, actorID, InspectFlagLimit)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	reviews, err := s.store.ListReviews(ctx, actorID, inspectReviewSize)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	insp := &Inspection{
		Account: AccountView{ID: acc.ID, DisplayName: acc.DisplayName, Status: acc.Status, UpdatedAt: acc.UpdatedAt},
		Flags:   s.views(flags),
		Reviews: make([]ReviewView, 0, len(reviews)),
	}
	for _, r := range reviews {
		insp.Reviews = append(insp.Reviews, ReviewView{ID: r.ID, ReviewerID: r.ReviewerID, Notes: r.Notes, CreatedAt: r.CreatedAt})
	}
	return insp, nil
}

// ClearFlags returns a flagged account to active and records the review.
// Clearing an already active account only records the review.
func (s *Service) ClearFlags(ctx context.Context, actorID, reviewerID uuid.UUID, notes string) (*storage.Review, error) {
	notes = strings.TrimSpace(notes)
	if actorID == uuid.Nil || reviewerID == uuid.Nil {
		return nil, ErrActorRequired
	}
	if notes == "" {
		return nil, ErrNotesRequired
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rec := storage.Review{
		ID:         uuid.New(),
		ActorID:    actorID,
		ReviewerID: reviewerID,
		Notes:      notes,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.ClearFlags(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("abuse flags cleared", "actor_id", actorID.String(), "reviewer_id", reviewerID.String())
	return &rec, nil
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, flagged, err := s.store.ListAccountsByStatus(ctx, storage.StatusFlagged, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("count flagged accounts: %w", err)
	}
	since := s.clock.Now().Add(-StatsWindow)
	counts, err := s.store.CountFlagsByKindSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count flags: %w", err)
	}
	byKind := make(map[storage.FlagKind]int, len(storage.FlagKinds))
	for _, kind := range storage.FlagKinds {
		byKind[kind] = counts[kind]
	}
	return &Stats{FlaggedAccounts: flagged, FlagsByKind: byKind, Since: since}, nil
}

// Reconcile re-applies escalation to active accounts whose high or critical
// flags postdate their last review. It closes the window left by an
// escalation write that failed after the flag was stored.
func (s *Service) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	listCtx, cancel := s.withTimeout(ctx)
	ids, err := s.store.ListUnreconciled(listCtx, reconcileBatch)
	cancel()
	if err != nil {
		return res, fmt.Errorf("list unreconciled: %w", err)
	}
	res.Candidates = len(ids)

	now := s.clock.Now()
	for _, id := range ids {
		escCtx, cancel := s.withTimeout(ctx)
		changed, err := s.store.EscalateAccount(escCtx, id, now)
		cancel()
		if err != nil {
			res.Failed++
			s.logger.Error("reconcile escalation failed", "actor_id", id.String(), "error", err)
			continue
		}
		if changed {
			res.Escalated++
		}
	}
	if res.Candidates > 0 {
		s.logger.Info("abuse reconcile complete",
			"candidates", res.Candidates, "escalated", res.Escalated, "failed", res.Failed)
	}
	return res, nil
}

func (s *Service) views(flags []storage.Flag) []FlagView {
	out := make([]FlagView, 0, len(flags))
	for _, f := range flags {
		out = append(out, FlagView{
			ID:         f.ID,
			Kind:       f.Kind,
			Severity:   f.Severity,
			Evidence:   s.evidence(f),
			DetectedAt: f.DetectedAt,
		})
	}
	return out
}

func (s *Service) evidence(f storage.Flag) any {
	ev, err := detect.DecodeEvidence(f.Kind, f.Evidence)
	if err != nil {
		s.logger.Warn("undecodable flag evidence", "flag_id", f.ID.String(), "kind", string(f.Kind), "error", err)
		if len(f.Evidence) == 0 {
			return json.RawMessage(`{}`)
		}
		return f.Evidence
	}
	return ev
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
