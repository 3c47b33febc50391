// Package flagging turns detector verdicts into persisted flags, applies the
// per-(actor, kind) cool-down and escalates accounts on serious flags.
package flagging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/artvault/libs/kafka"
	"github.com/AfshinJalili/artvault/services/abuse/internal/activity"
	"github.com/AfshinJalili/artvault/services/abuse/internal/clock"
	"github.com/AfshinJalili/artvault/services/abuse/internal/detect"
	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/google/uuid"
)

const (
	DefaultCooldown       = time.Hour
	DefaultPublishTimeout = 2 * time.Second
	FlagRaisedEventType   = "abuse.flag_raised"
)

var ErrInvalidFlag = errors.New("invalid flag")

type Store interface {
	LatestFlagSince(ctx context.Context, actorID uuid.UUID, kind storage.FlagKind, since time.Time) (*storage.Flag, error)
	InsertFlag(ctx context.Context, flag storage.Flag) error
	EscalateAccount(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

type Config struct {
	Cooldown     time.Duration
	StoreTimeout time.Duration

	// PublishTimeout caps how long a raise waits on the flag raised event.
	PublishTimeout time.Duration
	Clock          clock.Clock
}

// Outcome reports what RaiseFlag did. Flag is nil when the flag was suppressed.
type Outcome struct {
	Flag             *storage.Flag
	Suppressed       bool
	Escalated        bool
	EscalationFailed bool
}

type FlagRaisedEvent struct {
	kafka.Envelope
	FlagID     string          `json:"flag_id"`
	ActorID    string          `json:"actor_id"`
	Kind       string          `json:"kind"`
	Severity   string          `json:"severity"`
	Evidence   json.RawMessage `json:"evidence"`
	Escalated  bool            `json:"escalated"`
	DetectedAt string          `json:"detected_at"`
}

type Engine struct {
	store    Store
	locker   Locker
	producer kafka.Publisher
	topic    string
	logger   *slog.Logger
	clock    clock.Clock
	cooldown time.Duration
	timeout  time.Duration
	publish  time.Duration
}

func NewEngine(store Store, locker Locker, producer kafka.Publisher, topic string, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	return &Engine{
		store:    store,
		locker:   locker,
		producer: producer,
		topic:    topic,
		logger:   logger,
		clock:    cfg.Clock,
		cooldown: cfg.Cooldown,
		timeout:  cfg.StoreTimeout,
		publish:  cfg.PublishTimeout,
	}
}

// Raise records a detector verdict.
func (e *Engine) Raise(ctx context.Context, actorID uuid.UUID, v *detect.Verdict) (Outcome, error) {
	if v == nil {
		return Outcome{}, fmt.Errorf("%w: nil verdict", ErrInvalidFlag)
	}
	return e.RaiseFlag(ctx, actorID, v.Kind, v.Severity, v.Evidence)
}

// RaiseFlag inserts a flag unless one of the same kind was raised for the
// actor within the cool-down. High and critical flags move an active account
// to flagged. An escalation failure keeps the flag and is reported in the
// outcome rather than as an error.
func (e *Engine) RaiseFlag(ctx context.Context, actorID uuid.UUID, kind storage.FlagKind, severity storage.Severity, evidence detect.Evidence) (Outcome, error) {
	if actorID == uuid.Nil {
		return Outcome{}, fmt.Errorf("%w: actor required", ErrInvalidFlag)
	}
	if !kind.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidFlag, kind)
	}
	if !severity.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidFlag, severity)
	}
	if evidence != nil && evidence.FlagKind() != kind {
		return Outcome{}, fmt.Errorf("%w: %s evidence on %s flag", ErrInvalidFlag, evidence.FlagKind(), kind)
	}
	raw, err := detect.EncodeEvidence(evidence)
	if err != nil {
		return Outcome{}, err
	}

	if e.locker != nil {
		unlock, ok, err := e.locker.TryLock(ctx, lockKey(actorID, kind))
		switch {
		case err != nil:
			e.logger.Warn("flag lock unavailable, proceeding unlocked",
				"actor_id", actorID.String(), "kind", string(kind), "error", err)
		case !ok:
			return Outcome{Suppressed: true}, nil
		default:
			defer func() {
				if err := unlock(context.WithoutCancel(ctx)); err != nil {
					e.logger.Warn("flag lock release failed",
						"actor_id", actorID.String(), "kind", string(kind), "error", err)
				}
			}()
		}
	}

	now := e.clock.Now()
	recent, err := e.latestSince(ctx, actorID, kind, now.Add(-e.cooldown))
	if err != nil {
		return Outcome{}, err
	}
	if recent != nil {
		return Outcome{Suppressed: true}, nil
	}

	flag := storage.Flag{
		ID:         uuid.New(),
		ActorID:    actorID,
		Kind:       kind,
		Severity:   severity,
		Evidence:   raw,
		DetectedAt: now,
	}
	if err := e.insert(ctx, flag); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Flag: &flag}
	if severity.Escalates() {
		escalated, err := e.escalate(ctx, actorID, now)
		if err != nil {
			out.EscalationFailed = true
			e.logger.Error("account escalation failed",
				"actor_id", actorID.String(), "kind", string(kind), "flag_id", flag.ID.String(), "error", err)
		}
		out.Escalated = escalated
	}

	e.publishFlagRaised(ctx, out)
	return out, nil
}

func (e *Engine) latestSince(ctx context.Context, actorID uuid.UUID, kind storage.FlagKind, since time.Time) (*storage.Flag, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	flag, err := e.store.LatestFlagSince(ctx, actorID, kind, since)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cool-down lookup: %w", activity.ErrUnavailable, err)
	}
	return flag, nil
}

func (e *Engine) insert(ctx context.Context, flag storage.Flag) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.store.InsertFlag(ctx, flag); err != nil {
		return fmt.Errorf("%w: insert flag: %w", activity.ErrUnavailable, err)
	}
	return nil
}

func (e *Engine) escalate(ctx context.Context, actorID uuid.UUID, now time.Time) (bool, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.EscalateAccount(ctx, actorID, now)
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Engine) publishFlagRaised(ctx context.Context, out Outcome) {
	if e.producer == nil || e.topic == "" || out.Flag == nil {
		return
	}
	flag := out.Flag
	eventID := kafka.DeterministicEventID(FlagRaisedEventType, flag.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, FlagRaisedEventType, 1, "")
	if err != nil {
		e.logger.Error("build flag raised envelope failed", "error", err)
		return
	}
	payload := FlagRaisedEvent{
		Envelope:   env,
		FlagID:     flag.ID.String(),
		ActorID:    flag.ActorID.String(),
		Kind:       string(flag.Kind),
		Severity:   string(flag.Severity),
		Evidence:   flag.Evidence,
		Escalated:  out.Escalated,
		DetectedAt: flag.DetectedAt.UTC().Format(time.RFC3339),
	}
	// The flag is committed; the event gets its own budget, not the caller's.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publish)
	defer cancel()
	if _, _, err := e.producer.PublishJSON(pubCtx, e.topic, flag.ActorID.String(), payload); err != nil {
		e.logger.Warn("publish flag raised failed", "flag_id", flag.ID.String(), "error", err)
	}
}

func lockKey(actorID uuid.UUID, kind storage.FlagKind) string {
	return actorID.String() + ":" + string(kind)
}
