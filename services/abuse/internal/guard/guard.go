// Package guard holds the hooks the create and login flows call. The
// duplicate check runs before the artwork is written and the rate checks run
// after. The two call sites must stay separate.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/artvault/libs/trace"
	"github.com/AfshinJalili/artvault/services/abuse/internal/activity"
	"github.com/AfshinJalili/artvault/services/abuse/internal/detect"
	"github.com/AfshinJalili/artvault/services/abuse/internal/flagging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "abuse-guard"

const (
	detectorRapid     = "rapid_submission"
	detectorDuplicate = "duplicate_content"
	detectorBulk      = "bulk_creation"
	detectorNewOrigin = "new_origin_login"
	detectorAuthFail  = "repeated_auth_failure"
)

// ErrDuplicateContent rejects an upload whose fingerprint matches one of the
// actor's earlier uploads.
var ErrDuplicateContent = errors.New("duplicate content")

type Detectors interface {
	RapidSubmission(ctx context.Context, actorID uuid.UUID) (*detect.Verdict, error)
	DuplicateContent(ctx context.Context, actorID uuid.UUID, fingerprint string) (*detect.Verdict, error)
	BulkCreation(ctx context.Context, actorID uuid.UUID) (*detect.Verdict, error)
	NewOriginLogin(ctx context.Context, actorID uuid.UUID, origin string) (*detect.Verdict, error)
	RepeatedAuthFailure(ctx context.Context, origin string) (*detect.Verdict, error)
}

type Flagger interface {
	Raise(ctx context.Context, actorID uuid.UUID, v *detect.Verdict) (flagging.Outcome, error)
}

type Guard struct {
	detectors Detectors
	flagger   Flagger
	logger    *slog.Logger
	metrics   *Metrics
	breaker   *Breaker
}

func New(detectors Detectors, flagger Flagger, logger *slog.Logger, metrics *Metrics, breaker *Breaker) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		detectors: detectors,
		flagger:   flagger,
		logger:    logger,
		metrics:   metrics,
		breaker:   breaker,
	}
}

// BeforeArtworkCreate runs before the artwork is persisted. A duplicate is
// flagged and rejected; any detector failure lets the upload through.
func (g *Guard) BeforeArtworkCreate(ctx context.Context, actorID uuid.UUID, fingerprint string) error {
	v := g.runDetector(ctx, detectorDuplicate, actorID, func(ctx context.Context) (*detect.Verdict, error) {
		return g.detectors.DuplicateContent(ctx, actorID, fingerprint)
	})
	if v == nil {
		return nil
	}
	g.raise(ctx, actorID, v)

	matches := 0
	if ev, ok := v.Evidence.(detect.DuplicateContentEvidence); ok {
		matches = len(ev.MatchedResourceIDs)
	}
	return fmt.Errorf("%w: %d earlier upload(s) share this fingerprint", ErrDuplicateContent, matches)
}

// AfterArtworkCreate runs once the artwork and its activity record are stored.
// The artwork is committed at this point, so the checks outlive the request.
func (g *Guard) AfterArtworkCreate(ctx context.Context, actorID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	v := g.runDetector(ctx, detectorRapid, actorID, func(ctx context.Context) (*detect.Verdict, error) {
		return g.detectors.RapidSubmission(ctx, actorID)
	})
	g.raise(ctx, actorID, v)
}

func (g *Guard) AfterCollectionCreate(ctx context.Context, actorID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	v := g.runDetector(ctx, detectorBulk, actorID, func(ctx context.Context) (*detect.Verdict, error) {
		return g.detectors.BulkCreation(ctx, actorID)
	})
	g.raise(ctx, actorID, v)
}

// AfterLogin must be called before the login itself is appended to the log,
// otherwise the current origin is always already known.
func (g *Guard) AfterLogin(ctx context.Context, actorID uuid.UUID, origin string) {
	ctx = context.WithoutCancel(ctx)
	v := g.runDetector(ctx, detectorNewOrigin, actorID, func(ctx context.Context) (*detect.Verdict, error) {
		return g.detectors.NewOriginLogin(ctx, actorID, origin)
	})
	g.raise(ctx, actorID, v)
}

// AllowSignup reports whether account creation from origin may proceed.
func (g *Guard) AllowSignup(ctx context.Context, origin string) bool {
	v := g.runDetector(ctx, detectorAuthFail, uuid.Nil, func(ctx context.Context) (*detect.Verdict, error) {
		return g.detectors.RepeatedAuthFailure(ctx, origin)
	})
	if v != nil {
		g.logger.Info("signup blocked", "origin", origin)
	}
	return v == nil
}

// runDetector runs one detector and converts every failure into "no verdict".
func (g *Guard) runDetector(ctx context.Context, name string, actorID uuid.UUID, fn func(context.Context) (*detect.Verdict, error)) *detect.Verdict {
	if !g.breaker.Allow() {
		g.recordVerdict(name, "skipped")
		return nil
	}

	spanCtx, span := trace.Start(ctx, tracerName, "detect."+name)
	defer span.End()
	span.SetAttributes(attribute.String("abuse.detector", name))

	start := time.Now()
	v, err := fn(spanCtx)
	g.observe(name, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "detector failed")
		// A caller that went away says nothing about the store's health.
		if errors.Is(err, activity.ErrUnavailable) && !cancelled(ctx, err) {
			g.breaker.RecordFailure()
		}
		g.recordFailure(name)
		g.logger.Warn("abuse detector failed open",
			"detector", name, "actor_id", actorIDString(actorID), "error", err)
		return nil
	}
	g.breaker.RecordSuccess()

	if v == nil {
		g.recordVerdict(name, "clear")
		return nil
	}
	span.SetAttributes(attribute.String("abuse.severity", string(v.Severity)))
	g.recordVerdict(name, "hit")
	return v
}

func (g *Guard) raise(ctx context.Context, actorID uuid.UUID, v *detect.Verdict) {
	if v == nil || g.flagger == nil {
		return
	}
	// A verdict reached is recorded even if the caller disconnects.
	out, err := g.flagger.Raise(context.WithoutCancel(ctx), actorID, v)
	if err != nil {
		g.logger.Warn("raise flag failed open",
			"actor_id", actorID.String(), "kind", string(v.Kind), "error", err)
		return
	}
	if out.Suppressed {
		g.recordSuppressed(string(v.Kind))
		return
	}
	g.recordRaised(string(v.Kind), string(v.Severity))
	if out.EscalationFailed {
		g.recordEscalationFailure()
	}
	g.logger.Info("abuse flag raised",
		"actor_id", actorID.String(), "kind", string(v.Kind), "severity", string(v.Severity), "escalated", out.Escalated)
}

func (g *Guard) recordVerdict(detector, result string) {
	if g.metrics == nil {
		return
	}
	g.metrics.DetectorVerdicts.WithLabelValues(detector, result).Inc()
}

func (g *Guard) recordFailure(detector string) {
	if g.metrics == nil {
		return
	}
	g.metrics.DetectorVerdicts.WithLabelValues(detector, "error").Inc()
	g.metrics.DetectorFailures.WithLabelValues(detector).Inc()
}

func (g *Guard) observe(detector string, start time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.DetectorDuration.WithLabelValues(detector).Observe(time.Since(start).Seconds())
}

func (g *Guard) recordRaised(kind, severity string) {
	if g.metrics == nil {
		return
	}
	g.metrics.FlagsRaised.WithLabelValues(kind, severity).Inc()
}

func (g *Guard) recordSuppressed(kind string) {
	if g.metrics == nil {
		return
	}
	g.metrics.FlagsSuppressed.WithLabelValues(kind).Inc()
}

func (g *Guard) recordEscalationFailure() {
	if g.metrics == nil {
		return
	}
	g.metrics.EscalationFailures.Inc()
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func actorIDString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
