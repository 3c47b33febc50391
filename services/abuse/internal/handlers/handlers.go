package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/AfshinJalili/artvault/libs/auth"
	"github.com/AfshinJalili/artvault/services/abuse/internal/clock"
	"github.com/AfshinJalili/artvault/services/abuse/internal/review"
	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Guard interface {
	BeforeArtworkCreate(ctx context.Context, actorID uuid.UUID, fingerprint string) error
	AfterArtworkCreate(ctx context.Context, actorID uuid.UUID)
	AfterCollectionCreate(ctx context.Context, actorID uuid.UUID)
	AfterLogin(ctx context.Context, actorID uuid.UUID, origin string)
	AllowSignup(ctx context.Context, origin string) bool
}

type ActivityLog interface {
	Append(ctx context.Context, rec storage.ActivityRecord) (storage.ActivityRecord, error)
}

type ResourceStore interface {
	CreateArtwork(ctx context.Context, art storage.Artwork) error
	CreateCollection(ctx context.Context, col storage.Collection) error
}

type ReviewService interface {
	ListFlagged(ctx context.Context, limit, offset int) (*review.FlaggedPage, error)
	Inspect(ctx context.Context, actorID uuid.UUID) (*review.Inspection, error)
	ClearFlags(ctx context.Context, actorID, reviewerID uuid.UUID, notes string) (*storage.Review, error)
	Stats(ctx context.Context) (*review.Stats, error)
	Reconcile(ctx context.Context) (review.ReconcileResult, error)
}

type Handler struct {
	Guard     Guard
	Activity  ActivityLog
	Resources ResourceStore
	Reviews   ReviewService
	Clock     clock.Clock
	Logger    *slog.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(guard Guard, activity ActivityLog, resources ResourceStore, reviews ReviewService, c clock.Clock, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = clock.System{}
	}
	return &Handler{
		Guard:     guard,
		Activity:  activity,
		Resources: resources,
		Reviews:   reviews,
		Clock:     c,
		Logger:    logger,
	}
}

// Register mounts the artist-facing intake, the internal login intake and
// the admin console.
func (h *Handler) Register(r *gin.Engine, jwtSecret []byte, adminRole string) {
	v1 := r.Group("/v1", auth.Middleware(jwtSecret))
	v1.POST("/artworks", h.CreateArtwork)
	v1.POST("/collections", h.CreateCollection)

	internal := r.Group("/internal")
	internal.POST("/logins", h.RecordLogin)
	internal.GET("/signups/check", h.CheckSignup)

	admin := r.Group("/admin/abuse", auth.Middleware(jwtSecret), auth.RequireRole(adminRole))
	admin.GET("/flagged", h.ListFlagged)
	admin.GET("/accounts/:id", h.InspectAccount)
	admin.POST("/accounts/:id/clear", h.ClearFlags)
	admin.GET("/stats", h.Stats)
	admin.POST("/reconcile", h.Reconcile)
}

// appendActivity never fails the request; a lost record only weakens detection.
func (h *Handler) appendActivity(ctx context.Context, rec storage.ActivityRecord) {
	if _, err := h.Activity.Append(ctx, rec); err != nil {
		actor := ""
		if rec.ActorID != nil {
			actor = rec.ActorID.String()
		}
		h.Logger.Warn("activity append failed", "actor_id", actor, "kind", string(rec.Kind), "error", err)
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}

func writeInternal(c *gin.Context) {
	writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}
