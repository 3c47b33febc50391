package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/AfshinJalili/artvault/libs/auth"
	"github.com/AfshinJalili/artvault/services/abuse/internal/review"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type clearFlagsRequest struct {
	ReviewNotes string `json:"review_notes"`
}

type clearFlagsResponse struct {
	ReviewID   string `json:"review_id"`
	ActorID    string `json:"actor_id"`
	ReviewerID string `json:"reviewer_id"`
	Status     string `json:"status"`
}

func (h *Handler) ListFlagged(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil || offset < 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid offset")
		return
	}

	page, err := h.Reviews.ListFlagged(c.Request.Context(), limit, offset)
	if err != nil {
		h.Logger.Error("list flagged failed", "error", err)
		writeInternal(c)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) InspectAccount(c *gin.Context) {
	actorID, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid account id")
		return
	}

	insp, err := h.Reviews.Inspect(c.Request.Context(), actorID)
	if err != nil {
		if errors.Is(err, review.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "account not found")
			return
		}
		h.Logger.Error("inspect account failed", "actor_id", actorID.String(), "error", err)
		writeInternal(c)
		return
	}
	c.JSON(http.StatusOK, insp)
}

func (h *Handler) ClearFlags(c *gin.Context) {
	reviewerID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	actorID, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid account id")
		return
	}
	var req clearFlagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	rec, err := h.Reviews.ClearFlags(c.Request.Context(), actorID, reviewerID, req.ReviewNotes)
	if err != nil {
		switch {
		case errors.Is(err, review.ErrNotesRequired), errors.Is(err, review.ErrActorRequired):
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		case errors.Is(err, review.ErrNotFound):
			writeError(c, http.StatusNotFound, "NOT_FOUND", "account not found")
		case errors.Is(err, review.ErrInvalidTransition):
			writeError(c, http.StatusConflict, "CONFLICT", "account status cannot be cleared")
		default:
			h.Logger.Error("clear flags failed", "actor_id", actorID.String(), "error", err)
			writeInternal(c)
		}
		return
	}

	c.JSON(http.StatusOK, clearFlagsResponse{
		ReviewID:   rec.ID.String(),
		ActorID:    rec.ActorID.String(),
		ReviewerID: rec.ReviewerID.String(),
		Status:     "active",
	})
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.Reviews.Stats(c.Request.Context())
	if err != nil {
		h.Logger.Error("abuse stats failed", "error", err)
		writeInternal(c)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) Reconcile(c *gin.Context) {
	res, err := h.Reviews.Reconcile(c.Request.Context())
	if err != nil {
		h.Logger.Error("reconcile failed", "error", err)
		writeInternal(c)
		return
	}
	c.JSON(http.StatusOK, res)
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
