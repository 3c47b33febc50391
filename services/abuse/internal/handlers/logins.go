package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// loginRequest is posted by the auth service after every login attempt.
// Origin and user agent default to the forwarding request's own.
type loginRequest struct {
	ActorID   string `json:"actor_id"`
	Success   *bool  `json:"success"`
	Origin    string `json:"origin"`
	UserAgent string `json:"user_agent"`
}

type signupCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Origin  string `json:"origin"`
}

func (h *Handler) RecordLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Success == nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "success is required")
		return
	}

	var actorID *uuid.UUID
	if raw := strings.TrimSpace(req.ActorID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid actor_id")
			return
		}
		actorID = &id
	}
	if *req.Success && actorID == nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "actor_id is required for a successful login")
		return
	}

	origin := strings.TrimSpace(req.Origin)
	if origin == "" {
		origin = c.ClientIP()
	}
	userAgent := strings.TrimSpace(req.UserAgent)
	if userAgent == "" {
		userAgent = c.Request.UserAgent()
	}
	// the login already happened upstream; record it even if the caller hangs up
	ctx := context.WithoutCancel(c.Request.Context())

	rec := storage.ActivityRecord{ActorID: actorID, Origin: origin, UserAgent: userAgent}
	if *req.Success {
		// the origin check has to see history without this login in it
		h.Guard.AfterLogin(ctx, *actorID, origin)
		rec.Kind = storage.ActionLoginSuccess
	} else {
		rec.Kind = storage.ActionLoginFailure
	}
	h.appendActivity(ctx, rec)

	c.Status(http.StatusAccepted)
}

func (h *Handler) CheckSignup(c *gin.Context) {
	origin := strings.TrimSpace(c.Query("origin"))
	if origin == "" {
		origin = c.ClientIP()
	}
	if !h.Guard.AllowSignup(c.Request.Context(), origin) {
		writeError(c, http.StatusTooManyRequests, "SIGNUP_BLOCKED", "too many failed logins from this origin")
		return
	}
	c.JSON(http.StatusOK, signupCheckResponse{Allowed: true, Origin: origin})
}
