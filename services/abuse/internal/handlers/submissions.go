package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/AfshinJalili/artvault/libs/auth"
	"github.com/AfshinJalili/artvault/services/abuse/internal/guard"
	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxTitleLength = 200

type createArtworkRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type createArtworkResponse struct {
	ArtworkID   string `json:"artwork_id"`
	Fingerprint string `json:"fingerprint"`
	CreatedAt   string `json:"created_at"`
}

type createCollectionRequest struct {
	Name string `json:"name"`
}

type createCollectionResponse struct {
	CollectionID string `json:"collection_id"`
	CreatedAt    string `json:"created_at"`
}

// CreateArtwork checks for duplicates before writing anything, then stores
// the artwork and runs the rate check against the updated log.
func (h *Handler) CreateArtwork(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	var req createArtworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || len(title) > maxTitleLength {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "title is required")
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil || len(content) == 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "content must be non-empty base64")
		return
	}
	fingerprint := contentFingerprint(content)
	ctx := c.Request.Context()

	if err := h.Guard.BeforeArtworkCreate(ctx, userID, fingerprint); err != nil {
		if errors.Is(err, guard.ErrDuplicateContent) {
			writeError(c, http.StatusConflict, "DUPLICATE_CONTENT", "content was already uploaded")
			return
		}
		h.Logger.Error("duplicate check failed", "error", err)
		writeInternal(c)
		return
	}

	art := storage.Artwork{
		ID:          uuid.New(),
		OwnerID:     userID,
		Title:       title,
		Fingerprint: fingerprint,
		CreatedAt:   h.Clock.Now(),
	}
	if err := h.Resources.CreateArtwork(ctx, art); err != nil {
		h.Logger.Error("create artwork failed", "error", err)
		writeInternal(c)
		return
	}

	// the artwork is committed; what follows must finish even if the client hangs up
	post := context.WithoutCancel(ctx)
	h.appendActivity(post, storage.ActivityRecord{
		ActorID:   &userID,
		Kind:      storage.ActionArtworkCreated,
		Origin:    c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Metadata:  map[string]string{"artwork_id": art.ID.String()},
	})
	h.Guard.AfterArtworkCreate(post, userID)

	c.JSON(http.StatusCreated, createArtworkResponse{
		ArtworkID:   art.ID.String(),
		Fingerprint: fingerprint,
		CreatedAt:   art.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) CreateCollection(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	var req createCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxTitleLength {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
		return
	}
	ctx := c.Request.Context()

	col := storage.Collection{
		ID:        uuid.New(),
		OwnerID:   userID,
		Name:      name,
		CreatedAt: h.Clock.Now(),
	}
	if err := h.Resources.CreateCollection(ctx, col); err != nil {
		h.Logger.Error("create collection failed", "error", err)
		writeInternal(c)
		return
	}

	post := context.WithoutCancel(ctx)
	h.appendActivity(post, storage.ActivityRecord{
		ActorID:   &userID,
		Kind:      storage.ActionCollectionCreated,
		Origin:    c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Metadata:  map[string]string{"collection_id": col.ID.String()},
	})
	h.Guard.AfterCollectionCreate(post, userID)

	c.JSON(http.StatusCreated, createCollectionResponse{
		CollectionID: col.ID.String(),
		CreatedAt:    col.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func contentFingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
