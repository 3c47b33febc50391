// Package fingerprint looks up an actor's earlier submissions by content
// digest. Digests are computed by the upload path; nothing is hashed here.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/artvault/services/abuse/internal/activity"
	"github.com/google/uuid"
)

const DefaultLookupLimit = 10

var ErrEmptyFingerprint = errors.New("fingerprint is required")

type Store interface {
	FindArtworksByFingerprint(ctx context.Context, ownerID uuid.UUID, fingerprint string, limit int) ([]uuid.UUID, error)
}

type Index struct {
	store   Store
	limit   int
	timeout time.Duration
}

func NewIndex(store Store, limit int, timeout time.Duration) *Index {
	if limit <= 0 {
		limit = DefaultLookupLimit
	}
	return &Index{store: store, limit: limit, timeout: timeout}
}

// FindDuplicates returns ids of the actor's prior resources with the same
// fingerprint, most recent first. Other actors' uploads are never matched.
func (i *Index) FindDuplicates(ctx context.Context, actorID uuid.UUID, fingerprint string) ([]uuid.UUID, error) {
	fp := Normalize(fingerprint)
	if fp == "" {
		return nil, ErrEmptyFingerprint
	}
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	ids, err := i.store.FindArtworksByFingerprint(ctx, actorID, fp, i.limit)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprint lookup: %w", activity.ErrUnavailable, err)
	}
	return ids, nil
}

// Normalize lowercases hex digests so upper-case input from clients matches.
func Normalize(fingerprint string) string {
	return strings.ToLower(strings.TrimSpace(fingerprint))
}
