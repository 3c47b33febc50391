package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ActionKind string

const (
	ActionArtworkCreated    ActionKind = "artwork_created"
	ActionCollectionCreated ActionKind = "collection_created"
	ActionLoginSuccess      ActionKind = "login_success"
	ActionLoginFailure      ActionKind = "login_failure"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionArtworkCreated, ActionCollectionCreated, ActionLoginSuccess, ActionLoginFailure:
		return true
	}
	return false
}

// ActivityRecord is append-only. ActorID is nil for pre-auth events.
type ActivityRecord struct {
	ID        uuid.UUID
	ActorID   *uuid.UUID
	Kind      ActionKind
	Origin    string
	UserAgent string
	Metadata  map[string]string
	CreatedAt time.Time
}

type FlagKind string

const (
	FlagRapidSubmission     FlagKind = "rapid_submission"
	FlagDuplicateContent    FlagKind = "duplicate_content"
	FlagBulkCreation        FlagKind = "bulk_creation"
	FlagNewOriginLogin      FlagKind = "new_origin_login"
	FlagRepeatedAuthFailure FlagKind = "repeated_auth_failure"
)

var FlagKinds = []FlagKind{
	FlagRapidSubmission,
	FlagDuplicateContent,
	FlagBulkCreation,
	FlagNewOriginLogin,
	FlagRepeatedAuthFailure,
}

func (k FlagKind) Valid() bool {
	for _, known := range FlagKinds {
		if k == known {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

// Escalates reports whether a flag of this severity moves the account to flagged.
func (s Severity) Escalates() bool { return s.AtLeast(SeverityHigh) }

// Flag is immutable once written. Evidence is the JSON form of a typed
// evidence value; decoding lives with the detectors.
type Flag struct {
	ID         uuid.UUID
	ActorID    uuid.UUID
	Kind       FlagKind
	Severity   Severity
	Evidence   json.RawMessage
	DetectedAt time.Time
}

type AccountStatus string

const (
	StatusPending   AccountStatus = "pending"
	StatusActive    AccountStatus = "active"
	StatusFlagged   AccountStatus = "flagged"
	StatusSuspended AccountStatus = "suspended"
	StatusDeleted   AccountStatus = "deleted"
)

type Account struct {
	ID          uuid.UUID
	DisplayName string
	Status      AccountStatus
	UpdatedAt   time.Time
}

// Review is the audit entry written by a clear-flags action.
type Review struct {
	ID         uuid.UUID
	ActorID    uuid.UUID
	ReviewerID uuid.UUID
	Notes      string
	CreatedAt  time.Time
}

type Artwork struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Title       string
	Fingerprint string
	CreatedAt   time.Time
}

type Collection struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Name      string
	CreatedAt time.Time
}
