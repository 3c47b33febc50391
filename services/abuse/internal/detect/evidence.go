package detect

import (
	"encoding/json"
	"fmt"

	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/google/uuid"
)

// Evidence is implemented by one struct per detector. It is only turned into
// JSON at the storage and HTTP edges.
type Evidence interface {
	FlagKind() storage.FlagKind
}

type RapidSubmissionEvidence struct {
	Count         int   `json:"count"`
	Threshold     int   `json:"threshold"`
	WindowSeconds int64 `json:"window_seconds"`
}

func (RapidSubmissionEvidence) FlagKind() storage.FlagKind { return storage.FlagRapidSubmission }

type DuplicateContentEvidence struct {
	Fingerprint        string      `json:"fingerprint"`
	MatchedResourceIDs []uuid.UUID `json:"matched_resource_ids"`
}

func (DuplicateContentEvidence) FlagKind() storage.FlagKind { return storage.FlagDuplicateContent }

type BulkCreationEvidence struct {
	Count         int   `json:"count"`
	Threshold     int   `json:"threshold"`
	WindowSeconds int64 `json:"window_seconds"`
}

func (BulkCreationEvidence) FlagKind() storage.FlagKind { return storage.FlagBulkCreation }

type NewOriginEvidence struct {
	Origin       string   `json:"origin"`
	KnownOrigins []string `json:"known_origins"`
}

func (NewOriginEvidence) FlagKind() storage.FlagKind { return storage.FlagNewOriginLogin }

type AuthFailureEvidence struct {
	Origin        string `json:"origin"`
	Failures      int    `json:"failures"`
	Threshold     int    `json:"threshold"`
	WindowSeconds int64  `json:"window_seconds"`
}

func (AuthFailureEvidence) FlagKind() storage.FlagKind { return storage.FlagRepeatedAuthFailure }

func EncodeEvidence(e Evidence) (json.RawMessage, error) {
	if e == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s evidence: %w", e.FlagKind(), err)
	}
	return raw, nil
}

// DecodeEvidence picks the concrete evidence type from the flag kind.
func DecodeEvidence(kind storage.FlagKind, raw json.RawMessage) (Evidence, error) {
	var target Evidence
	switch kind {
	case storage.FlagRapidSubmission:
		var e RapidSubmissionEvidence
		if err := unmarshal(raw, &e); err != nil {
			return nil, err
		}
		target = e
	case storage.FlagDuplicateContent:
		var e DuplicateContentEvidence
		if err := unmarshal(raw, &e); err != nil {
			return nil, err
		}
		target = e
	case storage.FlagBulkCreation:
		var e BulkCreationEvidence
		if err := unmarshal(raw, &e); err != nil {
			return nil, err
		}
		target = e
	case storage.FlagNewOriginLogin:
		var e NewOriginEvidence
		if err := unmarshal(raw, &e); err != nil {
			return nil, err
		}
		target = e
	case storage.FlagRepeatedAuthFailure:
		var e AuthFailureEvidence
		if err := unmarshal(raw, &e); err != nil {
			return nil, err
		}
		target = e
	default:
		return nil, fmt.Errorf("unknown flag kind %q", kind)
	}
	return target, nil
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode evidence: %w", err)
	}
	return nil
}
