package kafka

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderEventVersion  = "event_version"
	HeaderCorrelationID = "correlation_id"
)

type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	return NewEnvelopeWithID(uuid.NewString(), eventType, version, correlationID)
}

func NewEnvelopeWithID(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// RecordHeaders mirrors the envelope into Kafka record headers.
func (e Envelope) RecordHeaders() []sarama.RecordHeader {
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderEventID), Value: []byte(e.EventID)},
		{Key: []byte(HeaderEventType), Value: []byte(e.EventType)},
		{Key: []byte(HeaderEventVersion), Value: []byte(strconv.Itoa(e.EventVersion))},
	}
	if e.CorrelationID != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderCorrelationID), Value: []byte(e.CorrelationID)})
	}
	return headers
}

func (e Envelope) envelope() Envelope { return e }

// enveloped matches any event struct that embeds Envelope.
type enveloped interface {
	envelope() Envelope
}

func envelopeOf(value any) (Envelope, bool) {
	if v, ok := value.(enveloped); ok {
		return v.envelope(), true
	}
	return Envelope{}, false
}

// DeterministicEventID derives a stable id so replays of the same fact dedupe downstream.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.EventVersion <= 0 {
		return fmt.Errorf("event_version must be positive")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
