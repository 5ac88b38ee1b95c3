// Package outbox stores domain events in the same transaction as the state change
// that produced them and relays them to the job queue after commit.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Event is a pending notification row.
type Event struct {
	ID        uuid.UUID
	TenantID  shared.TenantID
	Topic     string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Envelope is the wire form delivered to consumers.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	TenantID   shared.TenantID `json:"tenant_id"`
	Topic      string          `json:"topic"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// ErrInvalidEvent indicates an event missing topic or tenant.
var ErrInvalidEvent = errors.New("outbox: event requires tenant and topic")

// NewEvent builds an event with a fresh id and JSON encoded payload.
func NewEvent(tenantID shared.TenantID, topic string, data any, at time.Time) (Event, error) {
	if tenantID.Validate() != nil || topic == "" {
		return Event{}, ErrInvalidEvent
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("outbox: encode %s payload: %w", topic, err)
	}
	return Event{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   raw,
		CreatedAt: at.UTC(),
	}, nil
}

// Envelope wraps the event for delivery.
func (e Event) Envelope() Envelope {
	return Envelope{
		EventID:    e.ID,
		TenantID:   e.TenantID,
		Topic:      e.Topic,
		OccurredAt: e.CreatedAt,
		Data:       e.Payload,
	}
}

// DecodeEnvelope parses a delivered payload.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("outbox: decode envelope: %w", err)
	}
	if env.EventID == uuid.Nil || env.TenantID.Validate() != nil || env.Topic == "" {
		return Envelope{}, ErrInvalidEvent
	}
	return env, nil
}

// Encode returns the JSON envelope for delivery.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e.Envelope())
}
