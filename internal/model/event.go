package model

import (
	"encoding/json"
	"time"
)

// EventType names a domain event emitted by the orchestrator.
type EventType string

const (
	EventItemCompleted      EventType = "item.completed"
	EventItemFailed         EventType = "item.failed"
	EventRunCompleted       EventType = "run.completed"
	EventPropertyDiscovered EventType = "property.discovered"
)

// Event is the payload fanned out to webhook subscriptions. ItemRef and the
// payload contents give subscribers enough identity to dedupe redeliveries.
type Event struct {
	Type    EventType      `json:"event_type"`
	RunID   string         `json:"run_id,omitempty"`
	ItemRef string         `json:"item_ref,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// WebhookSubscription is one configured event consumer. Subscriptions are
// owned by configuration and read-only to the orchestrator.
type WebhookSubscription struct {
	ID         string   `yaml:"id" json:"id"`
	TargetURL  string   `yaml:"target_url" json:"target_url"`
	EventTypes []string `yaml:"event_types" json:"event_types"`
	IsActive   bool     `yaml:"is_active" json:"is_active"`
}

// Wants reports whether the subscription is active and listens for the
// given event type.
func (s WebhookSubscription) Wants(t EventType) bool {
	if !s.IsActive {
		return false
	}
	for _, et := range s.EventTypes {
		if EventType(et) == t {
			return true
		}
	}
	return false
}

// DeliveryStatus represents the current state of one webhook delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// DeliveryLogEntry records one event delivery to one subscription. Created
// pending when the event is enqueued; the delivery worker mutates it on each
// attempt; terminal once delivered or attempts are exhausted.
type DeliveryLogEntry struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventType      EventType       `json:"event_type"`
	Status         DeliveryStatus  `json:"status"`
	AttemptsMade   int             `json:"attempts_made"`
	JobRef         string          `json:"job_ref"`
	Payload        json.RawMessage `json:"payload"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
}
