package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Battery events
	EventBatteryDebited      EventType = "battery.debited"
	EventBatteryCredited     EventType = "battery.credited"
	EventBatteryInsufficient EventType = "battery.insufficient"
	EventBatteryDailyReset   EventType = "battery.daily_reset"

	// Subscription events
	EventSubscriptionActivated EventType = "subscription.activated"
	EventSubscriptionUpdated   EventType = "subscription.updated"
	EventSubscriptionCanceled  EventType = "subscription.canceled"
	EventSubscriptionRenewed   EventType = "subscription.renewed"

	// Payment events
	EventPaymentFailed EventType = "payment.failed"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// UserID is the user this event belongs to (optional for system events)
	UserID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, userID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Payload:   payload,
	}
}
