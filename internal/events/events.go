package events

import "time"

// Outbound real-time event types consumed by the UI fan-out layer and
// downstream workflow services.
const (
	PositionUpdated   = "position.updated"
	InventoryUpdated  = "inventory.updated"
	LimitUpdated      = "limit.updated"
	LocateUpdated     = "locate.updated"
	CalculationFailed = "calculation.failed"
)

// Event is the envelope broadcast to subscribers.
type Event struct {
	Type          string      `json:"type"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Payload       interface{} `json:"payload,omitempty"`
}

// Publisher fans events out to downstream consumers. The hub implements it;
// tests substitute a recording stub.
type Publisher interface {
	Publish(event Event)
}

// NopPublisher discards every event, used when no fan-out layer is wired.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
