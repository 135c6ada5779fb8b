package models

import "time"

// Delivery event types published on every workflow step.
const (
	EventOrderCreated      = "order_created"
	EventAgentAssigned     = "agent_assigned"
	EventInTransit         = "in_transit"
	EventQRGenerated       = "qr_generated"
	EventOTPSent           = "otp_sent"
	EventOTPVerified       = "otp_verified"
	EventDeliveryCompleted = "delivery_completed"
	EventVerificationReset = "verification_reset"
)

// DeliveryEvent is the message published to the delivery events queue.
type DeliveryEvent struct {
	OrderID     string    `json:"order_id"`
	EventType   string    `json:"event_type"`
	Description string    `json:"description"`
	UserID      string    `json:"user_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
