package models

import (
	"time"
)

// OrderStatus is the persisted lifecycle state of an order.
type OrderStatus string

const (
	StatusPending     OrderStatus = "pending"
	StatusAssigned    OrderStatus = "assigned"
	StatusInTransit   OrderStatus = "in_transit"
	StatusQRGenerated OrderStatus = "qr_generated"
	StatusDelivered   OrderStatus = "delivered"
	StatusVerified    OrderStatus = "verified"
)

// legalTransitions lists, per source state, the states an order may move to.
// qr_generated -> verified is the only path into the terminal state and is
// additionally gated on the verification ledger.
var legalTransitions = map[OrderStatus]map[OrderStatus]bool{
	StatusPending: {
		StatusAssigned: true,
	},
	StatusAssigned: {
		StatusAssigned:    true,
		StatusInTransit:   true,
		StatusQRGenerated: true,
	},
	StatusInTransit: {
		StatusQRGenerated: true,
	},
	StatusQRGenerated: {
		StatusQRGenerated: true,
		StatusVerified:    true,
	},
	StatusDelivered: {
		StatusVerified: true,
	},
	StatusVerified: {},
}

// Valid reports whether s is one of the six persisted status values.
func (s OrderStatus) Valid() bool {
	_, ok := legalTransitions[s]
	return ok
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	return legalTransitions[from][to]
}

// RequiresDeliveredAt reports whether orders in status s carry a delivered timestamp.
func (s OrderStatus) RequiresDeliveredAt() bool {
	return s == StatusDelivered || s == StatusVerified
}

// OrderItem is a single line of an order. Price is optional.
type OrderItem struct {
	Name     string   `json:"name" validate:"required"`
	Quantity int      `json:"quantity" validate:"gte=1"`
	Price    *float64 `json:"price,omitempty" validate:"omitempty,gte=0"`
}

// Order is a customer order travelling through the delivery workflow.
type Order struct {
	ID              string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrderNumber     string      `json:"order_number" gorm:"uniqueIndex;type:varchar(64)"`
	AgentID         *string     `json:"agent_id,omitempty" gorm:"index;type:varchar(36)"`
	CustomerID      string      `json:"customer_id" gorm:"index;type:varchar(36)"`
	CustomerName    string      `json:"customer_name"`
	CustomerPhone   string      `json:"-"`
	DeliveryAddress string      `json:"delivery_address"`
	Items           []OrderItem `json:"items" gorm:"serializer:json;type:text"`
	TotalAmount     float64     `json:"total_amount"`
	Status          OrderStatus `json:"status" gorm:"type:varchar(20);index"`
	DeliveredAt     *time.Time  `json:"delivered_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// AssignedTo reports whether agentID is the order's assigned agent.
func (o *Order) AssignedTo(agentID string) bool {
	return o.AgentID != nil && agentID != "" && *o.AgentID == agentID
}

// ComputeTotal sums priced items.
func ComputeTotal(items []OrderItem) float64 {
	var total float64
	for _, item := range items {
		if item.Price != nil {
			total += *item.Price * float64(item.Quantity)
		}
	}
	return total
}
