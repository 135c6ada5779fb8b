package repositories

import (
	"context"
	"time"

	"handoff/internal/models"
)

// OrderFilter narrows List results. Empty fields are ignored.
type OrderFilter struct {
	CustomerID string
	AgentID    string
}

// OrderRepository defines the interface for order data access. Status
// changes are conditional on the current status so that concurrent
// transitions of the same order cannot both succeed.
type OrderRepository interface {
	List(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	GetByID(ctx context.Context, id string) (*models.Order, error)
	Create(ctx context.Context, order *models.Order) error
	// UpdateStatus moves the order to status `to` if its current status is one
	// of `from`. It returns apperrors.ErrInvalidTransition when the status
	// did not match and apperrors.ErrNotFound when the order does not exist.
	UpdateStatus(ctx context.Context, id string, to models.OrderStatus, from ...models.OrderStatus) error
	AssignAgent(ctx context.Context, id, agentID string, from ...models.OrderStatus) error
	// CompleteDelivery sets status verified and delivered_at if the order is
	// still in status `from`.
	CompleteDelivery(ctx context.Context, id string, from models.OrderStatus, deliveredAt time.Time) error
}
