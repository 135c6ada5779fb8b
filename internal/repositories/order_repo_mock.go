package repositories

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"handoff/internal/apperrors"
	"handoff/internal/models"

	"github.com/google/uuid"
)

// MockOrderRepository is an in-memory implementation of OrderRepository.
type MockOrderRepository struct {
	orders map[string]models.Order
	mu     sync.RWMutex
}

// NewMockOrderRepository creates a new instance of MockOrderRepository.
func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{
		orders: make(map[string]models.Order),
	}
}

// List returns orders matching filter, newest first.
func (r *MockOrderRepository) List(_ context.Context, filter OrderFilter) ([]models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orderList := make([]models.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if filter.CustomerID != "" && order.CustomerID != filter.CustomerID {
			continue
		}
		if filter.AgentID != "" && (order.AgentID == nil || *order.AgentID != filter.AgentID) {
			continue
		}
		orderList = append(orderList, cloneOrder(order))
	}
	sort.SliceStable(orderList, func(i, j int) bool {
		return orderList[i].CreatedAt.After(orderList[j].CreatedAt)
	})
	return orderList, nil
}

// GetByID returns an order by its ID.
func (r *MockOrderRepository) GetByID(_ context.Context, id string) (*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %w", apperrors.ErrNotFound)
	}
	order = cloneOrder(order)
	return &order, nil
}

// Create adds a new order.
func (r *MockOrderRepository) Create(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	for _, existing := range r.orders {
		if order.OrderNumber != "" && existing.OrderNumber == order.OrderNumber {
			return fmt.Errorf("order number %s %w", order.OrderNumber, apperrors.ErrConflict)
		}
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	r.orders[order.ID] = cloneOrder(*order)
	return nil
}

// UpdateStatus conditionally moves the order to status to.
func (r *MockOrderRepository) UpdateStatus(_ context.Context, id string, to models.OrderStatus, from ...models.OrderStatus) error {
	return r.update(id, from, func(o *models.Order) {
		o.Status = to
		if !to.RequiresDeliveredAt() {
			o.DeliveredAt = nil
		}
	})
}

// AssignAgent conditionally sets the assigned agent.
func (r *MockOrderRepository) AssignAgent(_ context.Context, id, agentID string, from ...models.OrderStatus) error {
	return r.update(id, from, func(o *models.Order) {
		o.AgentID = &agentID
		o.Status = models.StatusAssigned
	})
}

// CompleteDelivery conditionally marks the order verified.
func (r *MockOrderRepository) CompleteDelivery(_ context.Context, id string, from models.OrderStatus, deliveredAt time.Time) error {
	return r.update(id, []models.OrderStatus{from}, func(o *models.Order) {
		o.Status = models.StatusVerified
		o.DeliveredAt = &deliveredAt
	})
}

func (r *MockOrderRepository) update(id string, from []models.OrderStatus, apply func(o *models.Order)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("order %w", apperrors.ErrNotFound)
	}
	if !slices.Contains(from, order.Status) {
		return apperrors.ErrInvalidTransition
	}
	apply(&order)
	order.UpdatedAt = time.Now().UTC()
	r.orders[id] = order
	return nil
}

func cloneOrder(o models.Order) models.Order {
	if o.Items != nil {
		o.Items = slices.Clone(o.Items)
	}
	if o.AgentID != nil {
		agent := *o.AgentID
		o.AgentID = &agent
	}
	if o.DeliveredAt != nil {
		at := *o.DeliveredAt
		o.DeliveredAt = &at
	}
	return o
}
