package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"handoff/internal/apperrors"
	"handoff/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GORMOrderRepository is a GORM implementation of OrderRepository.
type GORMOrderRepository struct {
	db *gorm.DB
}

// NewGORMOrderRepository creates a new instance of GORMOrderRepository.
func NewGORMOrderRepository(db *gorm.DB) *GORMOrderRepository {
	return &GORMOrderRepository{
		db: db,
	}
}

// List retrieves orders matching filter, newest first.
func (r *GORMOrderRepository) List(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if filter.CustomerID != "" {
		q = q.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.AgentID != "" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	var orders []models.Order
	if err := q.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// GetByID retrieves a single order by its ID.
func (r *GORMOrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %w", apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return &order, nil
}

// Create inserts a new order.
func (r *GORMOrderRepository) Create(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("order number %s %w", order.OrderNumber, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// UpdateStatus conditionally moves the order to status to.
func (r *GORMOrderRepository) UpdateStatus(ctx context.Context, id string, to models.OrderStatus, from ...models.OrderStatus) error {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if !to.RequiresDeliveredAt() {
		updates["delivered_at"] = nil
	}
	return r.conditionalUpdate(ctx, id, from, updates)
}

// AssignAgent conditionally sets the assigned agent and moves the order to assigned.
func (r *GORMOrderRepository) AssignAgent(ctx context.Context, id, agentID string, from ...models.OrderStatus) error {
	return r.conditionalUpdate(ctx, id, from, map[string]interface{}{
		"agent_id":   agentID,
		"status":     models.StatusAssigned,
		"updated_at": time.Now().UTC(),
	})
}

// CompleteDelivery conditionally marks the order verified.
func (r *GORMOrderRepository) CompleteDelivery(ctx context.Context, id string, from models.OrderStatus, deliveredAt time.Time) error {
	return r.conditionalUpdate(ctx, id, []models.OrderStatus{from}, map[string]interface{}{
		"status":       models.StatusVerified,
		"delivered_at": deliveredAt,
		"updated_at":   deliveredAt,
	})
}

func (r *GORMOrderRepository) conditionalUpdate(ctx context.Context, id string, from []models.OrderStatus, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update order %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Nothing matched: tell a missing order apart from a lost status race.
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check order %s: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("order %w", apperrors.ErrNotFound)
	}
	return apperrors.ErrInvalidTransition
}
