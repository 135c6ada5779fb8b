package services

import (
	"context"
	"fmt"
	"strings"

	"handoff/internal/apperrors"
	"handoff/internal/models"
	"handoff/internal/repositories"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateOrderRequest is the input of CreateOrder.
type CreateOrderRequest struct {
	OrderNumber     string             `json:"order_number" validate:"omitempty,max=64"`
	CustomerID      string             `json:"customer_id" validate:"required"`
	CustomerName    string             `json:"customer_name" validate:"required,max=200"`
	CustomerPhone   string             `json:"customer_phone" validate:"required,e164"`
	DeliveryAddress string             `json:"delivery_address" validate:"required"`
	Items           []models.OrderItem `json:"items" validate:"required,min=1,dive"`
	TotalAmount     *float64           `json:"total_amount" validate:"omitempty,gte=0"`
	AgentID         string             `json:"agent_id"`
}

// OrderService handles order administration outside the verification core:
// creation, agent assignment, dispatch and role-scoped reads.
type OrderService struct {
	orderRepo repositories.OrderRepository
	userRepo  repositories.UserRepository
	guard     *AccessGuard
	events    EventPublisher
	logger    *zap.Logger
}

// NewOrderService creates a new OrderService. events may be nil.
func NewOrderService(orderRepo repositories.OrderRepository, userRepo repositories.UserRepository, guard *AccessGuard, events EventPublisher, logger *zap.Logger) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderService{
		orderRepo: orderRepo,
		userRepo:  userRepo,
		guard:     guard,
		events:    events,
		logger:    logger.Named("orders"),
	}
}

// ListOrders returns the orders visible to the user, newest first.
func (s *OrderService) ListOrders(ctx context.Context, userID string, role models.Role) ([]models.Order, error) {
	var filter repositories.OrderFilter
	switch role {
	case models.RoleAdmin:
	case models.RoleAgent:
		filter.AgentID = userID
	case models.RoleCustomer:
		filter.CustomerID = userID
	default:
		return nil, fmt.Errorf("%w: unknown role %q", apperrors.ErrForbidden, role)
	}
	return s.orderRepo.List(ctx, filter)
}

// GetOrder returns a single order if the user may view it.
func (s *OrderService) GetOrder(ctx context.Context, orderID, userID string, role models.Role) (*models.Order, error) {
	return s.guard.AuthorizeViewer(ctx, orderID, userID, role)
}

// CreateOrder creates a new order. Orders with an agent start assigned,
// others pending.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest, createdBy string) (*models.Order, error) {
	order := &models.Order{
		ID:              uuid.New().String(),
		OrderNumber:     req.OrderNumber,
		CustomerID:      req.CustomerID,
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		DeliveryAddress: req.DeliveryAddress,
		Items:           req.Items,
		Status:          models.StatusPending,
	}
	if order.OrderNumber == "" {
		order.OrderNumber = "ORD-" + strings.ToUpper(strings.ReplaceAll(order.ID, "-", "")[:8])
	}
	if req.TotalAmount != nil {
		order.TotalAmount = *req.TotalAmount
	} else {
		order.TotalAmount = models.ComputeTotal(req.Items)
	}
	if req.AgentID != "" {
		if err := s.requireAgent(ctx, req.AgentID); err != nil {
			return nil, err
		}
		agentID := req.AgentID
		order.AgentID = &agentID
		order.Status = models.StatusAssigned
	}

	if err := s.orderRepo.Create(ctx, order); err != nil {
		return nil, err
	}

	s.logger.Info("order created", zap.String("order_number", order.OrderNumber), zap.String("status", string(order.Status)))
	s.publish(ctx, models.DeliveryEvent{
		OrderID:     order.ID,
		EventType:   models.EventOrderCreated,
		Description: "Order created",
		UserID:      createdBy,
		OccurredAt:  order.CreatedAt,
	})
	return order, nil
}

// AssignAgent assigns (or reassigns) an agent to an order that has not left
// the warehouse yet.
func (s *OrderService) AssignAgent(ctx context.Context, orderID, agentID, assignedBy string) (*models.Order, error) {
	if err := s.requireAgent(ctx, agentID); err != nil {
		return nil, err
	}
	if err := s.orderRepo.AssignAgent(ctx, orderID, agentID, models.StatusPending, models.StatusAssigned); err != nil {
		return nil, err
	}

	s.publish(ctx, models.DeliveryEvent{
		OrderID:     orderID,
		EventType:   models.EventAgentAssigned,
		Description: "Delivery agent assigned",
		UserID:      assignedBy,
		OccurredAt:  systemClock(),
	})
	return s.orderRepo.GetByID(ctx, orderID)
}

// StartTransit marks the agent's order as out for delivery.
func (s *OrderService) StartTransit(ctx context.Context, orderID, agentID string) (*models.Order, error) {
	order, err := s.guard.AuthorizeIssuance(ctx, orderID, agentID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(order.Status, models.StatusInTransit) {
		return nil, fmt.Errorf("%w: order %s is in status %s", apperrors.ErrInvalidTransition, order.OrderNumber, order.Status)
	}
	if err := s.orderRepo.UpdateStatus(ctx, orderID, models.StatusInTransit, order.Status); err != nil {
		return nil, err
	}
	order.Status = models.StatusInTransit

	s.publish(ctx, models.DeliveryEvent{
		OrderID:     orderID,
		EventType:   models.EventInTransit,
		Description: "Order is out for delivery",
		UserID:      agentID,
		OccurredAt:  systemClock(),
	})
	return order, nil
}

func (s *OrderService) requireAgent(ctx context.Context, agentID string) error {
	agent, err := s.userRepo.GetByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("agent %s: %w", agentID, err)
	}
	if agent.Role != models.RoleAgent {
		return fmt.Errorf("%w: user %s is not a delivery agent", apperrors.ErrInvalidInput, agent.Username)
	}
	return nil
}

func (s *OrderService) publish(ctx context.Context, event models.DeliveryEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishDeliveryEvent(ctx, event); err != nil {
		s.logger.Warn("failed to publish delivery event", zap.String("order_id", event.OrderID), zap.Error(err))
	}
}
