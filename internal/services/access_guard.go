package services

import (
	"context"
	"fmt"

	"handoff/internal/apperrors"
	"handoff/internal/models"
	"handoff/internal/repositories"
)

// AccessGuard resolves orders for the delivery workflow and enforces that
// only the assigned agent acts on an order. It never mutates state.
type AccessGuard struct {
	orders repositories.OrderRepository
}

// NewAccessGuard creates a new AccessGuard.
func NewAccessGuard(orders repositories.OrderRepository) *AccessGuard {
	return &AccessGuard{orders: orders}
}

// AuthorizeIssuance returns the order if requesterID is its assigned agent.
// Completion uses the same rule.
func (g *AccessGuard) AuthorizeIssuance(ctx context.Context, orderID, requesterID string) (*models.Order, error) {
	order, err := g.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.AssignedTo(requesterID) {
		return nil, fmt.Errorf("%w: order is not assigned to you", apperrors.ErrForbidden)
	}
	return order, nil
}

// ResolveForRedemption returns the order without an authorization check;
// customers redeem tokens without a session.
func (g *AccessGuard) ResolveForRedemption(ctx context.Context, orderID string) (*models.Order, error) {
	return g.orders.GetByID(ctx, orderID)
}

// AuthorizeViewer returns the order if the user may read it: admins see
// every order, agents their assigned ones, customers their own.
func (g *AccessGuard) AuthorizeViewer(ctx context.Context, orderID, userID string, role models.Role) (*models.Order, error) {
	order, err := g.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch {
	case role == models.RoleAdmin:
	case role == models.RoleAgent && order.AssignedTo(userID):
	case role == models.RoleCustomer && order.CustomerID == userID:
	default:
		return nil, fmt.Errorf("%w: you do not have access to this order", apperrors.ErrForbidden)
	}
	return order, nil
}
