package services_test

import (
	"context"
	"strings"
	"testing"

	"handoff/internal/apperrors"
	"handoff/internal/models"
	"handoff/internal/repositories"
	"handoff/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrderService(t *testing.T) (*services.OrderService, *repositories.MockOrderRepository, *MockUserRepository, *recordingPublisher) {
	t.Helper()
	orders := repositories.NewMockOrderRepository()
	users := new(MockUserRepository)
	events := &recordingPublisher{}
	svc := services.NewOrderService(orders, users, services.NewAccessGuard(orders), events, nil)
	return svc, orders, users, events
}

func sampleOrderRequest() services.CreateOrderRequest {
	price := 4.25
	return services.CreateOrderRequest{
		CustomerID:      "cust-1",
		CustomerName:    "Dana Whitfield",
		CustomerPhone:   testPhone,
		DeliveryAddress: "12 Harbour Road",
		Items: []models.OrderItem{
			{Name: "Oat milk", Quantity: 2, Price: &price},
			{Name: "Gift card", Quantity: 1},
		},
	}
}

func TestOrderService_CreateOrder(t *testing.T) {
	ctx := context.Background()
	svc, _, users, events := newOrderService(t)

	order, err := svc.CreateOrder(ctx, sampleOrderRequest(), "admin-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(order.OrderNumber, "ORD-"))
	assert.Len(t, order.OrderNumber, len("ORD-")+8)
	assert.Equal(t, models.StatusPending, order.Status)
	assert.Nil(t, order.AgentID)
	assert.InDelta(t, 8.5, order.TotalAmount, 1e-9)
	assert.Equal(t, []string{models.EventOrderCreated}, events.types())

	// With an agent the order starts assigned.
	users.On("GetByID", testAgent).Return(&models.User{ID: testAgent, Username: "rider", Role: models.RoleAgent}, nil).Once()
	req := sampleOrderRequest()
	req.OrderNumber = "ORD-FIXED"
	req.AgentID = testAgent
	total := 99.0
	req.TotalAmount = &total
	order, err = svc.CreateOrder(ctx, req, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "ORD-FIXED", order.OrderNumber)
	assert.Equal(t, models.StatusAssigned, order.Status)
	require.NotNil(t, order.AgentID)
	assert.Equal(t, testAgent, *order.AgentID)
	assert.Equal(t, 99.0, order.TotalAmount)

	// Duplicate order numbers conflict.
	req.AgentID = ""
	_, err = svc.CreateOrder(ctx, req, "admin-1")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	users.AssertExpectations(t)
}

func TestOrderService_CreateOrderRejectsNonAgent(t *testing.T) {
	svc, _, users, _ := newOrderService(t)

	users.On("GetByID", "cust-9").Return(&models.User{ID: "cust-9", Username: "shopper", Role: models.RoleCustomer}, nil).Once()
	req := sampleOrderRequest()
	req.AgentID = "cust-9"
	_, err := svc.CreateOrder(context.Background(), req, "admin-1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	users.On("GetByID", "ghost").Return(nil, notFound("user")).Once()
	req.AgentID = "ghost"
	_, err = svc.CreateOrder(context.Background(), req, "admin-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	users.AssertExpectations(t)
}

func TestOrderService_AssignAndTransit(t *testing.T) {
	ctx := context.Background()
	svc, _, users, events := newOrderService(t)

	order, err := svc.CreateOrder(ctx, sampleOrderRequest(), "admin-1")
	require.NoError(t, err)

	users.On("GetByID", testAgent).Return(&models.User{ID: testAgent, Role: models.RoleAgent}, nil)
	users.On("GetByID", otherAgent).Return(&models.User{ID: otherAgent, Role: models.RoleAgent}, nil)

	assigned, err := svc.AssignAgent(ctx, order.ID, otherAgent, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, assigned.Status)

	// Reassignment is allowed until the order leaves the warehouse.
	assigned, err = svc.AssignAgent(ctx, order.ID, testAgent, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, testAgent, *assigned.AgentID)

	_, err = svc.StartTransit(ctx, order.ID, otherAgent)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	moving, err := svc.StartTransit(ctx, order.ID, testAgent)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInTransit, moving.Status)

	_, err = svc.StartTransit(ctx, order.ID, testAgent)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	_, err = svc.AssignAgent(ctx, order.ID, otherAgent, "admin-1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	assert.Equal(t, []string{
		models.EventOrderCreated,
		models.EventAgentAssigned,
		models.EventAgentAssigned,
		models.EventInTransit,
	}, events.types())
}

func TestOrderService_ListAndGetAreRoleScoped(t *testing.T) {
	ctx := context.Background()
	svc, orders, _, _ := newOrderService(t)

	agent := testAgent
	require.NoError(t, orders.Create(ctx, &models.Order{ID: "o1", OrderNumber: "ORD-1", CustomerID: "cust-1", AgentID: &agent, Status: models.StatusAssigned}))
	require.NoError(t, orders.Create(ctx, &models.Order{ID: "o2", OrderNumber: "ORD-2", CustomerID: "cust-2", Status: models.StatusPending}))

	tests := []struct {
		name   string
		userID string
		role   models.Role
		want   int
	}{
		{"admin sees all", "admin-1", models.RoleAdmin, 2},
		{"agent sees assigned", testAgent, models.RoleAgent, 1},
		{"customer sees own", "cust-2", models.RoleCustomer, 1},
		{"stranger sees none", "cust-3", models.RoleCustomer, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := svc.ListOrders(ctx, tt.userID, tt.role)
			require.NoError(t, err)
			assert.Len(t, list, tt.want)
		})
	}

	_, err := svc.ListOrders(ctx, "x", models.Role("courier"))
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	got, err := svc.GetOrder(ctx, "o1", "cust-1", models.RoleCustomer)
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", got.OrderNumber)

	_, err = svc.GetOrder(ctx, "o1", "cust-2", models.RoleCustomer)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = svc.GetOrder(ctx, "o1", otherAgent, models.RoleAgent)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}
