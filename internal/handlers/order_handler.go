package handlers

import (
	"handoff/internal/middleware"
	"handoff/internal/models"
	"handoff/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// OrderHandler handles HTTP requests for orders.
type OrderHandler struct {
	service  *services.OrderService
	validate *validator.Validate
	logger   *zap.Logger
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(service *services.OrderService, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger.Named("order_handler"),
	}
}

// RegisterRoutes registers the order routes. auth must populate the caller's
// identity.
func (h *OrderHandler) RegisterRoutes(router fiber.Router, auth fiber.Handler) {
	orderRoutes := router.Group("/orders")
	orderRoutes.Get("/", auth, h.HandleGetOrders)
	orderRoutes.Get("/:id", auth, h.HandleGetOrderByID)
	orderRoutes.Post("/", auth, middleware.RequireRole(models.RoleAdmin), h.HandleCreateOrder)
	orderRoutes.Patch("/:id/assign", auth, middleware.RequireRole(models.RoleAdmin), h.HandleAssignAgent)
	orderRoutes.Post("/:id/transit", auth, middleware.RequireRole(models.RoleAgent), h.HandleStartTransit)
}

// HandleGetOrders lists the orders visible to the caller.
func (h *OrderHandler) HandleGetOrders(c *fiber.Ctx) error {
	orders, err := h.service.ListOrders(c.UserContext(), middleware.UserID(c), middleware.Role(c))
	if err != nil {
		return writeError(c, h.logger, "Could not retrieve orders", err)
	}
	return c.JSON(orders)
}

// HandleGetOrderByID retrieves a single order by its ID.
func (h *OrderHandler) HandleGetOrderByID(c *fiber.Ctx) error {
	order, err := h.service.GetOrder(c.UserContext(), c.Params("id"), middleware.UserID(c), middleware.Role(c))
	if err != nil {
		return writeError(c, h.logger, "Could not retrieve order", err)
	}
	return c.JSON(order)
}

// HandleCreateOrder creates a new order.
func (h *OrderHandler) HandleCreateOrder(c *fiber.Ctx) error {
	var req services.CreateOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}

	order, err := h.service.CreateOrder(c.UserContext(), req, middleware.UserID(c))
	if err != nil {
		return writeError(c, h.logger, "Could not create order", err)
	}
	return c.Status(fiber.StatusCreated).JSON(order)
}

// AssignAgentRequest is the body of HandleAssignAgent.
type AssignAgentRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
}

// HandleAssignAgent assigns a delivery agent to an order.
func (h *OrderHandler) HandleAssignAgent(c *fiber.Ctx) error {
	var req AssignAgentRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}

	order, err := h.service.AssignAgent(c.UserContext(), c.Params("id"), req.AgentID, middleware.UserID(c))
	if err != nil {
		return writeError(c, h.logger, "Could not assign agent", err)
	}
	return c.JSON(order)
}

// HandleStartTransit marks the caller's order as out for delivery.
func (h *OrderHandler) HandleStartTransit(c *fiber.Ctx) error {
	order, err := h.service.StartTransit(c.UserContext(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return writeError(c, h.logger, "Could not start delivery", err)
	}
	return c.JSON(order)
}
