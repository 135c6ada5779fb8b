package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"handoff/internal/middleware"
	"handoff/internal/models"
	"handoff/internal/poller"
	"handoff/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// maxStreamDuration bounds a verification stream that never sees the order
// become verified.
const maxStreamDuration = 15 * time.Minute

// DeliveryHandler serves token issuance, redemption, OTP confirmation and
// completion.
type DeliveryHandler struct {
	service      *services.DeliveryService
	poller       *poller.Poller
	pollInterval time.Duration
	validate     *validator.Validate
	logger       *zap.Logger
}

// NewDeliveryHandler creates a new DeliveryHandler.
func NewDeliveryHandler(service *services.DeliveryService, p *poller.Poller, pollInterval time.Duration, logger *zap.Logger) *DeliveryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryHandler{
		service:      service,
		poller:       p,
		pollInterval: pollInterval,
		validate:     validator.New(),
		logger:       logger.Named("delivery_handler"),
	}
}

// RegisterRoutes registers the delivery routes. Redemption and confirmation
// are anonymous; everything else goes through auth.
func (h *DeliveryHandler) RegisterRoutes(router fiber.Router, auth fiber.Handler) {
	agentOnly := middleware.RequireRole(models.RoleAgent)
	adminOnly := middleware.RequireRole(models.RoleAdmin)

	orderRoutes := router.Group("/orders")
	orderRoutes.Post("/:id/qr", auth, agentOnly, h.HandleIssueToken)
	orderRoutes.Post("/:id/complete", auth, agentOnly, h.HandleCompleteDelivery)
	orderRoutes.Get("/:id/verification", auth, h.HandleVerificationStatus)
	orderRoutes.Get("/:id/verification/stream", auth, middleware.RequireRole(models.RoleAgent, models.RoleAdmin), h.HandleVerificationStream)
	orderRoutes.Get("/:id/verifications", auth, adminOnly, h.HandleVerificationHistory)
	orderRoutes.Delete("/:id/verifications", auth, adminOnly, h.HandleResetVerification)

	deliveryRoutes := router.Group("/delivery")
	deliveryRoutes.Post("/redeem", h.HandleRedeemToken)
	deliveryRoutes.Post("/confirm", h.HandleConfirmOTP)
}

// HandleIssueToken generates a delivery QR token for the caller's order.
func (h *DeliveryHandler) HandleIssueToken(c *fiber.Ctx) error {
	issued, err := h.service.IssueToken(c.UserContext(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return writeError(c, h.logger, "Could not generate QR code", err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "QR code generated successfully",
		"data":    issued,
	})
}

// RedeemRequest is the body of HandleRedeemToken.
type RedeemRequest struct {
	QRData string `json:"qrData" validate:"required"`
}

// HandleRedeemToken decodes a scanned token and sends the customer an OTP.
func (h *DeliveryHandler) HandleRedeemToken(c *fiber.Ctx) error {
	var req RedeemRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}

	redemption, err := h.service.RedeemToken(c.UserContext(), req.QRData)
	if err != nil {
		return writeError(c, h.logger, "Could not process QR code", err)
	}
	return c.JSON(fiber.Map{
		"message": "QR code scanned successfully",
		"data":    redemption,
	})
}

// ConfirmRequest is the body of HandleConfirmOTP.
type ConfirmRequest struct {
	OrderID string `json:"orderId" validate:"required"`
	OTPCode string `json:"otpCode" validate:"required,numeric,min=4,max=10"`
}

// HandleConfirmOTP checks the customer's code.
func (h *DeliveryHandler) HandleConfirmOTP(c *fiber.Ctx) error {
	var req ConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}

	confirmation, err := h.service.ConfirmOTP(c.UserContext(), req.OrderID, req.OTPCode)
	if err != nil {
		return writeError(c, h.logger, "Could not verify OTP", err)
	}
	return c.JSON(fiber.Map{
		"message": "OTP verified successfully",
		"data":    confirmation,
	})
}

// HandleCompleteDelivery marks a verified order as delivered.
func (h *DeliveryHandler) HandleCompleteDelivery(c *fiber.Ctx) error {
	order, err := h.service.CompleteDelivery(c.UserContext(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return writeError(c, h.logger, "Could not complete delivery", err)
	}
	return c.JSON(fiber.Map{
		"message": "Delivery completed successfully",
		"data":    order,
	})
}

// HandleVerificationStatus reports whether the order's customer has verified.
func (h *DeliveryHandler) HandleVerificationStatus(c *fiber.Ctx) error {
	orderID := c.Params("id")
	verified, err := h.service.VerificationStatus(c.UserContext(), orderID, middleware.UserID(c), middleware.Role(c))
	if err != nil {
		return writeError(c, h.logger, "Could not read verification status", err)
	}
	return c.JSON(fiber.Map{
		"orderId":  orderID,
		"verified": verified,
	})
}

// HandleVerificationStream pushes verification snapshots as server-sent
// events until the order is verified or the client goes away.
func (h *DeliveryHandler) HandleVerificationStream(c *fiber.Ctx) error {
	orderID := c.Params("id")
	// Authorize and fail fast before switching to a stream.
	if _, err := h.service.VerificationStatus(c.UserContext(), orderID, middleware.UserID(c), middleware.Role(c)); err != nil {
		return writeError(c, h.logger, "Could not read verification status", err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	logger := h.logger.With(zap.String("order_id", orderID))
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		// The request context is gone once the handler returns.
		ctx, cancel := context.WithTimeout(context.Background(), maxStreamDuration)
		defer cancel()

		for snap := range h.poller.Snapshots(ctx, orderID, h.pollInterval) {
			if err := writeSnapshot(w, snap); err != nil {
				logger.Debug("verification stream closed by client", zap.Error(err))
				return
			}
			if snap.Verified {
				return
			}
		}
	}))
	return nil
}

func writeSnapshot(w *bufio.Writer, snap poller.Snapshot) error {
	event := "status"
	payload := any(snap)
	if snap.Err != nil {
		event = "error"
		payload = fiber.Map{"orderId": snap.OrderID, "error": "verification status unavailable", "at": snap.At}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}

// HandleVerificationHistory returns the order's verification ledger.
func (h *DeliveryHandler) HandleVerificationHistory(c *fiber.Ctx) error {
	records, err := h.service.VerificationHistory(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, h.logger, "Could not read verification history", err)
	}
	return c.JSON(records)
}

// HandleResetVerification clears the order's verification ledger.
func (h *DeliveryHandler) HandleResetVerification(c *fiber.Ctx) error {
	deleted, err := h.service.ResetVerification(c.UserContext(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return writeError(c, h.logger, "Could not reset verification", err)
	}
	return c.JSON(fiber.Map{
		"message": "Verification history cleared",
		"deleted": deleted,
	})
}
