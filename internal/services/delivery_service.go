package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"handoff/internal/apperrors"
	"handoff/internal/metrics"
	"handoff/internal/models"
	"handoff/internal/otp"
	"handoff/internal/repositories"
	"handoff/internal/token"

	"go.uber.org/zap"
)

// SentViaSMS is returned in place of the code after a successful redemption.
const SentViaSMS = "SENT_VIA_SMS"

// issuableStatuses are the statuses from which an agent may (re)issue a token.
var issuableStatuses = []models.OrderStatus{
	models.StatusAssigned,
	models.StatusInTransit,
	models.StatusQRGenerated,
}

// DeliveryConfig configures a DeliveryService.
type DeliveryConfig struct {
	QRTTL  time.Duration
	OTPTTL time.Duration
	Now    Clock
}

// OrderSummary is the customer-facing view of an order.
type OrderSummary struct {
	OrderID         string             `json:"orderId"`
	OrderNumber     string             `json:"orderNumber"`
	CustomerName    string             `json:"customerName"`
	DeliveryAddress string             `json:"deliveryAddress"`
	Items           []models.OrderItem `json:"items"`
}

// IssuedToken is the result of IssueToken.
type IssuedToken struct {
	Token      string       `json:"qrData"`
	IssuanceID string       `json:"qrId"`
	IssuedAt   time.Time    `json:"issuedAt"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	Order      OrderSummary `json:"orderDetails"`
}

// Redemption is the result of RedeemToken. It never carries the code.
type Redemption struct {
	OTPCode         string       `json:"otpCode"`
	SMSNotification string       `json:"smsNotification"`
	ExpiresAt       time.Time    `json:"expiresAt"`
	Order           OrderSummary `json:"orderDetails"`
}

// Confirmation is the result of ConfirmOTP.
type Confirmation struct {
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	Verified    bool      `json:"verified"`
	VerifiedAt  time.Time `json:"verifiedAt"`
}

// DeliveryService drives an order through token issuance, redemption, OTP
// confirmation and completion.
type DeliveryService struct {
	guard     *AccessGuard
	ledger    *VerificationLedger
	gateway   OTPGateway
	orders    repositories.OrderRepository
	issuances repositories.QRIssuanceRepository
	events    EventPublisher
	cfg       DeliveryConfig
	logger    *zap.Logger
}

// NewDeliveryService creates a new DeliveryService. events may be nil.
func NewDeliveryService(
	guard *AccessGuard,
	ledger *VerificationLedger,
	gateway OTPGateway,
	orders repositories.OrderRepository,
	issuances repositories.QRIssuanceRepository,
	events EventPublisher,
	cfg DeliveryConfig,
	logger *zap.Logger,
) *DeliveryService {
	if cfg.Now == nil {
		cfg.Now = systemClock
	}
	if cfg.QRTTL <= 0 {
		cfg.QRTTL = 5 * time.Minute
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryService{
		guard:     guard,
		ledger:    ledger,
		gateway:   gateway,
		orders:    orders,
		issuances: issuances,
		events:    events,
		cfg:       cfg,
		logger:    logger.Named("delivery"),
	}
}

// IssueToken creates a delivery token for the agent's order and moves the
// order to qr_generated.
func (s *DeliveryService) IssueToken(ctx context.Context, orderID, agentID string) (*IssuedToken, error) {
	order, err := s.guard.AuthorizeIssuance(ctx, orderID, agentID)
	if err != nil {
		return nil, s.fail("issue_token", err)
	}
	if !slices.Contains(issuableStatuses, order.Status) {
		return nil, s.fail("issue_token", fmt.Errorf("%w: cannot issue a token for an order in status %s", apperrors.ErrInvalidTransition, order.Status))
	}

	now, err := s.issueTime(ctx, order.ID)
	if err != nil {
		return nil, s.fail("issue_token", err)
	}
	payload := token.NewPayload(order, agentID, now)
	raw, err := token.Encode(payload)
	if err != nil {
		return nil, s.fail("issue_token", err)
	}

	issuance := &models.QRIssuance{
		OrderID:   order.ID,
		AgentID:   agentID,
		Payload:   raw,
		IssuedAt:  payload.Timestamp,
		ExpiresAt: payload.Timestamp.Add(s.cfg.QRTTL),
	}
	// The issuance row supersedes earlier tokens, so it is only written once
	// the status change has succeeded.
	if err := s.orders.UpdateStatus(ctx, order.ID, models.StatusQRGenerated, issuableStatuses...); err != nil {
		return nil, s.fail("issue_token", err)
	}
	if err := s.issuances.Create(ctx, issuance); err != nil {
		return nil, s.fail("issue_token", err)
	}

	metrics.TokensIssuedTotal.Inc()
	s.logger.Info("delivery token issued",
		zap.String("order_number", order.OrderNumber),
		zap.String("agent_id", agentID),
		zap.Time("expires_at", issuance.ExpiresAt))
	s.publish(ctx, models.DeliveryEvent{
		OrderID:     order.ID,
		EventType:   models.EventQRGenerated,
		Description: "QR code generated for order verification",
		UserID:      agentID,
		OccurredAt:  now,
	})

	return &IssuedToken{
		Token:      raw,
		IssuanceID: issuance.ID,
		IssuedAt:   issuance.IssuedAt,
		ExpiresAt:  issuance.ExpiresAt,
		Order:      summarize(order),
	}, nil
}

// issueTime returns the current time, moved past the order's previous
// issuance if needed so that every issuance is distinguishable by timestamp.
func (s *DeliveryService) issueTime(ctx context.Context, orderID string) (time.Time, error) {
	now := token.Normalize(s.cfg.Now())
	prev, err := s.issuances.LatestForOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return now, nil
		}
		return time.Time{}, err
	}
	if !now.After(prev.IssuedAt) {
		now = prev.IssuedAt.Add(time.Millisecond)
	}
	return now, nil
}

// RedeemToken decodes a scanned token and sends an OTP to the customer's
// registered phone. The order status does not change.
func (s *DeliveryService) RedeemToken(ctx context.Context, raw string) (*Redemption, error) {
	payload, err := token.Decode(raw)
	if err != nil {
		return nil, s.fail("redeem_token", err)
	}
	order, err := s.guard.ResolveForRedemption(ctx, payload.OrderID)
	if err != nil {
		return nil, s.fail("redeem_token", err)
	}
	if order.Status != models.StatusQRGenerated {
		return nil, s.fail("redeem_token", fmt.Errorf("%w: order %s is not awaiting delivery confirmation", apperrors.ErrInvalidTransition, order.OrderNumber))
	}
	if err := s.checkFresh(ctx, order, payload); err != nil {
		return nil, s.fail("redeem_token", err)
	}

	challenge, err := s.gateway.SendChallenge(ctx, order.CustomerPhone)
	if err != nil {
		return nil, s.fail("redeem_token", fmt.Errorf("failed to send verification code for order %s: %w", order.OrderNumber, err))
	}
	record, err := s.ledger.RecordChallengeSent(ctx, order.ID, order.CustomerID, challenge.SID, s.cfg.OTPTTL)
	if err != nil {
		return nil, s.fail("redeem_token", err)
	}

	masked := otp.MaskPhone(order.CustomerPhone)
	metrics.TokensRedeemedTotal.Inc()
	s.logger.Info("delivery token redeemed",
		zap.String("order_number", order.OrderNumber),
		zap.String("phone", masked),
		zap.String("record_id", record.ID))
	s.publish(ctx, models.DeliveryEvent{
		OrderID:     order.ID,
		EventType:   models.EventOTPSent,
		Description: "Verification code sent to customer",
		OccurredAt:  record.CreatedAt,
	})

	return &Redemption{
		OTPCode:         SentViaSMS,
		SMSNotification: "OTP sent via SMS to " + masked,
		ExpiresAt:       record.ExpiresAt,
		Order:           summarize(order),
	}, nil
}

// checkFresh rejects tokens that are not the latest issuance for the order,
// were issued by an agent no longer assigned, or have outlived QRTTL.
func (s *DeliveryService) checkFresh(ctx context.Context, order *models.Order, payload token.Payload) error {
	if !order.AssignedTo(payload.AgentID) {
		return fmt.Errorf("%w: order was reassigned", apperrors.ErrTokenExpired)
	}
	latest, err := s.issuances.LatestForOrder(ctx, order.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("%w: no active QR code for this order", apperrors.ErrTokenExpired)
		}
		return err
	}
	if latest.AgentID != payload.AgentID || !latest.IssuedAt.Equal(payload.Timestamp) {
		return fmt.Errorf("%w: a newer QR code was issued", apperrors.ErrTokenExpired)
	}
	if latest.Expired(s.cfg.Now()) {
		return fmt.Errorf("%w: ask the agent for a new QR code", apperrors.ErrTokenExpired)
	}
	return nil
}

// ConfirmOTP checks the customer's code with the provider and records the
// verification. It never changes the order status: only the agent completes
// a delivery.
func (s *DeliveryService) ConfirmOTP(ctx context.Context, orderID, code string) (*Confirmation, error) {
	order, err := s.guard.ResolveForRedemption(ctx, orderID)
	if err != nil {
		return nil, s.fail("confirm_otp", err)
	}
	if order.Status != models.StatusQRGenerated {
		return nil, s.fail("confirm_otp", fmt.Errorf("%w: order %s is not awaiting delivery confirmation", apperrors.ErrInvalidTransition, order.OrderNumber))
	}

	result, err := s.gateway.CheckChallenge(ctx, order.CustomerPhone, code)
	if err != nil {
		return nil, s.fail("confirm_otp", fmt.Errorf("failed to check verification code for order %s: %w", order.OrderNumber, err))
	}
	if !result.Approved {
		if err := s.ledger.RecordRejectedAttempt(ctx, order.ID, order.CustomerID); err != nil {
			s.logger.Warn("failed to record rejected attempt", zap.String("order_id", order.ID), zap.Error(err))
		}
		return nil, s.fail("confirm_otp", fmt.Errorf("%w (status %s)", apperrors.ErrOTPRejected, result.Status))
	}

	record, err := s.ledger.RecordVerified(ctx, order.ID, order.CustomerID, result.SID)
	if err != nil {
		return nil, s.fail("confirm_otp", err)
	}

	metrics.OTPVerifiedTotal.Inc()
	s.logger.Info("customer verified delivery", zap.String("order_number", order.OrderNumber))
	s.publish(ctx, models.DeliveryEvent{
		OrderID:     order.ID,
		EventType:   models.EventOTPVerified,
		Description: "Customer verified delivery with OTP",
		UserID:      order.CustomerID,
		OccurredAt:  *record.VerifiedAt,
	})

	return &Confirmation{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Verified:    true,
		VerifiedAt:  *record.VerifiedAt,
	}, nil
}

// CompleteDelivery marks the order verified. The verification state is read
// from the ledger immediately before the write, and the write only applies
// while the order is still qr_generated.
func (s *DeliveryService) CompleteDelivery(ctx context.Context, orderID, agentID string) (*models.Order, error) {
	order, err := s.guard.AuthorizeIssuance(ctx, orderID, agentID)
	if err != nil {
		return nil, s.fail("complete_delivery", err)
	}
	if order.Status != models.StatusQRGenerated {
		return nil, s.fail("complete_delivery", fmt.Errorf("%w: order %s is in status %s", apperrors.ErrInvalidTransition, order.OrderNumber, order.Status))
	}

	verified, err := s.ledger.IsVerified(ctx, order.ID)
	if err != nil {
		return nil, s.fail("complete_delivery", err)
	}
	if !verified {
		metrics.VerificationRequiredTotal.Inc()
		s.logger.Info("completion refused, order not verified", zap.String("order_number", order.OrderNumber))
		return nil, apperrors.ErrVerificationRequired
	}

	now := s.cfg.Now()
	if err := s.orders.CompleteDelivery(ctx, order.ID, models.StatusQRGenerated, now); err != nil {
		return nil, s.fail("complete_delivery", err)
	}
	order.Status = models.StatusVerified
	order.DeliveredAt = &now

	metrics.DeliveriesCompletedTotal.Inc()
	s.logger.Info("delivery completed", zap.String("order_number", order.OrderNumber), zap.String("agent_id", agentID))
	s.publish(ctx, models.DeliveryEvent{
		OrderID:     order.ID,
		EventType:   models.EventDeliveryCompleted,
		Description: "Order verified by customer and marked as completed by agent",
		UserID:      agentID,
		OccurredAt:  now,
	})
	return order, nil
}

// VerificationStatus reports the current verification state of an order the
// user may view.
func (s *DeliveryService) VerificationStatus(ctx context.Context, orderID, userID string, role models.Role) (bool, error) {
	if _, err := s.guard.AuthorizeViewer(ctx, orderID, userID, role); err != nil {
		return false, err
	}
	return s.ledger.IsVerified(ctx, orderID)
}

// VerificationHistory returns the order's ledger, newest first.
func (s *DeliveryService) VerificationHistory(ctx context.Context, orderID string) ([]models.VerificationRecord, error) {
	if _, err := s.orders.GetByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, orderID)
}

// ResetVerification clears the order's ledger. The order status is left
// alone, so an order in qr_generated needs a fresh redemption before it can
// be completed.
func (s *DeliveryService) ResetVerification(ctx context.Context, orderID, adminID string) (int64, error) {
	if _, err := s.orders.GetByID(ctx, orderID); err != nil {
		return 0, err
	}
	n, err := s.ledger.Reset(ctx, orderID)
	if err != nil {
		return 0, s.fail("reset_verification", err)
	}
	s.publish(ctx, models.DeliveryEvent{
		OrderID:     orderID,
		EventType:   models.EventVerificationReset,
		Description: "Verification history cleared by administrator",
		UserID:      adminID,
		OccurredAt:  s.cfg.Now(),
	})
	return n, nil
}

func (s *DeliveryService) publish(ctx context.Context, event models.DeliveryEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishDeliveryEvent(ctx, event); err != nil {
		s.logger.Warn("failed to publish delivery event",
			zap.String("order_id", event.OrderID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

func (s *DeliveryService) fail(op string, err error) error {
	metrics.OperationErrorsTotal.WithLabelValues(op).Inc()
	return err
}

func summarize(order *models.Order) OrderSummary {
	return OrderSummary{
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		CustomerName:    order.CustomerName,
		DeliveryAddress: order.DeliveryAddress,
		Items:           order.Items,
	}
}
