// Package otp adapts the Twilio Verify API to the two operations the
// delivery workflow needs: send a challenge and check a submitted code.
// The provider owns the code; nothing here stores or compares it.
package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"handoff/internal/apperrors"
	"handoff/internal/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	opSend  = "send"
	opCheck = "check"

	// StatusApproved is the provider status of a successfully checked code.
	StatusApproved = "approved"
)

// Config holds the provider credentials and transport settings.
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	ServiceSID string
	Channel    string
	Timeout    time.Duration
}

// Challenge is the provider's acknowledgement of a sent code.
type Challenge struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// CheckResult is the provider's verdict on a submitted code.
type CheckResult struct {
	Approved bool
	Status   string
	SID      string
}

// TwilioGateway talks to the Twilio Verify v2 API.
type TwilioGateway struct {
	cfg    Config
	logger *zap.Logger
}

// NewTwilioGateway creates a gateway. Empty Channel defaults to "sms".
func NewTwilioGateway(cfg Config, logger *zap.Logger) *TwilioGateway {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.AccountSID = strings.TrimSpace(cfg.AccountSID)
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	cfg.ServiceSID = strings.TrimSpace(cfg.ServiceSID)
	if cfg.Channel == "" {
		cfg.Channel = "sms"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwilioGateway{cfg: cfg, logger: logger.Named("otp")}
}

type verificationResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	Valid  bool   `json:"valid"`
}

type providerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SendChallenge asks the provider to deliver a code to phone.
func (g *TwilioGateway) SendChallenge(ctx context.Context, phone string) (*Challenge, error) {
	if err := ValidatePhone(phone); err != nil {
		return nil, err
	}

	args := fiber.AcquireArgs()
	defer fiber.ReleaseArgs(args)
	args.Set("To", phone)
	args.Set("Channel", g.cfg.Channel)

	var resp verificationResponse
	if err := g.post(ctx, opSend, "/Verifications", args, &resp); err != nil {
		g.logger.Warn("failed to send otp challenge", zap.String("phone", MaskPhone(phone)), zap.Error(err))
		return nil, err
	}

	g.logger.Info("otp challenge sent",
		zap.String("phone", MaskPhone(phone)),
		zap.String("sid", resp.SID),
		zap.String("status", resp.Status))
	return &Challenge{SID: resp.SID, Status: resp.Status}, nil
}

// CheckChallenge asks the provider whether code matches the last challenge
// sent to phone.
func (g *TwilioGateway) CheckChallenge(ctx context.Context, phone, code string) (*CheckResult, error) {
	if err := ValidatePhone(phone); err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: verification code is required", apperrors.ErrOTPRejected)
	}

	args := fiber.AcquireArgs()
	defer fiber.ReleaseArgs(args)
	args.Set("To", phone)
	args.Set("Code", code)

	var resp verificationResponse
	if err := g.post(ctx, opCheck, "/VerificationCheck", args, &resp); err != nil {
		g.logger.Warn("failed to check otp challenge", zap.String("phone", MaskPhone(phone)), zap.Error(err))
		return nil, err
	}

	result := &CheckResult{
		Approved: resp.Status == StatusApproved,
		Status:   resp.Status,
		SID:      resp.SID,
	}
	g.logger.Info("otp challenge checked",
		zap.String("phone", MaskPhone(phone)),
		zap.String("sid", resp.SID),
		zap.String("status", resp.Status))
	return result, nil
}

func (g *TwilioGateway) post(ctx context.Context, op, path string, form *fiber.Args, out any) error {
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.GatewayRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		metrics.GatewayRequestsTotal.WithLabelValues(op, outcome).Inc()
	}()

	timeout := g.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		outcome = "cancelled"
		return &apperrors.GatewayError{Op: op, Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	if timeout <= 0 {
		outcome = "timeout"
		return &apperrors.GatewayError{Op: op, Timeout: true, Err: context.DeadlineExceeded}
	}

	url := fmt.Sprintf("%s/v2/Services/%s%s", g.cfg.BaseURL, g.cfg.ServiceSID, path)
	agent := fiber.Post(url).
		BasicAuth(g.cfg.AccountSID, g.cfg.AuthToken).
		Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON).
		Form(form).
		Timeout(timeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		err := errs[0]
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
			outcome = "timeout"
			return &apperrors.GatewayError{Op: op, Timeout: true, Err: err}
		}
		return &apperrors.GatewayError{Op: op, Message: "provider unreachable", Err: err}
	}

	if code < 200 || code >= 300 {
		outcome = "rejected"
		return &apperrors.GatewayError{Op: op, StatusCode: code, Message: providerMessage(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &apperrors.GatewayError{Op: op, StatusCode: code, Message: "unreadable provider response", Err: err}
	}
	outcome = "ok"
	return nil
}

func providerMessage(body []byte) string {
	var perr providerError
	if err := json.Unmarshal(body, &perr); err == nil && perr.Message != "" {
		if perr.Code != 0 {
			return MaskNumbers(fmt.Sprintf("%s (code %d)", perr.Message, perr.Code))
		}
		return MaskNumbers(perr.Message)
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return MaskNumbers(text)
}
