package services

import (
	"context"
	"time"

	"handoff/internal/models"
	"handoff/internal/otp"
)

// OTPGateway sends and checks one-time codes through the external provider.
type OTPGateway interface {
	SendChallenge(ctx context.Context, phone string) (*otp.Challenge, error)
	CheckChallenge(ctx context.Context, phone, code string) (*otp.CheckResult, error)
}

// EventPublisher publishes delivery workflow events.
type EventPublisher interface {
	PublishDeliveryEvent(ctx context.Context, event models.DeliveryEvent) error
}

// Clock returns the current time. Services default to UTC wall time.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
