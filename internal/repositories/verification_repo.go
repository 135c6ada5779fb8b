package repositories

import (
	"context"
	"time"

	"handoff/internal/models"
)

// VerificationRepository stores OTP verification records. Records are
// appended on every send and never rewritten except to flip the verified
// flag or bump the attempt counter.
type VerificationRepository interface {
	Create(ctx context.Context, record *models.VerificationRecord) error
	// ListByOrder returns all records for the order, newest first.
	ListByOrder(ctx context.Context, orderID string) ([]models.VerificationRecord, error)
	// LatestForOrder returns the newest record or apperrors.ErrNotFound.
	LatestForOrder(ctx context.Context, orderID string) (*models.VerificationRecord, error)
	// LatestUnverified returns the newest unverified record for the pair or apperrors.ErrNotFound.
	LatestUnverified(ctx context.Context, orderID, customerID string) (*models.VerificationRecord, error)
	// MarkVerified flips an unverified record to verified. It returns
	// apperrors.ErrNotFound if no unverified record with that id exists.
	MarkVerified(ctx context.Context, id string, verifiedAt time.Time) error
	IncrementAttempts(ctx context.Context, id string) error
	DeleteByOrder(ctx context.Context, orderID string) (int64, error)
}

// QRIssuanceRepository stores the issuance log of delivery tokens.
type QRIssuanceRepository interface {
	Create(ctx context.Context, issuance *models.QRIssuance) error
	// LatestForOrder returns the most recent issuance or apperrors.ErrNotFound.
	LatestForOrder(ctx context.Context, orderID string) (*models.QRIssuance, error)
}
