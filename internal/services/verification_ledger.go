package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"handoff/internal/apperrors"
	"handoff/internal/models"
	"handoff/internal/repositories"

	"go.uber.org/zap"
)

// ProviderVerifiedHandle marks a record inserted directly in the verified
// state when no pending challenge was found.
const ProviderVerifiedHandle = "provider-verified"

const fallbackRecordTTL = 15 * time.Minute

// LedgerConfig configures a VerificationLedger.
type LedgerConfig struct {
	// LenientVerify inserts a verified record when a provider-approved code
	// has no matching pending record. When false such calls fail with
	// apperrors.ErrChallengeNotFound.
	LenientVerify bool
	Now           Clock
}

// VerificationLedger keeps the append-only history of OTP challenges per
// order and derives the current verification state from it: only the most
// recently created record counts.
type VerificationLedger struct {
	repo    repositories.VerificationRepository
	lenient bool
	now     Clock
	logger  *zap.Logger
}

// NewVerificationLedger creates a new VerificationLedger.
func NewVerificationLedger(repo repositories.VerificationRepository, cfg LedgerConfig, logger *zap.Logger) *VerificationLedger {
	if cfg.Now == nil {
		cfg.Now = systemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerificationLedger{
		repo:    repo,
		lenient: cfg.LenientVerify,
		now:     cfg.Now,
		logger:  logger.Named("ledger"),
	}
}

// RecordChallengeSent appends a pending record for a freshly sent challenge.
func (l *VerificationLedger) RecordChallengeSent(ctx context.Context, orderID, customerID, challengeSID string, ttl time.Duration) (*models.VerificationRecord, error) {
	now := l.now()
	record := &models.VerificationRecord{
		OrderID:      orderID,
		CustomerID:   customerID,
		ChallengeSID: challengeSID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := l.repo.Create(ctx, record); err != nil {
		return nil, err
	}
	l.logger.Debug("challenge recorded", zap.String("order_id", orderID), zap.String("record_id", record.ID))
	return record, nil
}

// RecordVerified marks the newest pending record of (orderID, customerID)
// verified.
func (l *VerificationLedger) RecordVerified(ctx context.Context, orderID, customerID, challengeSID string) (*models.VerificationRecord, error) {
	now := l.now()

	pending, err := l.repo.LatestUnverified(ctx, orderID, customerID)
	switch {
	case err == nil:
		if err := l.repo.MarkVerified(ctx, pending.ID, now); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				// A concurrent confirmation got there first.
				return l.findVerified(ctx, orderID, pending.ID)
			}
			return nil, err
		}
		pending.IsVerified = true
		pending.VerifiedAt = &now
		return pending, nil
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, err
	}

	if !l.lenient {
		l.logger.Warn("approved code without pending challenge", zap.String("order_id", orderID))
		return nil, apperrors.ErrChallengeNotFound
	}

	handle := challengeSID
	if handle == "" {
		handle = ProviderVerifiedHandle
	}
	record := &models.VerificationRecord{
		OrderID:      orderID,
		CustomerID:   customerID,
		ChallengeSID: handle,
		IsVerified:   true,
		Attempts:     1,
		CreatedAt:    now,
		VerifiedAt:   &now,
		ExpiresAt:    now.Add(fallbackRecordTTL),
	}
	if err := l.repo.Create(ctx, record); err != nil {
		return nil, err
	}
	l.logger.Warn("inserted verified record without pending challenge", zap.String("order_id", orderID), zap.String("record_id", record.ID))
	return record, nil
}

func (l *VerificationLedger) findVerified(ctx context.Context, orderID, recordID string) (*models.VerificationRecord, error) {
	records, err := l.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].ID == recordID && records[i].IsVerified {
			return &records[i], nil
		}
	}
	return nil, apperrors.ErrChallengeNotFound
}

// RecordRejectedAttempt bumps the attempt counter of the newest pending record.
func (l *VerificationLedger) RecordRejectedAttempt(ctx context.Context, orderID, customerID string) error {
	pending, err := l.repo.LatestUnverified(ctx, orderID, customerID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	return l.repo.IncrementAttempts(ctx, pending.ID)
}

// IsVerified reports whether the most recently created record of the order
// is verified. Orders without records are not verified. The answer is read
// from the store on every call.
func (l *VerificationLedger) IsVerified(ctx context.Context, orderID string) (bool, error) {
	latest, err := l.repo.LatestForOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read verification state: %w", err)
	}
	return latest.IsVerified, nil
}

// History returns every record of the order, newest first.
func (l *VerificationLedger) History(ctx context.Context, orderID string) ([]models.VerificationRecord, error) {
	return l.repo.ListByOrder(ctx, orderID)
}

// Reset deletes the order's records. This is an administrative operation and
// is not part of the delivery workflow.
func (l *VerificationLedger) Reset(ctx context.Context, orderID string) (int64, error) {
	n, err := l.repo.DeleteByOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	l.logger.Info("verification records cleared", zap.String("order_id", orderID), zap.Int64("deleted", n))
	return n, nil
}
