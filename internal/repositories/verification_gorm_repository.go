package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"handoff/internal/apperrors"
	"handoff/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GORMVerificationRepository is a GORM implementation of VerificationRepository.
type GORMVerificationRepository struct {
	db *gorm.DB
}

// NewGORMVerificationRepository creates a new instance of GORMVerificationRepository.
func NewGORMVerificationRepository(db *gorm.DB) *GORMVerificationRepository {
	return &GORMVerificationRepository{db: db}
}

// createAttempts bounds retries when concurrent inserts for one order claim
// the same sequence number.
const createAttempts = 5

// Create appends record with the next sequence number for its order.
func (r *GORMVerificationRepository) Create(ctx context.Context, record *models.VerificationRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	var err error
	for range createAttempts {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var last int64
			if err := tx.Model(&models.VerificationRecord{}).
				Where("order_id = ?", record.OrderID).
				Select("COALESCE(MAX(seq), 0)").
				Scan(&last).Error; err != nil {
				return err
			}
			record.Seq = last + 1
			return tx.Create(record).Error
		})
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create verification record: %w", err)
	}
	return nil
}

func (r *GORMVerificationRepository) ListByOrder(ctx context.Context, orderID string) ([]models.VerificationRecord, error) {
	var records []models.VerificationRecord
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC, seq DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list verification records for order %s: %w", orderID, err)
	}
	return records, nil
}

func (r *GORMVerificationRepository) LatestForOrder(ctx context.Context, orderID string) (*models.VerificationRecord, error) {
	return r.first(ctx, r.db.Where("order_id = ?", orderID))
}

func (r *GORMVerificationRepository) LatestUnverified(ctx context.Context, orderID, customerID string) (*models.VerificationRecord, error) {
	return r.first(ctx, r.db.Where("order_id = ? AND customer_id = ? AND is_verified = ?", orderID, customerID, false))
}

func (r *GORMVerificationRepository) first(ctx context.Context, q *gorm.DB) (*models.VerificationRecord, error) {
	var record models.VerificationRecord
	err := q.WithContext(ctx).Order("created_at DESC, seq DESC").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("verification record %w", apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read verification record: %w", err)
	}
	return &record, nil
}

func (r *GORMVerificationRepository) MarkVerified(ctx context.Context, id string, verifiedAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.VerificationRecord{}).
		Where("id = ? AND is_verified = ?", id, false).
		Updates(map[string]interface{}{
			"is_verified": true,
			"verified_at": verifiedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark verification record %s verified: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("unverified record %w", apperrors.ErrNotFound)
	}
	return nil
}

func (r *GORMVerificationRepository) IncrementAttempts(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).
		Model(&models.VerificationRecord{}).
		Where("id = ?", id).
		UpdateColumn("attempts", gorm.Expr("attempts + ?", 1))
	if res.Error != nil {
		return fmt.Errorf("failed to increment attempts on %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("verification record %w", apperrors.ErrNotFound)
	}
	return nil
}

func (r *GORMVerificationRepository) DeleteByOrder(ctx context.Context, orderID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("order_id = ?", orderID).Delete(&models.VerificationRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete verification records for order %s: %w", orderID, res.Error)
	}
	return res.RowsAffected, nil
}

// GORMQRIssuanceRepository is a GORM implementation of QRIssuanceRepository.
type GORMQRIssuanceRepository struct {
	db *gorm.DB
}

// NewGORMQRIssuanceRepository creates a new instance of GORMQRIssuanceRepository.
func NewGORMQRIssuanceRepository(db *gorm.DB) *GORMQRIssuanceRepository {
	return &GORMQRIssuanceRepository{db: db}
}

func (r *GORMQRIssuanceRepository) Create(ctx context.Context, issuance *models.QRIssuance) error {
	if issuance.ID == "" {
		issuance.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(issuance).Error; err != nil {
		return fmt.Errorf("failed to record qr issuance: %w", err)
	}
	return nil
}

func (r *GORMQRIssuanceRepository) LatestForOrder(ctx context.Context, orderID string) (*models.QRIssuance, error) {
	var issuance models.QRIssuance
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("issued_at DESC").
		First(&issuance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("qr issuance %w", apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read qr issuance for order %s: %w", orderID, err)
	}
	return &issuance, nil
}
