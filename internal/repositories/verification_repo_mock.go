package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"handoff/internal/apperrors"
	"handoff/internal/models"

	"github.com/google/uuid"
)

// MockVerificationRepository is an in-memory implementation of VerificationRepository.
type MockVerificationRepository struct {
	records []models.VerificationRecord
	mu      sync.RWMutex
}

// NewMockVerificationRepository creates a new instance of MockVerificationRepository.
func NewMockVerificationRepository() *MockVerificationRepository {
	return &MockVerificationRepository{}
}

func (r *MockVerificationRepository) Create(_ context.Context, record *models.VerificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	var last int64
	for _, rec := range r.records {
		if rec.OrderID == record.OrderID && rec.Seq > last {
			last = rec.Seq
		}
	}
	record.Seq = last + 1
	r.records = append(r.records, *record)
	return nil
}

// ListByOrder returns the order's records newest first, ordered by creation
// time and then by sequence number.
func (r *MockVerificationRepository) ListByOrder(_ context.Context, orderID string) ([]models.VerificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byOrder(func(rec *models.VerificationRecord) bool { return rec.OrderID == orderID }), nil
}

func (r *MockVerificationRepository) LatestForOrder(ctx context.Context, orderID string) (*models.VerificationRecord, error) {
	records, _ := r.ListByOrder(ctx, orderID)
	if len(records) == 0 {
		return nil, fmt.Errorf("verification record %w", apperrors.ErrNotFound)
	}
	return &records[0], nil
}

func (r *MockVerificationRepository) LatestUnverified(_ context.Context, orderID, customerID string) (*models.VerificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.byOrder(func(rec *models.VerificationRecord) bool {
		return rec.OrderID == orderID && rec.CustomerID == customerID && !rec.IsVerified
	})
	if len(records) == 0 {
		return nil, fmt.Errorf("verification record %w", apperrors.ErrNotFound)
	}
	return &records[0], nil
}

func (r *MockVerificationRepository) MarkVerified(_ context.Context, id string, verifiedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.records {
		if r.records[i].ID == id && !r.records[i].IsVerified {
			at := verifiedAt
			r.records[i].IsVerified = true
			r.records[i].VerifiedAt = &at
			return nil
		}
	}
	return fmt.Errorf("unverified record %w", apperrors.ErrNotFound)
}

func (r *MockVerificationRepository) IncrementAttempts(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.records {
		if r.records[i].ID == id {
			r.records[i].Attempts++
			return nil
		}
	}
	return fmt.Errorf("verification record %w", apperrors.ErrNotFound)
}

func (r *MockVerificationRepository) DeleteByOrder(_ context.Context, orderID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.records[:0]
	var deleted int64
	for _, rec := range r.records {
		if rec.OrderID == orderID {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	return deleted, nil
}

// byOrder must be called with the lock held.
func (r *MockVerificationRepository) byOrder(match func(rec *models.VerificationRecord) bool) []models.VerificationRecord {
	var out []models.VerificationRecord
	for i := len(r.records) - 1; i >= 0; i-- {
		if match(&r.records[i]) {
			rec := r.records[i]
			if rec.VerifiedAt != nil {
				at := *rec.VerifiedAt
				rec.VerifiedAt = &at
			}
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	return out
}

// MockQRIssuanceRepository is an in-memory implementation of QRIssuanceRepository.
type MockQRIssuanceRepository struct {
	issuances []models.QRIssuance
	mu        sync.RWMutex
}

// NewMockQRIssuanceRepository creates a new instance of MockQRIssuanceRepository.
func NewMockQRIssuanceRepository() *MockQRIssuanceRepository {
	return &MockQRIssuanceRepository{}
}

func (r *MockQRIssuanceRepository) Create(_ context.Context, issuance *models.QRIssuance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if issuance.ID == "" {
		issuance.ID = uuid.New().String()
	}
	r.issuances = append(r.issuances, *issuance)
	return nil
}

func (r *MockQRIssuanceRepository) LatestForOrder(_ context.Context, orderID string) (*models.QRIssuance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.QRIssuance
	for i := len(r.issuances) - 1; i >= 0; i-- {
		iss := r.issuances[i]
		if iss.OrderID != orderID {
			continue
		}
		if latest == nil || iss.IssuedAt.After(latest.IssuedAt) {
			latest = &iss
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("qr issuance %w", apperrors.ErrNotFound)
	}
	return latest, nil
}
