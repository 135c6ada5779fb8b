package models

import "time"

// VerificationRecord is one OTP send attempt for an order. Records are only
// ever appended; the newest record by CreatedAt, then Seq, decides the
// order's state. Seq counts inserts per order starting at 1.
type VerificationRecord struct {
	ID           string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrderID      string     `json:"order_id" gorm:"index:idx_verification_order_created,priority:1;uniqueIndex:idx_verification_order_seq,priority:1;type:varchar(36)"`
	Seq          int64      `json:"seq" gorm:"not null;default:0;index:idx_verification_order_created,priority:3;uniqueIndex:idx_verification_order_seq,priority:2"`
	CustomerID   string     `json:"customer_id" gorm:"type:varchar(36)"`
	ChallengeSID string     `json:"challenge_sid" gorm:"type:varchar(64)"`
	IsVerified   bool       `json:"is_verified"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"created_at" gorm:"index:idx_verification_order_created,priority:2"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// QRIssuance is the issuance log entry for a delivery token.
type QRIssuance struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrderID   string    `json:"order_id" gorm:"index;type:varchar(36)"`
	AgentID   string    `json:"agent_id" gorm:"type:varchar(36)"`
	Payload   string    `json:"-" gorm:"type:text"`
	IssuedAt  time.Time `json:"issued_at" gorm:"index"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the issuance is no longer redeemable at now.
func (q *QRIssuance) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}
