package models

import "time"

// Role is the role claim carried by a user's bearer token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// User represents an account known to the identity provider.
type User struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)" validate:"omitempty,uuid"`
	Username  string    `json:"username" gorm:"uniqueIndex;type:varchar(100)" validate:"required,min=3,max=100"`
	Email     string    `json:"email" gorm:"uniqueIndex;type:varchar(255)" validate:"required,email"`
	Password  string    `json:"password,omitempty" gorm:"type:varchar(255)" validate:"required,min=6"`
	FullName  string    `json:"full_name" validate:"omitempty,max=200"`
	Phone     string    `json:"phone,omitempty" validate:"omitempty,e164"`
	Role      Role      `json:"role" gorm:"type:varchar(20)" validate:"required,oneof=admin agent customer"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
