package model

import (
	"time"

	"github.com/google/uuid"
)

// Staff is a case-management staff account used for API authentication.
type Staff struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
