package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the identity row backing JWT sessions.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Password  string    `json:"password,omitempty"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}
