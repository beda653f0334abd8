package models

import "time"

// User is registered on the command side and replicated to the read store so
// account and transaction owners can be resolved.
type User struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
