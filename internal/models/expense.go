package models

import "time"

// Expense represents a financial expense record.
type Expense struct {
	ID          int64     `json:"id"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	Amount      *float64  `json:"amount"`
	Date        time.Time `json:"date"`
	UserID      *int64    `json:"user_id,omitempty"`
}

// User represents a user account.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session represents a user session.
type Session struct {
	Token        string    `json:"token"`
	UserID       int64     `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

// CategoryTotal is the sum and count of expenses in one category.
type CategoryTotal struct {
	Category string
	Total    float64
	Count    int
}
