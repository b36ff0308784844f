package auth

import (
	"time"

	"directory-auth/internal/store"
	"directory-auth/internal/user"
)

// Origin identifies where a request came from. It is recorded on tokens and
// audit events only.
type Origin struct {
	IP       string
	ClientID string
	Device   string
}

type LoginResult struct {
	UserID             string     `json:"user_id"`
	Email              string     `json:"email"`
	Name               string     `json:"name"`
	Role               user.Role  `json:"role"`
	AccessToken        string     `json:"access_token"`
	RefreshToken       string     `json:"refresh_token"`
	TokenType          string     `json:"token_type"`
	ExpiresAt          time.Time  `json:"expires_at"`
	ExpiresIn          int64      `json:"expires_in"`
	RefreshExpiresAt   time.Time  `json:"refresh_expires_at"`
	MustChangePassword bool       `json:"must_change_password"`
	PreviousLoginAt    *time.Time `json:"previous_login_at,omitempty"`
}

// Identity is the caller resolved from a valid access token.
type Identity struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Role       user.Role `json:"role"`
	EmployeeID string    `json:"employee_id"`
	TokenID    string    `json:"token_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type Statistics struct {
	Tokens               store.TokenStats `json:"tokens"`
	LockedAccounts       int              `json:"locked_accounts"`
	AccountsWithFailures int              `json:"accounts_with_failed_attempts"`
	GeneratedAt          time.Time        `json:"generated_at"`
}
