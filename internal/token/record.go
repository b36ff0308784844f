package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

type Kind string

const (
	KindAccess  Kind = "ACCESS"
	KindRefresh Kind = "REFRESH"
)

const (
	DefaultAccessTTL  = 24 * time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

func (k Kind) Valid() bool {
	return k == KindAccess || k == KindRefresh
}

func (k Kind) DefaultTTL() time.Duration {
	if k == KindRefresh {
		return DefaultRefreshTTL
	}
	return DefaultAccessTTL
}

var (
	ErrTokenRequired    = errors.New("token is required")
	ErrUserIDRequired   = errors.New("user id is required")
	ErrInvalidKind      = errors.New("invalid token kind")
	ErrRevoked          = errors.New("token is revoked")
	ErrInvalidExtension = errors.New("expiry extension must be positive")
)

// Hash returns the hex sha256 of a raw token. Only this value is persisted.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Record is the stored metadata of one issued bearer token.
type Record struct {
	ID            string
	UserID        string
	TokenHash     string
	Kind          Kind
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     *time.Time
	RevokedReason string
	IPAddress     string
	ClientID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Params struct {
	ID        string
	UserID    string
	Raw       string
	Kind      Kind
	ExpiresAt time.Time
	IPAddress string
	ClientID  string
}

// NewRecord hashes p.Raw and builds the record. A zero ExpiresAt falls back to
// the kind's default lifetime.
func NewRecord(p Params, now time.Time) (*Record, error) {
	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if p.Raw == "" {
		return nil, ErrTokenRequired
	}
	if !p.Kind.Valid() {
		return nil, ErrInvalidKind
	}

	expiresAt := p.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(p.Kind.DefaultTTL())
	}

	return &Record{
		ID:        p.ID,
		UserID:    userID,
		TokenHash: Hash(p.Raw),
		Kind:      p.Kind,
		ExpiresAt: expiresAt.UTC(),
		IPAddress: p.IPAddress,
		ClientID:  p.ClientID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

type Verdict int

const (
	VerdictValid Verdict = iota + 1
	VerdictExpired
	VerdictRevoked
	VerdictMismatch
)

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictExpired:
		return "expired"
	case VerdictRevoked:
		return "revoked"
	case VerdictMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Check verifies raw against the record. Revocation wins over expiry.
func (r *Record) Check(raw string, now time.Time) Verdict {
	if r.Revoked {
		return VerdictRevoked
	}
	if r.IsExpired(now) {
		return VerdictExpired
	}
	if subtle.ConstantTimeCompare([]byte(Hash(raw)), []byte(r.TokenHash)) != 1 {
		return VerdictMismatch
	}
	return VerdictValid
}

func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *Record) IsValid(now time.Time) bool {
	return !r.Revoked && !r.IsExpired(now)
}

func (r *Record) Remaining(now time.Time) time.Duration {
	if r.IsExpired(now) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// Revoke marks the record revoked and reports whether this call changed it.
// Revoking twice keeps the first timestamp and reason.
func (r *Record) Revoke(reason string, now time.Time) bool {
	if r.Revoked {
		return false
	}
	if strings.TrimSpace(reason) == "" {
		reason = "Manual revocation"
	}
	r.Revoked = true
	r.RevokedAt = &now
	r.RevokedReason = reason
	r.UpdatedAt = now
	return true
}

func (r *Record) ExtendExpiry(d time.Duration, now time.Time) error {
	if r.Revoked {
		return ErrRevoked
	}
	if d <= 0 {
		return ErrInvalidExtension
	}
	r.ExpiresAt = r.ExpiresAt.Add(d)
	r.UpdatedAt = now
	return nil
}
