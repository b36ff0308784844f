package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 30 * time.Minute
	DefaultMinPasswordLength = 6

	// MaxPasswordLength is bcrypt's input limit in bytes.
	MaxPasswordLength = 72
)

var (
	ErrUserIDRequired   = errors.New("user id is required")
	ErrPasswordRequired = errors.New("password is required")
	ErrPasswordTooShort = errors.New("password is too short")
	ErrPasswordTooLong  = errors.New("password is too long")
)

// Policy holds the lockout and password length limits.
type Policy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	MinPasswordLength int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		LockoutDuration:   DefaultLockoutDuration,
		MinPasswordLength: DefaultMinPasswordLength,
	}
}

// Record is the persisted password hash plus lockout bookkeeping for one user.
type Record struct {
	ID                 string
	UserID             string
	PasswordHash       string
	HashCost           int
	PasswordChangedAt  time.Time
	FailedAttempts     int
	LockedUntil        *time.Time
	MustChangePassword bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsLocked reports whether a lockout window is still open at now. An elapsed
// window counts as unlocked even though the counter is only cleared on the
// next verification.
func (r *Record) IsLocked(now time.Time) bool {
	return r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

func (r *Record) clearFailures(now time.Time) {
	r.FailedAttempts = 0
	r.LockedUntil = nil
	r.UpdatedAt = now
}

type Status int

const (
	StatusAccepted Status = iota + 1
	StatusRejected
	StatusLocked
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Outcome is the result of a verification attempt.
type Outcome struct {
	Status         Status
	FailedAttempts int
	LockedUntil    *time.Time
	// LockTriggered is set on the attempt that opened the lockout window.
	LockTriggered bool
}

func (o Outcome) Accepted() bool {
	return o.Status == StatusAccepted
}

// Manager drives the lockout state machine of credential records.
type Manager struct {
	hasher Hasher
	policy Policy
	now    func() time.Time
}

type Option func(*Manager)

func WithPolicy(policy Policy) Option {
	return func(m *Manager) {
		if policy.MaxFailedAttempts > 0 {
			m.policy.MaxFailedAttempts = policy.MaxFailedAttempts
		}
		if policy.LockoutDuration > 0 {
			m.policy.LockoutDuration = policy.LockoutDuration
		}
		if policy.MinPasswordLength > 0 {
			m.policy.MinPasswordLength = policy.MinPasswordLength
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(hasher Hasher, opts ...Option) *Manager {
	m := &Manager{
		hasher: hasher,
		policy: DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Policy() Policy {
	return m.policy
}

func (m *Manager) ValidatePassword(password string) error {
	if password == "" {
		return ErrPasswordRequired
	}
	if len(password) < m.policy.MinPasswordLength {
		return fmt.Errorf("%w: minimum %d characters", ErrPasswordTooShort, m.policy.MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: maximum %d bytes", ErrPasswordTooLong, MaxPasswordLength)
	}
	return nil
}

// New creates a credential record for userID with a freshly hashed password.
func (m *Manager) New(userID, password string, mustChangePassword bool) (*Record, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	hash, err := m.hash(password)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate credential id: %w", err)
	}

	now := m.now().UTC()
	return &Record{
		ID:                 id.String(),
		UserID:             userID,
		PasswordHash:       hash,
		HashCost:           m.hasher.Cost(),
		PasswordChangedAt:  now,
		MustChangePassword: mustChangePassword,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// Verify checks password against r and advances the lockout state machine.
// A locked record is rejected without evaluating the password so guessing
// cannot extend or reset the window.
func (m *Manager) Verify(r *Record, password string) (Outcome, error) {
	now := m.now().UTC()

	if r.LockedUntil != nil {
		if now.Before(*r.LockedUntil) {
			until := *r.LockedUntil
			return Outcome{Status: StatusLocked, FailedAttempts: r.FailedAttempts, LockedUntil: &until}, nil
		}
		r.clearFailures(now)
	}

	if password == "" {
		return Outcome{Status: StatusRejected, FailedAttempts: r.FailedAttempts}, nil
	}

	// No stored hash can match a password bcrypt would refuse to hash.
	var ok bool
	if len(password) <= MaxPasswordLength {
		var err error
		if ok, err = m.hasher.Compare(r.PasswordHash, password); err != nil {
			return Outcome{}, err
		}
	}

	if ok {
		r.clearFailures(now)
		return Outcome{Status: StatusAccepted}, nil
	}

	r.FailedAttempts++
	r.UpdatedAt = now
	out := Outcome{Status: StatusRejected, FailedAttempts: r.FailedAttempts}
	if r.FailedAttempts >= m.policy.MaxFailedAttempts {
		until := now.Add(m.policy.LockoutDuration)
		r.LockedUntil = &until
		out.LockedUntil = &until
		out.LockTriggered = true
	}
	return out, nil
}

// ChangePassword re-hashes the password once oldPassword verifies. The new
// password is validated first so a bad request never touches the counter.
func (m *Manager) ChangePassword(r *Record, oldPassword, newPassword string) (Outcome, error) {
	if err := m.ValidatePassword(newPassword); err != nil {
		return Outcome{}, err
	}

	out, err := m.Verify(r, oldPassword)
	if err != nil || !out.Accepted() {
		return out, err
	}

	if err := m.setPassword(r, newPassword); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// ResetPassword sets a new password without checking the old one and clears
// any lockout.
func (m *Manager) ResetPassword(r *Record, newPassword string) error {
	if err := m.setPassword(r, newPassword); err != nil {
		return err
	}
	r.clearFailures(r.PasswordChangedAt)
	return nil
}

func (m *Manager) Unlock(r *Record) {
	r.clearFailures(m.now().UTC())
}

func (m *Manager) ForcePasswordChange(r *Record) {
	r.MustChangePassword = true
	r.UpdatedAt = m.now().UTC()
}

func (m *Manager) setPassword(r *Record, password string) error {
	hash, err := m.hash(password)
	if err != nil {
		return err
	}

	now := m.now().UTC()
	r.PasswordHash = hash
	r.HashCost = m.hasher.Cost()
	r.PasswordChangedAt = now
	r.MustChangePassword = false
	r.UpdatedAt = now
	return nil
}

func (m *Manager) hash(password string) (string, error) {
	if err := m.ValidatePassword(password); err != nil {
		return "", err
	}
	return m.hasher.Hash(password)
}
