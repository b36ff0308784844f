package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Category string

const (
	CategoryUserRegistration      Category = "USER_REGISTRATION"
	CategoryEmailVerification     Category = "EMAIL_VERIFICATION"
	CategoryLoginSuccess          Category = "LOGIN_SUCCESS"
	CategoryLoginFailure          Category = "LOGIN_FAILURE"
	CategoryPasswordChange        Category = "PASSWORD_CHANGE"
	CategoryPasswordResetRequest  Category = "PASSWORD_RESET_REQUEST"
	CategoryPasswordResetComplete Category = "PASSWORD_RESET_COMPLETE"
	CategoryAccountLocked         Category = "ACCOUNT_LOCKED"
	CategoryAccountUnlocked       Category = "ACCOUNT_UNLOCKED"
	CategoryTokenRevoked          Category = "TOKEN_REVOKED"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryUserRegistration, CategoryEmailVerification, CategoryLoginSuccess, CategoryLoginFailure,
		CategoryPasswordChange, CategoryPasswordResetRequest, CategoryPasswordResetComplete,
		CategoryAccountLocked, CategoryAccountUnlocked, CategoryTokenRevoked:
		return true
	}
	return false
}

const MaxDescriptionLength = 1000

var (
	ErrInvalidCategory        = errors.New("invalid audit category")
	ErrDescriptionRequired    = errors.New("audit description is required")
	ErrDescriptionTooLong     = errors.New("audit description is too long")
	ErrPayloadNotSerializable = errors.New("audit payload is not serializable")
)

// Event is an immutable record of a security-relevant action. The payload is
// kept in its encoded form so readers cannot mutate it after construction.
type Event struct {
	ID          string          `json:"id"`
	Category    Category        `json:"event_type"`
	Description string          `json:"description"`
	Success     bool            `json:"success"`
	UserID      string          `json:"user_id,omitempty"`
	IPAddress   string          `json:"ip_address,omitempty"`
	ClientID    string          `json:"client_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Option func(*builder)

type builder struct {
	userID   string
	ip       string
	clientID string
	payload  map[string]any
}

func WithUser(userID string) Option {
	return func(b *builder) {
		b.userID = strings.TrimSpace(userID)
	}
}

func WithOrigin(ip, clientID string) Option {
	return func(b *builder) {
		b.ip = strings.TrimSpace(ip)
		b.clientID = strings.TrimSpace(clientID)
	}
}

// WithPayload merges fields into the event payload. Later options win on
// duplicate keys.
func WithPayload(fields map[string]any) Option {
	return func(b *builder) {
		if len(fields) == 0 {
			return
		}
		if b.payload == nil {
			b.payload = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			b.payload[k] = v
		}
	}
}

func NewEvent(category Category, description string, success bool, now time.Time, opts ...Option) (Event, error) {
	if !category.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	description = strings.TrimSpace(description)
	if description == "" {
		return Event{}, ErrDescriptionRequired
	}
	if len(description) > MaxDescriptionLength {
		return Event{}, fmt.Errorf("%w: %d characters, maximum %d", ErrDescriptionTooLong, len(description), MaxDescriptionLength)
	}

	var b builder
	for _, opt := range opts {
		opt(&b)
	}

	var payload json.RawMessage
	if len(b.payload) > 0 {
		encoded, err := json.Marshal(b.payload)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrPayloadNotSerializable, err)
		}
		payload = encoded
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, fmt.Errorf("generate audit event id: %w", err)
	}

	return Event{
		ID:          id.String(),
		Category:    category,
		Description: description,
		Success:     success,
		UserID:      b.userID,
		IPAddress:   b.ip,
		ClientID:    b.clientID,
		Payload:     payload,
		CreatedAt:   now.UTC(),
	}, nil
}

// Field decodes a single payload key.
func (e Event) Field(key string) (any, bool) {
	if len(e.Payload) == 0 {
		return nil, false
	}
	var fields map[string]any
	if err := json.Unmarshal(e.Payload, &fields); err != nil {
		return nil, false
	}
	v, ok := fields[key]
	return v, ok
}

func (e Event) Summary() string {
	status := "FAILURE"
	if e.Success {
		status = "SUCCESS"
	}
	summary := fmt.Sprintf("[%s] %s: %s", status, e.Category, e.Description)
	if e.UserID != "" {
		summary += fmt.Sprintf(" (user %s)", e.UserID)
	}
	return summary
}

// Store persists audit events. Implementations only ever append.
type Store interface {
	Append(ctx context.Context, event Event) error
}

type multiStore []Store

// Multi fans an event out to every store. All stores are attempted even when
// one of them fails.
func Multi(stores ...Store) Store {
	flat := make(multiStore, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			flat = append(flat, s)
		}
	}
	return flat
}

func (m multiStore) Append(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
