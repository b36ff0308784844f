package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLength is the shortest HMAC secret accepted for signing.
const MinSecretLength = 32

var (
	ErrNoSigningKey     = errors.New("no signing key configured")
	ErrWeakSecret       = errors.New("signing secret is too short")
	ErrUnknownKey       = errors.New("unknown signing key")
	ErrMalformed        = errors.New("token is malformed")
	ErrExpired          = errors.New("token is expired")
	ErrSignatureInvalid = errors.New("token signature is invalid")
	ErrInvalidExpiry    = errors.New("token expiry must be in the future")
)

type Key struct {
	ID     string
	Secret []byte
}

// KeyRing signs with the active key and verifies against every key it holds,
// which lets recently rotated keys keep validating outstanding tokens.
type KeyRing struct {
	active Key
	keys   map[string][]byte
}

func NewKeyRing(active Key, previous ...Key) (*KeyRing, error) {
	ring := &KeyRing{keys: make(map[string][]byte, len(previous)+1)}
	for i, key := range append([]Key{active}, previous...) {
		key.ID = strings.TrimSpace(key.ID)
		if key.ID == "" {
			return nil, fmt.Errorf("key %d: %w", i, ErrNoSigningKey)
		}
		if len(key.Secret) < MinSecretLength {
			return nil, fmt.Errorf("key %q: %w", key.ID, ErrWeakSecret)
		}
		if _, dup := ring.keys[key.ID]; dup {
			return nil, fmt.Errorf("duplicate signing key id %q", key.ID)
		}
		ring.keys[key.ID] = key.Secret
		if i == 0 {
			ring.active = key
		}
	}
	return ring, nil
}

// ParseKeyRing reads "kid:secret,kid:secret"; the first entry signs.
func ParseKeyRing(value string) (*KeyRing, error) {
	var keys []Key
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, secret, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("signing key %q: expected kid:secret", part)
		}
		keys = append(keys, Key{ID: id, Secret: []byte(secret)})
	}
	if len(keys) == 0 {
		return nil, ErrNoSigningKey
	}
	return NewKeyRing(keys[0], keys[1:]...)
}

func (k *KeyRing) ActiveID() string {
	return k.active.ID
}

func (k *KeyRing) lookup(id string) ([]byte, bool) {
	secret, ok := k.keys[id]
	return secret, ok
}

// Subject is the identity embedded in a token.
type Subject struct {
	UserID     string
	Email      string
	Name       string
	Role       string
	EmployeeID string
}

type Claims struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	EmployeeID string `json:"employee_id,omitempty"`
	Kind       Kind   `json:"token_kind"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() string {
	return c.Subject
}

// Issued is returned to the caller once; only its hash is ever stored.
type Issued struct {
	Token     string
	ID        string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Issuer struct {
	keys   *KeyRing
	name   string
	ttl    map[Kind]time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

type IssuerOption func(*Issuer)

func WithIssuerName(name string) IssuerOption {
	return func(i *Issuer) {
		i.name = strings.TrimSpace(name)
	}
}

func WithTTL(kind Kind, ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 && kind.Valid() {
			i.ttl[kind] = ttl
		}
	}
}

func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

func NewIssuer(keys *KeyRing, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		keys: keys,
		ttl: map[Kind]time.Duration{
			KindAccess:  DefaultAccessTTL,
			KindRefresh: DefaultRefreshTTL,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.name != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(i.name))
	}
	i.parser = jwt.NewParser(parserOpts...)
	return i
}

func (i *Issuer) TTL(kind Kind) time.Duration {
	return i.ttl[kind]
}

// Issue signs a token for subject. customExpiry, when set, overrides the
// kind's lifetime.
func (i *Issuer) Issue(subject Subject, kind Kind, customExpiry *time.Time) (Issued, error) {
	if !kind.Valid() {
		return Issued{}, ErrInvalidKind
	}
	if strings.TrimSpace(subject.UserID) == "" {
		return Issued{}, ErrUserIDRequired
	}

	now := i.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(i.ttl[kind])
	if customExpiry != nil {
		expiresAt = customExpiry.UTC().Truncate(time.Second)
		if !expiresAt.After(now) {
			return Issued{}, ErrInvalidExpiry
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Issued{}, fmt.Errorf("generate token id: %w", err)
	}

	claims := Claims{
		Email:      subject.Email,
		Name:       subject.Name,
		Role:       subject.Role,
		EmployeeID: subject.EmployeeID,
		Kind:       kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.String(),
			Subject:   subject.UserID,
			Issuer:    i.name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = i.keys.active.ID
	signed, err := tok.SignedString(i.keys.active.Secret)
	if err != nil {
		return Issued{}, fmt.Errorf("sign token: %w", err)
	}

	return Issued{
		Token:     signed,
		ID:        id.String(),
		Kind:      kind,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}

// Parse verifies the signature and expiry of raw and returns its claims.
func (i *Issuer) Parse(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrTokenRequired
	}

	claims := &Claims{}
	_, err := i.parser.ParseWithClaims(raw, claims, i.keyFunc)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, ErrUnknownKey):
			return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, ErrUnknownKey)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignatureInvalid
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if !claims.Kind.Valid() {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, ErrInvalidKind)
	}
	return claims, nil
}

func (i *Issuer) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	secret, ok := i.keys.lookup(kid)
	if !ok {
		return nil, ErrUnknownKey
	}
	return secret, nil
}
