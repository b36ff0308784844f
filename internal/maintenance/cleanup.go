package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"directory-auth/internal/observability"
)

// TokenJanitor is the slice of the auth service that deletes dead token
// records.
type TokenJanitor interface {
	CleanupExpiredTokens(ctx context.Context) (int, error)
	PurgeRevokedTokens(ctx context.Context, olderThan time.Duration) (int, error)
}

// StaleLimitStore is implemented by rate limit backends that persist rows and
// need them pruned.
type StaleLimitStore interface {
	DeleteStale(ctx context.Context, cutoff time.Time) (int, error)
}

type Result struct {
	ExpiredTokens     int `json:"deleted_expired_tokens"`
	RevokedTokens     int `json:"deleted_revoked_tokens"`
	StaleRateLimitIPs int `json:"deleted_rate_limit_rows"`
}

type Cleaner struct {
	tokens           TokenJanitor
	limits           StaleLimitStore
	logger           *observability.Logger
	revokedRetention time.Duration
	limitRetention   time.Duration
	now              func() time.Time
}

type Option func(*Cleaner)

func WithStaleLimits(store StaleLimitStore, retention time.Duration) Option {
	return func(c *Cleaner) {
		c.limits = store
		if retention > 0 {
			c.limitRetention = retention
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCleaner(tokens TokenJanitor, logger *observability.Logger, revokedRetention time.Duration, opts ...Option) *Cleaner {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	c := &Cleaner{
		tokens:           tokens,
		logger:           logger,
		revokedRetention: revokedRetention,
		limitRetention:   24 * time.Hour,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunOnce runs every cleanup step even when an earlier one fails and returns
// the joined errors alongside whatever was deleted.
func (c *Cleaner) RunOnce(ctx context.Context) (Result, error) {
	var (
		result Result
		errs   []error
		err    error
	)

	if result.ExpiredTokens, err = c.tokens.CleanupExpiredTokens(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cleanup expired tokens: %w", err))
	}
	if result.RevokedTokens, err = c.tokens.PurgeRevokedTokens(ctx, c.revokedRetention); err != nil {
		errs = append(errs, fmt.Errorf("purge revoked tokens: %w", err))
	}
	if c.limits != nil {
		cutoff := c.now().UTC().Add(-c.limitRetention)
		if result.StaleRateLimitIPs, err = c.limits.DeleteStale(ctx, cutoff); err != nil {
			errs = append(errs, fmt.Errorf("delete stale rate limits: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		return result, err
	}

	c.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_expired_tokens":  result.ExpiredTokens,
		"deleted_revoked_tokens":  result.RevokedTokens,
		"deleted_rate_limit_rows": result.StaleRateLimitIPs,
	})
	return result, nil
}
