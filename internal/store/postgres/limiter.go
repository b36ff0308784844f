package postgres

import (
	"context"
	"fmt"
	"time"

	"directory-auth/internal/store"
)

// LoginLimiter is a fixed-window per-IP counter shared by every instance
// that talks to the same database.
type LoginLimiter struct {
	db      DB
	maxHits int
	window  time.Duration
}

func NewLoginLimiter(db DB, maxHits int, window time.Duration) *LoginLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &LoginLimiter{db: db, maxHits: maxHits, window: window}
}

func (l *LoginLimiter) Allow(ctx context.Context, ip string, now time.Time) (bool, time.Duration, error) {
	now = now.UTC()
	threshold := now.Add(-l.window)

	var hits int
	var windowStartedAt time.Time
	err := l.db.QueryRow(ctx, `
		WITH upsert AS (
			INSERT INTO auth_login_ip_limits (ip, window_started_at, hits, updated_at)
			VALUES ($1, $2, 1, $2)
			ON CONFLICT (ip) DO UPDATE
			SET
				hits = CASE
					WHEN auth_login_ip_limits.window_started_at <= $3 THEN 1
					ELSE auth_login_ip_limits.hits + 1
				END,
				window_started_at = CASE
					WHEN auth_login_ip_limits.window_started_at <= $3 THEN $2
					ELSE auth_login_ip_limits.window_started_at
				END,
				updated_at = $2
			RETURNING hits, window_started_at
		)
		SELECT hits, window_started_at FROM upsert
	`, ip, now, threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert login ip rate limit: %w", err)
	}

	if hits <= l.maxHits {
		return true, 0, nil
	}

	return false, store.RetryAfter(windowStartedAt, l.window, now), nil
}

// DeleteStale drops rate-limit rows untouched since cutoff.
func (l *LoginLimiter) DeleteStale(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := deleteInBatches(ctx, l.db, `
		WITH stale AS (
			SELECT ip
			FROM auth_login_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_ip_limits t
		USING stale
		WHERE t.ip = stale.ip
	`, cutoff.UTC(), defaultBatchSize)
	if err != nil {
		return n, fmt.Errorf("delete stale login ip limits: %w", err)
	}
	return n, nil
}
