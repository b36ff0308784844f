package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"directory-auth/internal/store"
	"directory-auth/internal/token"
)

const selectToken = `
	SELECT id, user_id, token_hash, kind, expires_at, revoked, revoked_at, revoked_reason,
		ip_address, client_id, created_at, updated_at
	FROM auth_tokens
`

type TokenStore struct {
	db        DB
	batchSize int
}

func NewTokenStore(db DB, batchSize int) *TokenStore {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &TokenStore{db: db, batchSize: batchSize}
}

func (s *TokenStore) Save(ctx context.Context, rec *token.Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO auth_tokens (
			id, user_id, token_hash, kind, expires_at, revoked, revoked_at, revoked_reason,
			ip_address, client_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		rec.ID, rec.UserID, rec.TokenHash, string(rec.Kind), rec.ExpiresAt, rec.Revoked, rec.RevokedAt,
		nullableString(rec.RevokedReason), nullableString(rec.IPAddress), nullableString(rec.ClientID),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *TokenStore) FindByHash(ctx context.Context, hash string) (*token.Record, error) {
	rec, err := scanToken(s.db.QueryRow(ctx, selectToken+` WHERE token_hash = $1`, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query token by hash: %w", err)
	}
	return rec, nil
}

func (s *TokenStore) FindAllByUser(ctx context.Context, userID string) ([]*token.Record, error) {
	rows, err := s.db.Query(ctx, selectToken+` WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user tokens: %w", err)
	}
	defer rows.Close()

	records := make([]*token.Record, 0)
	for rows.Next() {
		rec, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user tokens: %w", err)
	}
	return records, nil
}

// Update locks the token row for the duration of fn. Only the mutable
// lifecycle columns are written back.
func (s *TokenStore) Update(ctx context.Context, id string, fn func(*token.Record) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin token tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanToken(tx.QueryRow(ctx, selectToken+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("lock token row: %w", err)
	}

	if err := fn(rec); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE auth_tokens
		SET expires_at = $2,
			revoked = $3,
			revoked_at = COALESCE(revoked_at, $4),
			revoked_reason = COALESCE(revoked_reason, $5),
			updated_at = $6
		WHERE id = $1
	`, id, rec.ExpiresAt, rec.Revoked, rec.RevokedAt, nullableString(rec.RevokedReason), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit token tx: %w", err)
	}
	return nil
}

func (s *TokenStore) DeleteByID(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM auth_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := deleteInBatches(ctx, s.db, `
		WITH stale AS (
			SELECT id
			FROM auth_tokens
			WHERE revoked = FALSE AND expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM auth_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now.UTC(), s.batchSize)
	if err != nil {
		return n, fmt.Errorf("delete expired tokens: %w", err)
	}
	return n, nil
}

func (s *TokenStore) DeleteRevokedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := deleteInBatches(ctx, s.db, `
		WITH stale AS (
			SELECT id
			FROM auth_tokens
			WHERE revoked = TRUE AND revoked_at < $1
			ORDER BY revoked_at ASC
			LIMIT $2
		)
		DELETE FROM auth_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff.UTC(), s.batchSize)
	if err != nil {
		return n, fmt.Errorf("delete revoked tokens: %w", err)
	}
	return n, nil
}

func (s *TokenStore) Stats(ctx context.Context, now time.Time) (store.TokenStats, error) {
	var stats store.TokenStats
	err := s.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE revoked = FALSE AND expires_at > $1),
			COUNT(*) FILTER (WHERE revoked = FALSE AND expires_at <= $1),
			COUNT(*) FILTER (WHERE revoked = TRUE),
			COUNT(*) FILTER (WHERE kind = 'ACCESS'),
			COUNT(*) FILTER (WHERE kind = 'REFRESH')
		FROM auth_tokens
	`, now.UTC()).Scan(&stats.Total, &stats.Active, &stats.Expired, &stats.Revoked, &stats.Access, &stats.Refresh)
	if err != nil {
		return store.TokenStats{}, fmt.Errorf("token stats: %w", err)
	}
	return stats, nil
}

func scanToken(row pgx.Row) (*token.Record, error) {
	var (
		rec           token.Record
		kind          string
		revokedAt     *time.Time
		revokedReason *string
		ipAddress     *string
		clientID      *string
	)
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.TokenHash, &kind, &rec.ExpiresAt, &rec.Revoked, &revokedAt, &revokedReason,
		&ipAddress, &clientID, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Kind = token.Kind(kind)
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	if revokedAt != nil {
		at := revokedAt.UTC()
		rec.RevokedAt = &at
	}
	rec.RevokedReason = stringOrEmpty(revokedReason)
	rec.IPAddress = stringOrEmpty(ipAddress)
	rec.ClientID = stringOrEmpty(clientID)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
