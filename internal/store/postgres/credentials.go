package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"directory-auth/internal/credential"
	"directory-auth/internal/store"
)

const selectCredential = `
	SELECT id, user_id, password_hash, hash_cost, password_changed_at, failed_attempts,
		locked_until, must_change_password, created_at, updated_at
	FROM credentials
`

type CredentialStore struct {
	db DB
}

func NewCredentialStore(db DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) FindByUserID(ctx context.Context, userID string) (*credential.Record, error) {
	rec, err := scanCredential(s.db.QueryRow(ctx, selectCredential+` WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	return rec, nil
}

func (s *CredentialStore) Save(ctx context.Context, rec *credential.Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO credentials (
			id, user_id, password_hash, hash_cost, password_changed_at, failed_attempts,
			locked_until, must_change_password, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		rec.ID, rec.UserID, rec.PasswordHash, rec.HashCost, rec.PasswordChangedAt, rec.FailedAttempts,
		rec.LockedUntil, rec.MustChangePassword, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert credentials: %w", err)
	}
	return nil
}

// Update locks the row with SELECT ... FOR UPDATE so concurrent verifications
// of the same user serialize and no failed attempt is lost.
func (s *CredentialStore) Update(ctx context.Context, userID string, fn func(*credential.Record) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin credential tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanCredential(tx.QueryRow(ctx, selectCredential+` WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("lock credential row: %w", err)
	}

	if err := fn(rec); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE credentials
		SET password_hash = $2,
			hash_cost = $3,
			password_changed_at = $4,
			failed_attempts = $5,
			locked_until = $6,
			must_change_password = $7,
			updated_at = $8
		WHERE user_id = $1
	`,
		userID, rec.PasswordHash, rec.HashCost, rec.PasswordChangedAt, rec.FailedAttempts,
		rec.LockedUntil, rec.MustChangePassword, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit credential tx: %w", err)
	}
	return nil
}

func (s *CredentialStore) CountLocked(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM credentials WHERE locked_until > $1`, now.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count locked credentials: %w", err)
	}
	return count, nil
}

func (s *CredentialStore) CountWithFailures(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM credentials WHERE failed_attempts > 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count credentials with failures: %w", err)
	}
	return count, nil
}

func scanCredential(row pgx.Row) (*credential.Record, error) {
	var (
		rec         credential.Record
		lockedUntil *time.Time
	)
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.PasswordHash, &rec.HashCost, &rec.PasswordChangedAt, &rec.FailedAttempts,
		&lockedUntil, &rec.MustChangePassword, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lockedUntil != nil {
		until := lockedUntil.UTC()
		rec.LockedUntil = &until
	}
	rec.PasswordChangedAt = rec.PasswordChangedAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
