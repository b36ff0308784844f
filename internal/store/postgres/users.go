package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"directory-auth/internal/store"
	"directory-auth/internal/user"
)

const selectUser = `
	SELECT id, name, email, role, employee_id, department, job_title, is_active,
		last_login_at, profile_picture_url, phone_number, created_at, updated_at
	FROM users
`

type UserStore struct {
	db DB
}

func NewUserStore(db DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) FindByID(ctx context.Context, id string) (*user.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, selectUser+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

func (s *UserStore) FindByEmail(ctx context.Context, email string) (*user.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, selectUser+` WHERE email = $1`, user.NormalizeEmail(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return u, nil
}

// Save inserts or fully overwrites the user row.
func (s *UserStore) Save(ctx context.Context, u *user.User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (
			id, name, email, role, employee_id, department, job_title, is_active,
			last_login_at, profile_picture_url, phone_number, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			employee_id = EXCLUDED.employee_id,
			department = EXCLUDED.department,
			job_title = EXCLUDED.job_title,
			is_active = EXCLUDED.is_active,
			last_login_at = EXCLUDED.last_login_at,
			profile_picture_url = EXCLUDED.profile_picture_url,
			phone_number = EXCLUDED.phone_number,
			updated_at = EXCLUDED.updated_at
	`,
		u.ID, u.Name, u.Email, string(u.Role), u.EmployeeID, u.Department, u.JobTitle, u.IsActive,
		u.LastLoginAt, nullableString(u.ProfilePictureURL), nullableString(u.PhoneNumber), u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// Update locks the user row for the length of the transaction so concurrent
// logins and status changes apply one after the other.
func (s *UserStore) Update(ctx context.Context, id string, fn func(*user.User) error) (*user.User, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin user tx: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := scanUser(tx.QueryRow(ctx, selectUser+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("lock user row: %w", err)
	}

	if err := fn(u); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE users
		SET name = $2,
			email = $3,
			role = $4,
			employee_id = $5,
			department = $6,
			job_title = $7,
			is_active = $8,
			last_login_at = $9,
			profile_picture_url = $10,
			phone_number = $11,
			updated_at = $12
		WHERE id = $1
	`,
		id, u.Name, user.NormalizeEmail(u.Email), string(u.Role), u.EmployeeID, u.Department, u.JobTitle, u.IsActive,
		u.LastLoginAt, nullableString(u.ProfilePictureURL), nullableString(u.PhoneNumber), u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, fmt.Errorf("update user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit user tx: %w", err)
	}
	u.ID = id
	return u, nil
}

// Delete removes the user row. Credentials and tokens go with it through the
// foreign key cascade.
func (s *UserStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *UserStore) List(ctx context.Context) ([]*user.User, error) {
	rows, err := s.db.Query(ctx, selectUser+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]*user.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func scanUser(row pgx.Row) (*user.User, error) {
	var (
		u              user.User
		role           string
		lastLoginAt    *time.Time
		profilePicture *string
		phoneNumber    *string
	)
	if err := row.Scan(
		&u.ID, &u.Name, &u.Email, &role, &u.EmployeeID, &u.Department, &u.JobTitle, &u.IsActive,
		&lastLoginAt, &profilePicture, &phoneNumber, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	u.Role = user.Role(role)
	if lastLoginAt != nil {
		at := lastLoginAt.UTC()
		u.LastLoginAt = &at
	}
	u.ProfilePictureURL = stringOrEmpty(profilePicture)
	u.PhoneNumber = stringOrEmpty(phoneNumber)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}
