package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"directory-auth/internal/audit"
	"directory-auth/internal/credential"
	"directory-auth/internal/store"
	"directory-auth/internal/token"
	"directory-auth/internal/user"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

var userColumns = []string{
	"id", "name", "email", "role", "employee_id", "department", "job_title", "is_active",
	"last_login_at", "profile_picture_url", "phone_number", "created_at", "updated_at",
}

func TestUserStore_FindByEmail(t *testing.T) {
	mock := newMock(t)
	s := NewUserStore(mock)

	lastLogin := now.Add(-time.Hour)
	mock.ExpectQuery(`FROM users\s+WHERE email = \$1`).
		WithArgs("ana@example.com").
		WillReturnRows(pgxmock.NewRows(userColumns).AddRow(
			"user-1", "Ana Silva", "ana@example.com", "SalesManager", "1042", "Sales", "Account Manager", true,
			&lastLogin, nil, nil, now, now,
		))

	u, err := s.FindByEmail(context.Background(), " Ana@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.ID)
	assert.Equal(t, user.RoleSalesManager, u.Role)
	assert.True(t, u.IsActive)
	require.NotNil(t, u.LastLoginAt)
	assert.Equal(t, lastLogin, *u.LastLoginAt)
	assert.Empty(t, u.PhoneNumber)
}

func TestUserStore_NotFoundAndDuplicate(t *testing.T) {
	mock := newMock(t)
	s := NewUserStore(mock)

	mock.ExpectQuery(`FROM users\s+WHERE id = \$1`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	_, err := s.FindByID(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(anyArgs(13)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"})
	err = s.Save(context.Background(), &user.User{ID: "user-2", Email: "ana@example.com", Role: user.RoleSalesManager})
	require.ErrorIs(t, err, store.ErrDuplicate)
}

func TestUserStore_List(t *testing.T) {
	mock := newMock(t)
	s := NewUserStore(mock)

	mock.ExpectQuery(`FROM users\s+ORDER BY created_at ASC`).
		WillReturnRows(pgxmock.NewRows(userColumns).
			AddRow("user-1", "Ana Silva", "ana@example.com", "SalesManager", "1042", "Sales", "Account Manager", true, nil, nil, nil, now, now).
			AddRow("user-2", "Bruno Lima", "bruno@example.com", "SolutionArchitect", "1043", "Engineering", "Architect", false, nil, nil, nil, now, now))

	users, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, user.RoleSolutionArchitect, users[1].Role)
}

func TestUserStore_UpdateLocksRow(t *testing.T) {
	mock := newMock(t)
	s := NewUserStore(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM users\s+WHERE id = \$1 FOR UPDATE`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows(userColumns).AddRow(
			"user-1", "Ana Silva", "ana@example.com", "SalesManager", "1042", "Sales", "Account Manager", true,
			nil, nil, nil, now, now,
		))
	mock.ExpectExec(`UPDATE users`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	u, err := s.Update(context.Background(), "user-1", func(u *user.User) error {
		u.Deactivate(now)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, u.IsActive)
}

func TestUserStore_UpdateAbortsOnError(t *testing.T) {
	mock := newMock(t)
	s := NewUserStore(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows(userColumns).AddRow(
			"user-1", "Ana Silva", "ana@example.com", "SalesManager", "1042", "Sales", "Account Manager", false,
			nil, nil, nil, now, now,
		))
	mock.ExpectRollback()

	_, err := s.Update(context.Background(), "user-1", func(*user.User) error { return assert.AnError })
	require.ErrorIs(t, err, assert.AnError)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err = s.Update(context.Background(), "missing", func(*user.User) error { return nil })
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUserStore_Delete(t *testing.T) {
	mock := newMock(t)
	s := NewUserStore(mock)

	mock.ExpectExec(`DELETE FROM users WHERE id = \$1`).
		WithArgs("user-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, s.Delete(context.Background(), "user-1"))

	mock.ExpectExec(`DELETE FROM users`).
		WithArgs("user-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, s.Delete(context.Background(), "user-1"), store.ErrNotFound)
}

var credentialColumns = []string{
	"id", "user_id", "password_hash", "hash_cost", "password_changed_at", "failed_attempts",
	"locked_until", "must_change_password", "created_at", "updated_at",
}

func TestCredentialStore_UpdateLocksRow(t *testing.T) {
	mock := newMock(t)
	s := NewCredentialStore(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM credentials\s+WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows(credentialColumns).
			AddRow("cred-1", "user-1", "$2a$12$hash", 12, now, 2, nil, false, now, now))
	mock.ExpectExec(`UPDATE credentials`).
		WithArgs("user-1", "$2a$12$hash", 12, now, 3, pgxmock.AnyArg(), false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.Update(context.Background(), "user-1", func(rec *credential.Record) error {
		assert.Nil(t, rec.LockedUntil)
		rec.FailedAttempts++
		return nil
	})
	require.NoError(t, err)
}

func TestCredentialStore_UpdateAborts(t *testing.T) {
	mock := newMock(t)
	s := NewCredentialStore(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows(credentialColumns).
			AddRow("cred-1", "user-1", "$2a$12$hash", 12, now, 0, nil, false, now, now))
	mock.ExpectRollback()

	err := s.Update(context.Background(), "user-1", func(*credential.Record) error { return assert.AnError })
	require.ErrorIs(t, err, assert.AnError)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err = s.Update(context.Background(), "missing", func(*credential.Record) error { return nil })
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCredentialStore_Counts(t *testing.T) {
	mock := newMock(t)
	s := NewCredentialStore(mock)

	mock.ExpectQuery(`locked_until > \$1`).WithArgs(now).WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`failed_attempts > 0`).WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(5))

	locked, err := s.CountLocked(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, locked)

	failing, err := s.CountWithFailures(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, failing)
}

var tokenColumns = []string{
	"id", "user_id", "token_hash", "kind", "expires_at", "revoked", "revoked_at", "revoked_reason",
	"ip_address", "client_id", "created_at", "updated_at",
}

func TestTokenStore_FindByHash(t *testing.T) {
	mock := newMock(t)
	s := NewTokenStore(mock, 0)

	ip := "10.0.0.1"
	mock.ExpectQuery(`FROM auth_tokens\s+WHERE token_hash = \$1`).
		WithArgs(token.Hash("raw")).
		WillReturnRows(pgxmock.NewRows(tokenColumns).
			AddRow("tok-1", "user-1", token.Hash("raw"), "ACCESS", now.Add(time.Hour), false, nil, nil, &ip, nil, now, now))

	rec, err := s.FindByHash(context.Background(), token.Hash("raw"))
	require.NoError(t, err)
	assert.Equal(t, token.KindAccess, rec.Kind)
	assert.Equal(t, "10.0.0.1", rec.IPAddress)
	assert.Empty(t, rec.ClientID)
	assert.Equal(t, token.VerdictValid, rec.Check("raw", now))
}

func TestTokenStore_UpdateRevokes(t *testing.T) {
	mock := newMock(t)
	s := NewTokenStore(mock, 0)
	expires := now.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM auth_tokens\s+WHERE id = \$1 FOR UPDATE`).
		WithArgs("tok-1").
		WillReturnRows(pgxmock.NewRows(tokenColumns).
			AddRow("tok-1", "user-1", "hash", "REFRESH", expires, false, nil, nil, nil, nil, now, now))
	mock.ExpectExec(`UPDATE auth_tokens`).
		WithArgs("tok-1", expires, true, pgxmock.AnyArg(), "User logout", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.Update(context.Background(), "tok-1", func(rec *token.Record) error {
		assert.True(t, rec.Revoke("User logout", now))
		return nil
	})
	require.NoError(t, err)
}

func TestTokenStore_DeleteInBatches(t *testing.T) {
	mock := newMock(t)
	s := NewTokenStore(mock, 2)

	mock.ExpectExec(`DELETE FROM auth_tokens t`).WithArgs(now, 2).WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`DELETE FROM auth_tokens t`).WithArgs(now, 2).WillReturnResult(pgxmock.NewResult("DELETE", 1))

	n, err := s.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	cutoff := now.Add(-7 * 24 * time.Hour)
	mock.ExpectExec(`revoked = TRUE AND revoked_at < \$1`).WithArgs(cutoff, 2).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	n, err = s.DeleteRevokedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)

	mock.ExpectExec(`DELETE FROM auth_tokens WHERE id = \$1`).WithArgs("gone").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, s.DeleteByID(context.Background(), "gone"), store.ErrNotFound)
}

func TestTokenStore_Stats(t *testing.T) {
	mock := newMock(t)
	s := NewTokenStore(mock, 0)

	mock.ExpectQuery(`FROM auth_tokens`).
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"total", "active", "expired", "revoked", "access", "refresh"}).
			AddRow(10, 6, 3, 1, 5, 5))

	stats, err := s.Stats(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, store.TokenStats{Total: 10, Active: 6, Expired: 3, Revoked: 1, Access: 5, Refresh: 5}, stats)
}

func TestAuditStore_Append(t *testing.T) {
	mock := newMock(t)
	s := NewAuditStore(mock)

	event, err := audit.NewEvent(audit.CategoryLoginFailure, "Login failed: invalid password", false, now,
		audit.WithUser("user-1"),
		audit.WithPayload(map[string]any{"failure_reason": "invalid_password"}),
	)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(event.ID, "LOGIN_FAILURE", "Login failed: invalid password", false, "user-1", nil, nil, pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Append(context.Background(), event))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, "invalid_password", payload["failure_reason"])
}

func TestLoginLimiter_Allow(t *testing.T) {
	mock := newMock(t)
	l := NewLoginLimiter(mock, 10, time.Minute)

	mock.ExpectQuery(`INSERT INTO auth_login_ip_limits`).
		WithArgs("198.51.100.1", now, now.Add(-time.Minute)).
		WillReturnRows(pgxmock.NewRows([]string{"hits", "window_started_at"}).AddRow(3, now.Add(-10*time.Second)))
	allowed, _, err := l.Allow(context.Background(), "198.51.100.1", now)
	require.NoError(t, err)
	assert.True(t, allowed)

	mock.ExpectQuery(`INSERT INTO auth_login_ip_limits`).
		WithArgs("198.51.100.1", now, now.Add(-time.Minute)).
		WillReturnRows(pgxmock.NewRows([]string{"hits", "window_started_at"}).AddRow(11, now.Add(-20*time.Second)))
	allowed, retryAfter, err := l.Allow(context.Background(), "198.51.100.1", now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 40*time.Second, retryAfter)
}
