package auth

import (
	"context"
	"time"

	"directory-auth/internal/credential"
	"directory-auth/internal/store"
	"directory-auth/internal/token"
	"directory-auth/internal/user"
)

// UserStore persists directory entries. Update runs fn while holding the
// user's lock, writes the result back unless fn returns an error and returns
// the stored copy.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*user.User, error)
	FindByEmail(ctx context.Context, email string) (*user.User, error)
	Save(ctx context.Context, u *user.User) error
	Update(ctx context.Context, id string, fn func(*user.User) error) (*user.User, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*user.User, error)
}

// CredentialStore persists one credential record per user. Update runs fn
// while holding the record's lock and writes the result back unless fn
// returns an error.
type CredentialStore interface {
	FindByUserID(ctx context.Context, userID string) (*credential.Record, error)
	Save(ctx context.Context, rec *credential.Record) error
	Update(ctx context.Context, userID string, fn func(*credential.Record) error) error
	CountLocked(ctx context.Context, now time.Time) (int, error)
	CountWithFailures(ctx context.Context) (int, error)
}

// TokenStore persists token records indexed by id, hash and owning user.
type TokenStore interface {
	Save(ctx context.Context, rec *token.Record) error
	FindByHash(ctx context.Context, hash string) (*token.Record, error)
	FindAllByUser(ctx context.Context, userID string) ([]*token.Record, error)
	Update(ctx context.Context, id string, fn func(*token.Record) error) error
	DeleteByID(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	DeleteRevokedBefore(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context, now time.Time) (store.TokenStats, error)
}
