// Package directory is the administrative surface over the user directory.
// Credential and token changes are delegated to the auth service so they stay
// audited and serialized in one place.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"directory-auth/internal/audit"
	"directory-auth/internal/auth"
	"directory-auth/internal/observability"
	"directory-auth/internal/store"
	"directory-auth/internal/user"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email is already registered")
	ErrInvalidInput = errors.New("invalid input")
)

// Accounts is the part of the auth service the directory drives.
type Accounts interface {
	EnrollCredentials(ctx context.Context, userID, password string, mustChange bool) error
	ResetPassword(ctx context.Context, userID, newPassword string) error
	UnlockAccount(ctx context.Context, userID string) error
	ForcePasswordChange(ctx context.Context, userID string) error
	RevokeAllUserTokens(ctx context.Context, userID, reason string) (int, error)
	Statistics(ctx context.Context) (auth.Statistics, error)
}

type Service struct {
	users    auth.UserStore
	accounts Accounts
	audit    *audit.Emitter
	logger   *observability.Logger
	now      func() time.Time
}

func NewService(users auth.UserStore, accounts Accounts, emitter *audit.Emitter, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if emitter == nil {
		emitter = audit.NewEmitter(nil, logger)
	}
	return &Service{users: users, accounts: accounts, audit: emitter, logger: logger, now: time.Now}
}

type ProvisionInput struct {
	User               user.Input
	Password           string
	MustChangePassword bool
}

// Provision creates a directory entry and its credentials. The user row is
// written first so the credential's foreign key holds; a rejected password
// removes it again.
func (s *Service) Provision(ctx context.Context, in ProvisionInput) (*user.User, error) {
	u, err := user.New(in.User, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	if _, err := s.users.FindByEmail(ctx, u.Email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup email: %w", err)
	}

	if err := s.users.Save(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("save user: %w", err)
	}

	if err := s.accounts.EnrollCredentials(ctx, u.ID, in.Password, in.MustChangePassword); err != nil {
		if derr := s.users.Delete(ctx, u.ID); derr != nil {
			s.logger.Error("provision_rollback_failed", map[string]any{"user_id": u.ID, "error": derr.Error()})
		}
		return nil, s.translate(err)
	}

	s.audit.Emit(ctx, audit.CategoryUserRegistration, "User provisioned", true,
		audit.WithUser(u.ID),
		audit.WithPayload(map[string]any{
			"role":                 string(u.Role),
			"active":               u.IsActive,
			"must_change_password": in.MustChangePassword,
		}),
	)
	s.logger.Info("user_provisioned", map[string]any{
		"user_id": u.ID,
		"email":   observability.MaskEmail(u.Email),
		"role":    string(u.Role),
	})
	return u, nil
}

func (s *Service) List(ctx context.Context) ([]*user.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (s *Service) Get(ctx context.Context, id string) (*user.User, error) {
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func (s *Service) Activate(ctx context.Context, id string) (*user.User, error) {
	changed := false
	u, err := s.users.Update(ctx, id, func(cur *user.User) error {
		if cur.IsActive {
			return nil
		}
		cur.Activate(s.now())
		changed = true
		return nil
	})
	if err != nil {
		return nil, storeError("activate user", err)
	}

	if changed {
		s.audit.Emit(ctx, audit.CategoryEmailVerification, "Account activated by administrator", true, audit.WithUser(u.ID))
	}
	return u, nil
}

// Deactivate blocks future logins and revokes every outstanding token. The
// flag is flipped under the user's lock before revoking, so a login racing it
// either fails or has its tokens revoked here.
func (s *Service) Deactivate(ctx context.Context, id string) (*user.User, int, error) {
	u, err := s.users.Update(ctx, id, func(cur *user.User) error {
		if cur.IsActive {
			cur.Deactivate(s.now())
		}
		return nil
	})
	if err != nil {
		return nil, 0, storeError("deactivate user", err)
	}

	revoked, err := s.accounts.RevokeAllUserTokens(ctx, u.ID, auth.ReasonAccountDeactivate)
	if err != nil {
		return u, 0, s.translate(err)
	}

	s.logger.Info("user_deactivated", map[string]any{"user_id": u.ID, "revoked_tokens": revoked})
	return u, revoked, nil
}

func (s *Service) Unlock(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.translate(s.accounts.UnlockAccount(ctx, id))
}

func (s *Service) ForcePasswordChange(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.translate(s.accounts.ForcePasswordChange(ctx, id))
}

func (s *Service) ResetPassword(ctx context.Context, id, password string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.translate(s.accounts.ResetPassword(ctx, id, password))
}

func (s *Service) RevokeTokens(ctx context.Context, id string) (int, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return 0, err
	}
	count, err := s.accounts.RevokeAllUserTokens(ctx, id, auth.ReasonSecurity)
	if err != nil {
		return 0, s.translate(err)
	}
	return count, nil
}

func (s *Service) Stats(ctx context.Context) (auth.Statistics, error) {
	stats, err := s.accounts.Statistics(ctx)
	if err != nil {
		return auth.Statistics{}, s.translate(err)
	}
	return stats, nil
}

type BootstrapInput struct {
	Email      string
	Password   string
	Name       string
	EmployeeID string
}

// BootstrapAdmin makes sure one active administrator exists. An existing
// account with the same email is reactivated and its password reset.
func (s *Service) BootstrapAdmin(ctx context.Context, in BootstrapInput) error {
	email := user.NormalizeEmail(in.Email)
	password := strings.TrimSpace(in.Password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return errors.New("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	existing, err := s.users.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_, err := s.Provision(ctx, ProvisionInput{
			User: user.Input{
				Name:       in.Name,
				Email:      email,
				Role:       user.RoleSolutionArchitect,
				EmployeeID: in.EmployeeID,
				Department: "Administration",
				JobTitle:   "Administrator",
				Active:     true,
			},
			Password: password,
		})
		if err != nil {
			return fmt.Errorf("provision admin: %w", err)
		}
		s.logger.Info("admin_bootstrapped", map[string]any{"email": observability.MaskEmail(email)})
		return nil
	case err != nil:
		return fmt.Errorf("lookup admin: %w", err)
	}

	if !existing.IsActive {
		if _, err := s.Activate(ctx, existing.ID); err != nil {
			return fmt.Errorf("activate admin: %w", err)
		}
	}

	err = s.accounts.ResetPassword(ctx, existing.ID, password)
	if auth.CodeOf(err) == auth.CodeNotFound {
		err = s.accounts.EnrollCredentials(ctx, existing.ID, password, false)
	}
	if err != nil {
		return fmt.Errorf("reset admin password: %w", s.translate(err))
	}

	s.logger.Info("admin_bootstrap_refreshed", map[string]any{"user_id": existing.ID})
	return nil
}

func storeError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrUserNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// translate maps auth errors onto the directory's sentinels so handlers deal
// with one error family.
func (s *Service) translate(err error) error {
	if err == nil {
		return nil
	}
	switch auth.CodeOf(err) {
	case auth.CodeNotFound:
		return ErrUserNotFound
	case auth.CodeInvalidRequest:
		return fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
	default:
		return err
	}
}
