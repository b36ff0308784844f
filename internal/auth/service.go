package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"directory-auth/internal/audit"
	"directory-auth/internal/credential"
	"directory-auth/internal/observability"
	"directory-auth/internal/store"
	"directory-auth/internal/token"
	"directory-auth/internal/user"
)

const (
	ReasonUserLogout        = "User logout"
	ReasonSecurity          = "Security revocation"
	ReasonTokenRotated      = "Token rotated"
	ReasonPasswordChanged   = "Password changed"
	ReasonPasswordReset     = "Password reset"
	ReasonAccountDeactivate = "Account deactivated"
)

// errNoChange aborts a store update without writing.
var (
	errNoChange            = errors.New("no change")
	errDeactivatedMidLogin = errors.New("user deactivated during login")
)

type Deps struct {
	Users       UserStore
	Credentials CredentialStore
	Tokens      TokenStore
	Manager     *credential.Manager
	Issuer      *token.Issuer
	Audit       *audit.Emitter
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// Service sequences login, token validation, logout and revocation. It keeps
// no record state between calls; every operation re-reads from the stores.
type Service struct {
	users       UserStore
	credentials CredentialStore
	tokens      TokenStore
	manager     *credential.Manager
	issuer      *token.Issuer
	audit       *audit.Emitter
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	now         func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func NewService(deps Deps, opts ...Option) (*Service, error) {
	if deps.Users == nil || deps.Credentials == nil || deps.Tokens == nil {
		return nil, errors.New("user, credential and token stores are required")
	}
	if deps.Manager == nil || deps.Issuer == nil {
		return nil, errors.New("credential manager and token issuer are required")
	}

	s := &Service{
		users:       deps.Users,
		credentials: deps.Credentials,
		tokens:      deps.Tokens,
		manager:     deps.Manager,
		issuer:      deps.Issuer,
		audit:       deps.Audit,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer("directory-auth/auth"),
		now:         time.Now,
	}
	if s.logger == nil {
		s.logger = observability.NewNopLogger()
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics()
	}
	if s.audit == nil {
		s.audit = audit.NewEmitter(nil, s.logger)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authenticate verifies email and password and issues an access and refresh
// token pair. Every failure is audited with its true reason while the caller
// only sees the error's safe message.
func (s *Service) Authenticate(ctx context.Context, email, password string, origin Origin) (result LoginResult, err error) {
	ctx, done := s.start(ctx, "authenticate")
	defer done(&err)

	email = user.NormalizeEmail(email)
	u, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, s.loginFailed(ctx, "", email, origin, newError(CodeInvalidCredentials, "user_not_found"), nil)
		}
		return LoginResult{}, s.internal(ctx, "authenticate", audit.CategoryLoginFailure, "", origin, fmt.Errorf("find user: %w", err))
	}

	if !u.IsActive {
		return LoginResult{}, s.loginFailed(ctx, u.ID, email, origin, newError(CodeAccountNotActivated, "account_not_activated"), nil)
	}

	var (
		outcome    credential.Outcome
		mustChange bool
	)
	err = s.credentials.Update(ctx, u.ID, func(rec *credential.Record) error {
		out, verr := s.manager.Verify(rec, password)
		outcome = out
		mustChange = rec.MustChangePassword
		return verr
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, s.loginFailed(ctx, u.ID, email, origin, newError(CodeInvalidCredentials, "credentials_missing"), nil)
		}
		return LoginResult{}, s.internal(ctx, "authenticate", audit.CategoryLoginFailure, u.ID, origin, fmt.Errorf("verify credentials: %w", err))
	}

	switch outcome.Status {
	case credential.StatusLocked:
		return LoginResult{}, s.loginFailed(ctx, u.ID, email, origin, lockedError(*outcome.LockedUntil), map[string]any{
			"failed_attempts": outcome.FailedAttempts,
		})
	case credential.StatusRejected:
		if outcome.LockTriggered {
			s.accountLocked(ctx, u.ID, origin, outcome)
		}
		return LoginResult{}, s.loginFailed(ctx, u.ID, email, origin, newError(CodeInvalidCredentials, "invalid_password"), map[string]any{
			"failed_attempts": outcome.FailedAttempts,
		})
	}

	access, refresh, err := s.issuePair(ctx, subjectOf(u), origin)
	if err != nil {
		return LoginResult{}, s.internal(ctx, "authenticate", audit.CategoryLoginFailure, u.ID, origin, err)
	}

	var previous *time.Time
	updated, err := s.users.Update(ctx, u.ID, func(cur *user.User) error {
		if !cur.IsActive {
			return errDeactivatedMidLogin
		}
		previous = cur.TouchLogin(s.now())
		return nil
	})
	if err != nil {
		s.discard(ctx, access.ID, refresh.ID)
		if errors.Is(err, errDeactivatedMidLogin) || errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, s.loginFailed(ctx, u.ID, email, origin, newError(CodeAccountNotActivated, "account_deactivated"), nil)
		}
		return LoginResult{}, s.internal(ctx, "authenticate", audit.CategoryLoginFailure, u.ID, origin, fmt.Errorf("record last login: %w", err))
	}
	u = updated

	s.audit.Emit(ctx, audit.CategoryLoginSuccess, "Login successful", true,
		audit.WithUser(u.ID),
		originOption(origin),
		audit.WithPayload(map[string]any{
			"token_id":             access.ID,
			"refresh_token_id":     refresh.ID,
			"must_change_password": mustChange,
			"device":               origin.Device,
		}),
	)
	s.metrics.LoginAttempts.WithLabelValues("success").Inc()
	s.logger.Info("login_succeeded", map[string]any{
		"user_id":  u.ID,
		"email":    observability.MaskEmail(email),
		"ip":       origin.IP,
		"token_id": access.ID,
	})

	return s.loginResult(u, access, refresh, mustChange, previous), nil
}

// ValidateToken resolves an access token to its owner. Tokens are looked up by
// hash, so a tampered token is reported as unknown.
func (s *Service) ValidateToken(ctx context.Context, raw string) (identity Identity, err error) {
	ctx, done := s.start(ctx, "validate_token")
	defer done(&err)

	u, rec, err := s.validate(ctx, raw, token.KindAccess)
	if err != nil {
		return Identity{}, err
	}
	s.metrics.TokenValidations.WithLabelValues("valid").Inc()
	return identityOf(u, rec), nil
}

// Logout revokes the presented access token and, when supplied, the refresh
// token issued alongside it. Validation errors are returned unchanged.
func (s *Service) Logout(ctx context.Context, raw, refreshRaw string, origin Origin) (err error) {
	ctx, done := s.start(ctx, "logout")
	defer done(&err)

	u, rec, err := s.validate(ctx, raw, token.KindAccess)
	if err != nil {
		return err
	}

	changed, err := s.revoke(ctx, rec.ID, ReasonUserLogout)
	if err != nil {
		return s.internal(ctx, "logout", audit.CategoryTokenRevoked, u.ID, origin, err)
	}

	payload := map[string]any{
		"token_id":        rec.ID,
		"reason":          ReasonUserLogout,
		"already_revoked": !changed,
	}
	if refreshRaw = strings.TrimSpace(refreshRaw); refreshRaw != "" {
		if refreshID, ok := s.revokePairedRefresh(ctx, u.ID, refreshRaw); ok {
			payload["refresh_token_id"] = refreshID
		}
	}

	s.audit.Emit(ctx, audit.CategoryTokenRevoked, "Token revoked: user logout", true,
		audit.WithUser(u.ID),
		originOption(origin),
		audit.WithPayload(payload),
	)
	s.logger.Info("logout_succeeded", map[string]any{"user_id": u.ID, "token_id": rec.ID})
	return nil
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// access and refresh pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshRaw string, origin Origin) (result LoginResult, err error) {
	ctx, done := s.start(ctx, "refresh")
	defer done(&err)

	u, rec, err := s.validate(ctx, refreshRaw, token.KindRefresh)
	if err != nil {
		return LoginResult{}, err
	}

	changed, err := s.revoke(ctx, rec.ID, ReasonTokenRotated)
	if err != nil {
		return LoginResult{}, s.internal(ctx, "refresh", audit.CategoryTokenRevoked, u.ID, origin, err)
	}
	if !changed {
		// Lost a race with a concurrent rotation of the same token.
		return LoginResult{}, s.rejectToken(newError(CodeRevokedToken, "refresh_token_reused"), rec.ID)
	}

	mustChange := false
	if cred, err := s.credentials.FindByUserID(ctx, u.ID); err == nil {
		mustChange = cred.MustChangePassword
	} else if !errors.Is(err, store.ErrNotFound) {
		return LoginResult{}, s.internal(ctx, "refresh", audit.CategoryTokenRevoked, u.ID, origin, fmt.Errorf("load credentials: %w", err))
	}

	access, refresh, err := s.issuePair(ctx, subjectOf(u), origin)
	if err != nil {
		return LoginResult{}, s.internal(ctx, "refresh", audit.CategoryTokenRevoked, u.ID, origin, err)
	}

	s.audit.Emit(ctx, audit.CategoryTokenRevoked, "Refresh token rotated", true,
		audit.WithUser(u.ID),
		originOption(origin),
		audit.WithPayload(map[string]any{
			"token_id":             rec.ID,
			"reason":               ReasonTokenRotated,
			"new_token_id":         access.ID,
			"new_refresh_token_id": refresh.ID,
		}),
	)

	return s.loginResult(u, access, refresh, mustChange, u.LastLoginAt), nil
}

// RevokeAllUserTokens revokes every currently valid token of userID and
// returns how many were revoked by this call.
func (s *Service) RevokeAllUserTokens(ctx context.Context, userID, reason string) (count int, err error) {
	ctx, done := s.start(ctx, "revoke_all_user_tokens")
	defer done(&err)

	if strings.TrimSpace(reason) == "" {
		reason = ReasonSecurity
	}

	count, err = s.revokeAll(ctx, userID, reason, "")
	if err != nil {
		return count, s.internal(ctx, "revoke_all_user_tokens", audit.CategoryTokenRevoked, userID, Origin{}, err)
	}

	s.audit.Emit(ctx, audit.CategoryTokenRevoked, fmt.Sprintf("Revoked %d tokens: %s", count, reason), true,
		audit.WithUser(userID),
		audit.WithPayload(map[string]any{"revoked_count": count, "reason": reason}),
	)
	s.logger.Info("user_tokens_revoked", map[string]any{"user_id": userID, "count": count, "reason": reason})
	return count, nil
}

// CleanupExpiredTokens deletes unrevoked records whose expiry has passed.
func (s *Service) CleanupExpiredTokens(ctx context.Context) (count int, err error) {
	ctx, done := s.start(ctx, "cleanup_expired_tokens")
	defer done(&err)

	count, err = s.tokens.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		s.logger.Error("expired_token_cleanup_failed", map[string]any{"error": err.Error()})
		return 0, internalError(fmt.Errorf("delete expired tokens: %w", err))
	}

	s.metrics.TokensCleaned.WithLabelValues("expired").Add(float64(count))
	s.logger.Info("expired_tokens_cleaned", map[string]any{"count": count})
	return count, nil
}

// PurgeRevokedTokens deletes records revoked more than olderThan ago.
func (s *Service) PurgeRevokedTokens(ctx context.Context, olderThan time.Duration) (count int, err error) {
	ctx, done := s.start(ctx, "purge_revoked_tokens")
	defer done(&err)

	if olderThan < 0 {
		olderThan = 0
	}
	cutoff := s.now().UTC().Add(-olderThan)
	count, err = s.tokens.DeleteRevokedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("revoked_token_purge_failed", map[string]any{"error": err.Error()})
		return 0, internalError(fmt.Errorf("delete revoked tokens: %w", err))
	}

	s.metrics.TokensCleaned.WithLabelValues("revoked").Add(float64(count))
	s.logger.Info("revoked_tokens_purged", map[string]any{"count": count, "cutoff": cutoff.Format(time.RFC3339)})
	return count, nil
}

// ChangePassword replaces the password once oldPassword verifies. Wrong old
// passwords count toward lockout. On success every token except keepTokenID
// is revoked.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword, keepTokenID string, origin Origin) (err error) {
	ctx, done := s.start(ctx, "change_password")
	defer done(&err)

	if err := s.manager.ValidatePassword(newPassword); err != nil {
		return invalidRequest(err)
	}

	var outcome credential.Outcome
	err = s.credentials.Update(ctx, userID, func(rec *credential.Record) error {
		out, cerr := s.manager.ChangePassword(rec, oldPassword, newPassword)
		outcome = out
		return cerr
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(CodeNotFound, "credentials_missing")
		}
		return s.internal(ctx, "change_password", audit.CategoryPasswordChange, userID, origin, fmt.Errorf("change password: %w", err))
	}

	switch outcome.Status {
	case credential.StatusLocked:
		e := lockedError(*outcome.LockedUntil)
		s.passwordChangeFailed(ctx, userID, origin, e)
		return e
	case credential.StatusRejected:
		if outcome.LockTriggered {
			s.accountLocked(ctx, userID, origin, outcome)
		}
		e := newError(CodeInvalidCredentials, "invalid_password")
		s.passwordChangeFailed(ctx, userID, origin, e)
		return e
	}

	revoked, rerr := s.revokeAll(ctx, userID, ReasonPasswordChanged, keepTokenID)
	if rerr != nil {
		s.logger.Warn("password_change_revoke_failed", map[string]any{"user_id": userID, "error": rerr.Error()})
	}

	s.audit.Emit(ctx, audit.CategoryPasswordChange, "Password changed", true,
		audit.WithUser(userID),
		originOption(origin),
		audit.WithPayload(map[string]any{"revoked_tokens": revoked}),
	)
	return nil
}

// ResetPassword sets a new password without the old one, clears any lockout
// and revokes every token of the user.
func (s *Service) ResetPassword(ctx context.Context, userID, newPassword string) (err error) {
	ctx, done := s.start(ctx, "reset_password")
	defer done(&err)

	if err := s.manager.ValidatePassword(newPassword); err != nil {
		return invalidRequest(err)
	}

	err = s.credentials.Update(ctx, userID, func(rec *credential.Record) error {
		return s.manager.ResetPassword(rec, newPassword)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(CodeNotFound, "credentials_missing")
		}
		return s.internal(ctx, "reset_password", audit.CategoryPasswordResetComplete, userID, Origin{}, fmt.Errorf("reset password: %w", err))
	}

	revoked, rerr := s.revokeAll(ctx, userID, ReasonPasswordReset, "")
	if rerr != nil {
		s.logger.Warn("password_reset_revoke_failed", map[string]any{"user_id": userID, "error": rerr.Error()})
	}

	s.audit.Emit(ctx, audit.CategoryPasswordResetComplete, "Password reset completed", true,
		audit.WithUser(userID),
		audit.WithPayload(map[string]any{"revoked_tokens": revoked}),
	)
	return nil
}

func (s *Service) UnlockAccount(ctx context.Context, userID string) (err error) {
	ctx, done := s.start(ctx, "unlock_account")
	defer done(&err)

	err = s.credentials.Update(ctx, userID, func(rec *credential.Record) error {
		s.manager.Unlock(rec)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(CodeNotFound, "credentials_missing")
		}
		return s.internal(ctx, "unlock_account", audit.CategoryAccountUnlocked, userID, Origin{}, fmt.Errorf("unlock: %w", err))
	}

	s.audit.Emit(ctx, audit.CategoryAccountUnlocked, "Account unlocked by administrator", true, audit.WithUser(userID))
	return nil
}

func (s *Service) ForcePasswordChange(ctx context.Context, userID string) (err error) {
	ctx, done := s.start(ctx, "force_password_change")
	defer done(&err)

	err = s.credentials.Update(ctx, userID, func(rec *credential.Record) error {
		s.manager.ForcePasswordChange(rec)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(CodeNotFound, "credentials_missing")
		}
		return s.internal(ctx, "force_password_change", audit.CategoryPasswordChange, userID, Origin{}, fmt.Errorf("force password change: %w", err))
	}

	s.audit.Emit(ctx, audit.CategoryPasswordChange, "Password change required by administrator", true,
		audit.WithUser(userID),
		audit.WithPayload(map[string]any{"forced": true}),
	)
	return nil
}

// EnrollCredentials creates the credential record of a newly provisioned user.
func (s *Service) EnrollCredentials(ctx context.Context, userID, password string, mustChange bool) error {
	rec, err := s.manager.New(userID, password, mustChange)
	if err != nil {
		return invalidRequest(err)
	}
	if err := s.credentials.Save(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return &Error{Code: CodeInvalidRequest, Message: "credentials already exist", Reason: "credentials_exist", Err: err}
		}
		return internalError(fmt.Errorf("save credentials: %w", err))
	}
	return nil
}

func (s *Service) Statistics(ctx context.Context) (stats Statistics, err error) {
	ctx, done := s.start(ctx, "statistics")
	defer done(&err)

	now := s.now().UTC()
	tokens, err := s.tokens.Stats(ctx, now)
	if err != nil {
		return Statistics{}, internalError(fmt.Errorf("token stats: %w", err))
	}
	locked, err := s.credentials.CountLocked(ctx, now)
	if err != nil {
		return Statistics{}, internalError(fmt.Errorf("count locked: %w", err))
	}
	failing, err := s.credentials.CountWithFailures(ctx)
	if err != nil {
		return Statistics{}, internalError(fmt.Errorf("count failures: %w", err))
	}

	return Statistics{
		Tokens:               tokens,
		LockedAccounts:       locked,
		AccountsWithFailures: failing,
		GeneratedAt:          now,
	}, nil
}

func (s *Service) validate(ctx context.Context, raw string, kind token.Kind) (*user.User, *token.Record, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil, s.rejectToken(newError(CodeInvalidToken, "token_missing"), "")
	}

	rec, err := s.tokens.FindByHash(ctx, token.Hash(raw))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, s.rejectToken(newError(CodeInvalidToken, "token_not_found"), "")
		}
		s.logger.Error("token_lookup_failed", map[string]any{"error": err.Error()})
		return nil, nil, internalError(fmt.Errorf("find token: %w", err))
	}

	switch rec.Check(raw, s.now().UTC()) {
	case token.VerdictRevoked:
		return nil, nil, s.rejectToken(newError(CodeRevokedToken, "token_revoked"), rec.ID)
	case token.VerdictExpired:
		return nil, nil, s.rejectToken(newError(CodeExpiredToken, "token_expired"), rec.ID)
	case token.VerdictMismatch:
		return nil, nil, s.rejectToken(newError(CodeInvalidToken, "token_hash_mismatch"), rec.ID)
	}

	claims, err := s.issuer.Parse(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, nil, s.rejectToken(newError(CodeExpiredToken, "signature_expired"), rec.ID)
		}
		return nil, nil, s.rejectToken(newError(CodeInvalidToken, "signature_invalid"), rec.ID)
	}
	if claims.Kind != kind || rec.Kind != kind {
		return nil, nil, s.rejectToken(newError(CodeInvalidToken, "wrong_token_kind"), rec.ID)
	}
	if claims.UserID() != rec.UserID || claims.ID != rec.ID {
		return nil, nil, s.rejectToken(newError(CodeInvalidToken, "claims_mismatch"), rec.ID)
	}

	u, err := s.users.FindByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, s.rejectToken(newError(CodeInvalidToken, "user_not_found"), rec.ID)
		}
		s.logger.Error("token_user_lookup_failed", map[string]any{"token_id": rec.ID, "error": err.Error()})
		return nil, nil, internalError(fmt.Errorf("find token owner: %w", err))
	}
	if !u.IsActive {
		return nil, nil, s.rejectToken(newError(CodeInvalidToken, "user_inactive"), rec.ID)
	}

	return u, rec, nil
}

func (s *Service) rejectToken(e *Error, tokenID string) error {
	s.metrics.TokenValidations.WithLabelValues(string(e.Code)).Inc()
	s.logger.Info("token_rejected", map[string]any{"reason": e.Reason, "token_id": tokenID})
	return e
}

// revoke reports whether this call changed the record. A record that vanished
// in the meantime counts as already revoked.
func (s *Service) revoke(ctx context.Context, id, reason string) (bool, error) {
	changed := false
	err := s.tokens.Update(ctx, id, func(rec *token.Record) error {
		if !rec.Revoke(reason, s.now().UTC()) {
			return errNoChange
		}
		changed = true
		return nil
	})
	switch {
	case err == nil:
		s.metrics.TokensRevoked.WithLabelValues(reason).Inc()
		return changed, nil
	case errors.Is(err, errNoChange), errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("revoke token %s: %w", id, err)
	}
}

func (s *Service) revokeAll(ctx context.Context, userID, reason, exceptID string) (int, error) {
	recs, err := s.tokens.FindAllByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list user tokens: %w", err)
	}

	now := s.now().UTC()
	count := 0
	for _, rec := range recs {
		if rec.ID == exceptID || !rec.IsValid(now) {
			continue
		}
		changed, err := s.revoke(ctx, rec.ID, reason)
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}

func (s *Service) revokePairedRefresh(ctx context.Context, userID, refreshRaw string) (string, bool) {
	rec, err := s.tokens.FindByHash(ctx, token.Hash(refreshRaw))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("logout_refresh_lookup_failed", map[string]any{"user_id": userID, "error": err.Error()})
		}
		return "", false
	}
	if rec.UserID != userID || rec.Kind != token.KindRefresh {
		s.logger.Warn("logout_refresh_not_owned", map[string]any{"user_id": userID, "token_id": rec.ID})
		return "", false
	}
	if _, err := s.revoke(ctx, rec.ID, ReasonUserLogout); err != nil {
		s.logger.Warn("logout_refresh_revoke_failed", map[string]any{"user_id": userID, "error": err.Error()})
		return "", false
	}
	return rec.ID, true
}

func (s *Service) issuePair(ctx context.Context, subject token.Subject, origin Origin) (token.Issued, token.Issued, error) {
	access, err := s.issueAndStore(ctx, subject, token.KindAccess, origin)
	if err != nil {
		return token.Issued{}, token.Issued{}, err
	}
	refresh, err := s.issueAndStore(ctx, subject, token.KindRefresh, origin)
	if err != nil {
		s.discard(ctx, access.ID)
		return token.Issued{}, token.Issued{}, err
	}
	return access, refresh, nil
}

func (s *Service) issueAndStore(ctx context.Context, subject token.Subject, kind token.Kind, origin Origin) (token.Issued, error) {
	issued, err := s.issuer.Issue(subject, kind, nil)
	if err != nil {
		return token.Issued{}, fmt.Errorf("issue %s token: %w", strings.ToLower(string(kind)), err)
	}

	rec, err := token.NewRecord(token.Params{
		ID:        issued.ID,
		UserID:    subject.UserID,
		Raw:       issued.Token,
		Kind:      kind,
		ExpiresAt: issued.ExpiresAt,
		IPAddress: origin.IP,
		ClientID:  origin.ClientID,
	}, issued.IssuedAt)
	if err != nil {
		return token.Issued{}, fmt.Errorf("build token record: %w", err)
	}
	if err := s.tokens.Save(ctx, rec); err != nil {
		return token.Issued{}, fmt.Errorf("save token record: %w", err)
	}

	s.metrics.TokensIssued.WithLabelValues(string(kind)).Inc()
	return issued, nil
}

func (s *Service) discard(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if err := s.tokens.DeleteByID(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("token_discard_failed", map[string]any{"token_id": id, "error": err.Error()})
		}
	}
}

func (s *Service) loginFailed(ctx context.Context, userID, email string, origin Origin, e *Error, extra map[string]any) error {
	payload := map[string]any{
		"failure_reason": e.Reason,
		"email":          email,
		"device":         origin.Device,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if e.Until != nil {
		payload["locked_until"] = e.Until.UTC().Format(time.RFC3339)
	}

	s.audit.Emit(ctx, audit.CategoryLoginFailure, "Login failed: "+strings.ReplaceAll(e.Reason, "_", " "), false,
		audit.WithUser(userID),
		originOption(origin),
		audit.WithPayload(payload),
	)
	s.metrics.LoginAttempts.WithLabelValues(string(e.Code)).Inc()
	s.logger.Warn("login_failed", map[string]any{
		"reason":  e.Reason,
		"user_id": userID,
		"email":   observability.MaskEmail(email),
		"ip":      origin.IP,
	})
	return e
}

func (s *Service) passwordChangeFailed(ctx context.Context, userID string, origin Origin, e *Error) {
	payload := map[string]any{"failure_reason": e.Reason}
	if e.Until != nil {
		payload["locked_until"] = e.Until.UTC().Format(time.RFC3339)
	}
	s.audit.Emit(ctx, audit.CategoryPasswordChange, "Password change failed: "+strings.ReplaceAll(e.Reason, "_", " "), false,
		audit.WithUser(userID),
		originOption(origin),
		audit.WithPayload(payload),
	)
}

func (s *Service) accountLocked(ctx context.Context, userID string, origin Origin, outcome credential.Outcome) {
	payload := map[string]any{"failed_attempts": outcome.FailedAttempts}
	if outcome.LockedUntil != nil {
		payload["locked_until"] = outcome.LockedUntil.UTC().Format(time.RFC3339)
	}
	s.audit.Emit(ctx, audit.CategoryAccountLocked, "Account locked after repeated failed logins", false,
		audit.WithUser(userID),
		originOption(origin),
		audit.WithPayload(payload),
	)
	s.metrics.AccountLockouts.Inc()
	s.logger.Warn("account_locked", map[string]any{"user_id": userID, "failed_attempts": outcome.FailedAttempts})
}

// internal logs err in full, audits it as an internal error and returns the
// generic error callers see.
func (s *Service) internal(ctx context.Context, op string, category audit.Category, userID string, origin Origin, err error) error {
	s.logger.Error("auth_internal_error", map[string]any{
		"operation": op,
		"user_id":   userID,
		"error":     err.Error(),
	})
	s.audit.Emit(ctx, category, "Operation failed: internal error", false,
		audit.WithUser(userID),
		originOption(origin),
		audit.WithPayload(map[string]any{"failure_reason": "internal error", "operation": op}),
	)
	if category == audit.CategoryLoginFailure {
		s.metrics.LoginAttempts.WithLabelValues(string(CodeInternal)).Inc()
	}
	return internalError(err)
}

func (s *Service) start(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, span := s.tracer.Start(ctx, "auth."+op, trace.WithAttributes(attribute.String("auth.operation", op)))
	started := time.Now()
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.SetAttributes(attribute.String("auth.error_code", string(CodeOf(*errp))))
			span.SetStatus(codes.Error, string(CodeOf(*errp)))
		}
		span.End()
		s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	}
}

func (s *Service) loginResult(u *user.User, access, refresh token.Issued, mustChange bool, previous *time.Time) LoginResult {
	return LoginResult{
		UserID:             u.ID,
		Email:              u.Email,
		Name:               u.Name,
		Role:               u.Role,
		AccessToken:        access.Token,
		RefreshToken:       refresh.Token,
		TokenType:          "Bearer",
		ExpiresAt:          access.ExpiresAt,
		ExpiresIn:          int64(access.ExpiresAt.Sub(access.IssuedAt).Seconds()),
		RefreshExpiresAt:   refresh.ExpiresAt,
		MustChangePassword: mustChange,
		PreviousLoginAt:    previous,
	}
}

func subjectOf(u *user.User) token.Subject {
	return token.Subject{
		UserID:     u.ID,
		Email:      u.Email,
		Name:       u.Name,
		Role:       string(u.Role),
		EmployeeID: u.EmployeeID,
	}
}

func identityOf(u *user.User, rec *token.Record) Identity {
	return Identity{
		UserID:     u.ID,
		Email:      u.Email,
		Name:       u.Name,
		Role:       u.Role,
		EmployeeID: u.EmployeeID,
		TokenID:    rec.ID,
		ExpiresAt:  rec.ExpiresAt,
	}
}

func originOption(origin Origin) audit.Option {
	return audit.WithOrigin(origin.IP, origin.ClientID)
}
