package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	"directory-auth/internal/audit"
	"directory-auth/internal/credential"
	"directory-auth/internal/observability"
	"directory-auth/internal/store"
	"directory-auth/internal/store/memory"
	"directory-auth/internal/token"
	"directory-auth/internal/user"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const (
	testPassword = "correct-horse"
	wrongPass    = "wrong-horse"
)

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	users   *memory.UserStore
	creds   *memory.CredentialStore
	tokens  *memory.TokenStore
	events  *memory.AuditStore
	metrics *observability.Metrics
	service *Service
	origin  Origin
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = t0
	s.users = memory.NewUserStore()
	s.creds = memory.NewCredentialStore()
	s.tokens = memory.NewTokenStore()
	s.events = memory.NewAuditStore()
	s.metrics = observability.NewMetrics()
	s.origin = Origin{IP: "10.0.0.1", ClientID: "test-client", Device: "Chrome on Linux"}
	s.service = s.newService(s.tokens, s.events)
}

func (s *ServiceSuite) clock() time.Time {
	return s.now
}

func (s *ServiceSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *ServiceSuite) newService(tokens TokenStore, auditStore audit.Store) *Service {
	ring, err := token.NewKeyRing(token.Key{ID: "k1", Secret: []byte("0123456789abcdef0123456789abcdef")})
	s.Require().NoError(err)

	svc, err := NewService(Deps{
		Users:       s.users,
		Credentials: s.creds,
		Tokens:      tokens,
		Manager:     credential.NewManager(credential.NewBcryptHasher(bcrypt.MinCost), credential.WithClock(s.clock)),
		Issuer:      token.NewIssuer(ring, token.WithIssuerName("directory-auth"), token.WithIssuerClock(s.clock)),
		Audit:       audit.NewEmitter(auditStore, nil, audit.WithEmitterClock(s.clock), audit.WithEmitterMetrics(s.metrics)),
		Metrics:     s.metrics,
	}, WithClock(s.clock))
	s.Require().NoError(err)
	return svc
}

func (s *ServiceSuite) seedUser(email string, active bool) *user.User {
	u, err := user.New(user.Input{
		Name:       "Ana Silva",
		Email:      email,
		Role:       user.RoleSolutionArchitect,
		EmployeeID: "1042",
		Department: "Engineering",
		JobTitle:   "Solution Architect",
		Active:     active,
	}, s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.users.Save(s.ctx, u))
	s.Require().NoError(s.service.EnrollCredentials(s.ctx, u.ID, testPassword, false))
	return u
}

func (s *ServiceSuite) login(email, password string) (LoginResult, error) {
	return s.service.Authenticate(s.ctx, email, password, s.origin)
}

func (s *ServiceSuite) lastEvent(category audit.Category) audit.Event {
	events := s.events.ByCategory(category)
	s.Require().NotEmpty(events, "no %s event", category)
	return events[len(events)-1]
}

func (s *ServiceSuite) field(e audit.Event, key string) any {
	v, ok := e.Field(key)
	s.Require().True(ok, "payload has no %q", key)
	return v
}

func (s *ServiceSuite) TestAuthenticate_Success() {
	u := s.seedUser("ana@example.com", true)

	result, err := s.login(" ANA@example.com ", testPassword)
	s.Require().NoError(err)

	s.Equal(u.ID, result.UserID)
	s.Equal("Bearer", result.TokenType)
	s.NotEmpty(result.AccessToken)
	s.NotEmpty(result.RefreshToken)
	s.Equal(t0.Add(24*time.Hour), result.ExpiresAt)
	s.Equal(int64(86400), result.ExpiresIn)
	s.Equal(t0.Add(30*24*time.Hour), result.RefreshExpiresAt)
	s.Nil(result.PreviousLoginAt)

	stored, err := s.users.FindByID(s.ctx, u.ID)
	s.Require().NoError(err)
	s.Require().NotNil(stored.LastLoginAt)
	s.Equal(t0, *stored.LastLoginAt)

	rec, err := s.tokens.FindByHash(s.ctx, token.Hash(result.AccessToken))
	s.Require().NoError(err)
	s.Equal(token.KindAccess, rec.Kind)
	s.Equal("10.0.0.1", rec.IPAddress)
	s.Equal("test-client", rec.ClientID)

	event := s.lastEvent(audit.CategoryLoginSuccess)
	s.True(event.Success)
	s.Equal(u.ID, event.UserID)
	s.Equal("10.0.0.1", event.IPAddress)
	s.Equal(rec.ID, s.field(event, "token_id"))

	s.advance(time.Hour)
	again, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)
	s.Require().NotNil(again.PreviousLoginAt)
	s.Equal(t0, *again.PreviousLoginAt)
}

func (s *ServiceSuite) TestAuthenticate_FailuresLookAlike() {
	s.seedUser("ana@example.com", true)

	_, unknown := s.login("nobody@example.com", testPassword)
	_, wrong := s.login("ana@example.com", wrongPass)

	s.Require().ErrorIs(unknown, ErrInvalidCredentials)
	s.Require().ErrorIs(wrong, ErrInvalidCredentials)
	s.Equal(unknown.Error(), wrong.Error())

	failures := s.events.ByCategory(audit.CategoryLoginFailure)
	s.Require().Len(failures, 2)
	s.Equal("user_not_found", s.field(failures[0], "failure_reason"))
	s.Empty(failures[0].UserID)
	s.Equal("invalid_password", s.field(failures[1], "failure_reason"))
	s.False(failures[1].Success)
}

func (s *ServiceSuite) TestAuthenticate_InactiveAccount() {
	u := s.seedUser("ana@example.com", false)

	_, err := s.login("ana@example.com", testPassword)
	s.Require().ErrorIs(err, ErrAccountNotActivated)

	stats, err := s.tokens.Stats(s.ctx, s.now)
	s.Require().NoError(err)
	s.Zero(stats.Total, "no token is issued")

	stored, err := s.users.FindByID(s.ctx, u.ID)
	s.Require().NoError(err)
	s.Nil(stored.LastLoginAt)

	event := s.lastEvent(audit.CategoryLoginFailure)
	s.False(event.Success)
	s.Equal("account_not_activated", s.field(event, "failure_reason"))
}

func (s *ServiceSuite) TestAuthenticate_Lockout() {
	u := s.seedUser("ana@example.com", true)

	for i := 1; i <= 5; i++ {
		_, err := s.login("ana@example.com", wrongPass)
		s.Require().ErrorIs(err, ErrInvalidCredentials, "attempt %d", i)
	}

	locked := s.events.ByCategory(audit.CategoryAccountLocked)
	s.Require().Len(locked, 1)
	s.Equal(u.ID, locked[0].UserID)

	_, err := s.login("ana@example.com", testPassword)
	s.Require().ErrorIs(err, ErrAccountLocked)
	until, ok := LockedUntil(err)
	s.Require().True(ok)
	s.Equal(t0.Add(30*time.Minute), until)
	s.Equal("account_locked", s.field(s.lastEvent(audit.CategoryLoginFailure), "failure_reason"))

	s.advance(30 * time.Minute)
	_, err = s.login("ana@example.com", testPassword)
	s.Require().NoError(err)

	rec, err := s.creds.FindByUserID(s.ctx, u.ID)
	s.Require().NoError(err)
	s.Zero(rec.FailedAttempts)
	s.Nil(rec.LockedUntil)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.AccountLockouts))
}

func (s *ServiceSuite) TestValidateToken_Expiry() {
	u := s.seedUser("ana@example.com", true)
	result, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)

	s.advance(time.Hour)
	identity, err := s.service.ValidateToken(s.ctx, result.AccessToken)
	s.Require().NoError(err)
	s.Equal(u.ID, identity.UserID)
	s.Equal(user.RoleSolutionArchitect, identity.Role)
	s.Equal("1042", identity.EmployeeID)

	s.advance(24 * time.Hour)
	_, err = s.service.ValidateToken(s.ctx, result.AccessToken)
	s.Require().ErrorIs(err, ErrExpiredToken)
	s.Require().ErrorIs(err, ErrInvalidToken)
	s.Equal("invalid or expired token", err.Error())
}

func (s *ServiceSuite) TestValidateToken_Rejections() {
	u := s.seedUser("ana@example.com", true)
	result, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)

	for name, raw := range map[string]string{
		"empty":   "   ",
		"garbage": "not-a-token",
		"refresh": result.RefreshToken,
	} {
		_, err := s.service.ValidateToken(s.ctx, raw)
		s.Require().ErrorIs(err, ErrInvalidToken, name)
	}

	stored, err := s.users.FindByID(s.ctx, u.ID)
	s.Require().NoError(err)
	stored.Deactivate(s.now)
	s.Require().NoError(s.users.Save(s.ctx, stored))

	_, err = s.service.ValidateToken(s.ctx, result.AccessToken)
	s.Require().ErrorIs(err, ErrInvalidToken)
}

func (s *ServiceSuite) TestLogout() {
	u := s.seedUser("ana@example.com", true)
	result, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)

	s.Require().NoError(s.service.Logout(s.ctx, result.AccessToken, result.RefreshToken, s.origin))

	_, err = s.service.ValidateToken(s.ctx, result.AccessToken)
	s.Require().ErrorIs(err, ErrRevokedToken)

	_, err = s.service.Refresh(s.ctx, result.RefreshToken, s.origin)
	s.Require().ErrorIs(err, ErrRevokedToken)

	event := s.lastEvent(audit.CategoryTokenRevoked)
	s.Equal(u.ID, event.UserID)
	s.Equal(ReasonUserLogout, s.field(event, "reason"))
	s.NotEmpty(s.field(event, "refresh_token_id"))

	rec, err := s.tokens.FindByHash(s.ctx, token.Hash(result.AccessToken))
	s.Require().NoError(err)
	s.Equal(ReasonUserLogout, rec.RevokedReason)

	err = s.service.Logout(s.ctx, result.AccessToken, "", s.origin)
	s.Require().ErrorIs(err, ErrRevokedToken)
}

func (s *ServiceSuite) TestRevokeAllUserTokens() {
	u := s.seedUser("ana@example.com", true)
	first, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)
	_, err = s.login("ana@example.com", testPassword)
	s.Require().NoError(err)

	s.Require().NoError(s.service.Logout(s.ctx, first.AccessToken, "", s.origin))

	count, err := s.service.RevokeAllUserTokens(s.ctx, u.ID, "")
	s.Require().NoError(err)
	s.Equal(3, count)

	event := s.lastEvent(audit.CategoryTokenRevoked)
	s.Equal(3.0, s.field(event, "revoked_count"))
	s.Equal(ReasonSecurity, s.field(event, "reason"))

	count, err = s.service.RevokeAllUserTokens(s.ctx, u.ID, "compromised laptop")
	s.Require().NoError(err)
	s.Zero(count)

	count, err = s.service.RevokeAllUserTokens(s.ctx, "nobody", "")
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *ServiceSuite) TestCleanupAndPurge() {
	s.seedUser("ana@example.com", true)
	first, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)
	s.Require().NoError(s.service.Logout(s.ctx, first.AccessToken, "", s.origin))
	_, err = s.login("ana@example.com", testPassword)
	s.Require().NoError(err)

	s.advance(25 * time.Hour)
	cleaned, err := s.service.CleanupExpiredTokens(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, cleaned, "the unrevoked access token expired")

	cleaned, err = s.service.CleanupExpiredTokens(s.ctx)
	s.Require().NoError(err)
	s.Zero(cleaned)

	purged, err := s.service.PurgeRevokedTokens(s.ctx, 7*24*time.Hour)
	s.Require().NoError(err)
	s.Zero(purged)

	s.advance(7 * 24 * time.Hour)
	purged, err = s.service.PurgeRevokedTokens(s.ctx, 7*24*time.Hour)
	s.Require().NoError(err)
	s.Equal(1, purged)

	stats, err := s.tokens.Stats(s.ctx, s.now)
	s.Require().NoError(err)
	s.Equal(2, stats.Total, "both refresh tokens remain")
}

func (s *ServiceSuite) TestRefresh_Rotates() {
	s.seedUser("ana@example.com", true)
	first, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)

	s.advance(time.Minute)
	rotated, err := s.service.Refresh(s.ctx, first.RefreshToken, s.origin)
	s.Require().NoError(err)
	s.NotEqual(first.RefreshToken, rotated.RefreshToken)
	s.Equal(s.now.Add(24*time.Hour), rotated.ExpiresAt)

	_, err = s.service.ValidateToken(s.ctx, rotated.AccessToken)
	s.Require().NoError(err)

	_, err = s.service.Refresh(s.ctx, first.RefreshToken, s.origin)
	s.Require().ErrorIs(err, ErrRevokedToken)

	_, err = s.service.Refresh(s.ctx, first.AccessToken, s.origin)
	s.Require().ErrorIs(err, ErrInvalidToken, "access tokens cannot be refreshed")
}

func (s *ServiceSuite) TestChangePassword() {
	u := s.seedUser("ana@example.com", true)
	current, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)
	other, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)

	identity, err := s.service.ValidateToken(s.ctx, current.AccessToken)
	s.Require().NoError(err)

	err = s.service.ChangePassword(s.ctx, u.ID, testPassword, "short", identity.TokenID, s.origin)
	s.Require().ErrorIs(err, ErrInvalidRequest)

	err = s.service.ChangePassword(s.ctx, u.ID, wrongPass, "brand-new-pass", identity.TokenID, s.origin)
	s.Require().ErrorIs(err, ErrInvalidCredentials)
	failed := s.lastEvent(audit.CategoryPasswordChange)
	s.False(failed.Success)

	rec, err := s.creds.FindByUserID(s.ctx, u.ID)
	s.Require().NoError(err)
	s.Equal(1, rec.FailedAttempts, "only the wrong old password counts")

	s.Require().NoError(s.service.ChangePassword(s.ctx, u.ID, testPassword, "brand-new-pass", identity.TokenID, s.origin))
	changed := s.lastEvent(audit.CategoryPasswordChange)
	s.True(changed.Success)
	s.Equal(3.0, s.field(changed, "revoked_tokens"))

	_, err = s.service.ValidateToken(s.ctx, current.AccessToken)
	s.Require().NoError(err, "the caller's token is kept")
	_, err = s.service.ValidateToken(s.ctx, other.AccessToken)
	s.Require().ErrorIs(err, ErrRevokedToken)

	_, err = s.login("ana@example.com", testPassword)
	s.Require().ErrorIs(err, ErrInvalidCredentials)
	_, err = s.login("ana@example.com", "brand-new-pass")
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestResetPasswordClearsLockout() {
	u := s.seedUser("ana@example.com", true)
	session, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)
	for i := 0; i < 5; i++ {
		_, _ = s.login("ana@example.com", wrongPass)
	}

	s.Require().NoError(s.service.ResetPassword(s.ctx, u.ID, "reset-password"))
	s.True(s.lastEvent(audit.CategoryPasswordResetComplete).Success)

	_, err = s.service.ValidateToken(s.ctx, session.AccessToken)
	s.Require().ErrorIs(err, ErrRevokedToken)

	_, err = s.login("ana@example.com", "reset-password")
	s.Require().NoError(err)

	err = s.service.ResetPassword(s.ctx, "missing", "reset-password")
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *ServiceSuite) TestOverlongPasswordIsInvalidRequest() {
	u := s.seedUser("ana@example.com", true)
	tooLong := strings.Repeat("n", credential.MaxPasswordLength+1)

	err := s.service.ChangePassword(s.ctx, u.ID, testPassword, tooLong, "", s.origin)
	s.Require().ErrorIs(err, ErrInvalidRequest)

	err = s.service.ResetPassword(s.ctx, u.ID, tooLong)
	s.Require().ErrorIs(err, ErrInvalidRequest)

	rec, err := s.creds.FindByUserID(s.ctx, u.ID)
	s.Require().NoError(err)
	s.Zero(rec.FailedAttempts)

	_, err = s.login("ana@example.com", tooLong)
	s.Require().ErrorIs(err, ErrInvalidCredentials)

	s.Require().NoError(s.service.ResetPassword(s.ctx, u.ID, strings.Repeat("n", credential.MaxPasswordLength)))
}

func (s *ServiceSuite) TestUnlockAndForcePasswordChange() {
	u := s.seedUser("ana@example.com", true)
	for i := 0; i < 5; i++ {
		_, _ = s.login("ana@example.com", wrongPass)
	}
	_, err := s.login("ana@example.com", testPassword)
	s.Require().ErrorIs(err, ErrAccountLocked)

	s.Require().NoError(s.service.UnlockAccount(s.ctx, u.ID))
	s.Equal(u.ID, s.lastEvent(audit.CategoryAccountUnlocked).UserID)

	s.Require().NoError(s.service.ForcePasswordChange(s.ctx, u.ID))

	result, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)
	s.True(result.MustChangePassword)
}

func (s *ServiceSuite) TestStatistics() {
	s.seedUser("ana@example.com", true)
	s.seedUser("bruno@example.com", true)

	_, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)
	for i := 0; i < 5; i++ {
		_, _ = s.login("bruno@example.com", wrongPass)
	}

	stats, err := s.service.Statistics(s.ctx)
	s.Require().NoError(err)
	s.Equal(store.TokenStats{Total: 2, Active: 2, Access: 1, Refresh: 1}, stats.Tokens)
	s.Equal(1, stats.LockedAccounts)
	s.Equal(1, stats.AccountsWithFailures)
	s.Equal(t0, stats.GeneratedAt)
}

func (s *ServiceSuite) TestAuditFailureDoesNotBreakLogin() {
	s.service = s.newService(s.tokens, failingAuditStore{})
	s.seedUser("ana@example.com", true)

	_, err := s.login("ana@example.com", testPassword)
	s.Require().NoError(err)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.AuditWriteFailures))
}

func (s *ServiceSuite) TestInternalErrorIsGenericAndAudited() {
	s.service = s.newService(failingTokenStore{TokenStore: s.tokens}, s.events)
	u := s.seedUser("ana@example.com", true)

	_, err := s.login("ana@example.com", testPassword)
	s.Require().ErrorIs(err, ErrInternal)
	s.Equal("authentication failed", err.Error())

	event := s.lastEvent(audit.CategoryLoginFailure)
	s.Equal(u.ID, event.UserID)
	s.Equal("internal error", s.field(event, "failure_reason"))

	stored, err := s.users.FindByID(s.ctx, u.ID)
	s.Require().NoError(err)
	s.Nil(stored.LastLoginAt)
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(Deps{})
	require.Error(t, err)
}

func TestErrorMatching(t *testing.T) {
	expired := newError(CodeExpiredToken, "token_expired")
	assert.ErrorIs(t, expired, ErrExpiredToken)
	assert.ErrorIs(t, expired, ErrInvalidToken)
	assert.NotErrorIs(t, ErrInvalidToken, ErrExpiredToken)
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))

	wrapped := internalError(assert.AnError)
	assert.ErrorIs(t, wrapped, assert.AnError)
	assert.Equal(t, "authentication failed", wrapped.Error())

	_, ok := LockedUntil(ErrAccountLocked)
	assert.False(t, ok)
}

type failingAuditStore struct{}

func (failingAuditStore) Append(context.Context, audit.Event) error {
	return errors.New("audit sink unavailable")
}

type failingTokenStore struct {
	*memory.TokenStore
}

func (failingTokenStore) Save(context.Context, *token.Record) error {
	return errors.New("connection reset")
}
