package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"directory-auth/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

// Authenticator is the slice of Service the HTTP handler drives.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string, origin Origin) (LoginResult, error)
	Refresh(ctx context.Context, refreshToken string, origin Origin) (LoginResult, error)
	Logout(ctx context.Context, accessToken, refreshToken string, origin Origin) error
	ChangePassword(ctx context.Context, userID, oldPassword, newPassword, keepTokenID string, origin Origin) error
}

type Handler struct {
	service  Authenticator
	validate *validator.Validate
	now      func() time.Time
}

func NewHandler(service Authenticator) *Handler {
	return &Handler{service: service, validate: newValidator(), now: time.Now}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	return v
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,notblank,max=255"`
	Password string `json:"password" validate:"required,max=72"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,notblank"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=72"`
	NewPassword     string `json:"new_password" validate:"required,max=72"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.service.Authenticate(r.Context(), body.Email, body.Password, OriginFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.service.Refresh(r.Context(), strings.TrimSpace(body.RefreshToken), OriginFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Logout takes the access token from the Authorization header. A body with a
// refresh token is optional.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	accessToken, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body logoutRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &body) {
			return
		}
	}

	if err := h.service.Logout(r.Context(), accessToken, body.RefreshToken, OriginFromRequest(r)); err != nil {
		h.writeServiceError(w, r, err, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Me returns the identity resolved by Middleware.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body changePasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	err := h.service.ChangePassword(r.Context(), identity.UserID, body.CurrentPassword, body.NewPassword, identity.TokenID, OriginFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to change password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field := verrs[0]
		name := strings.ToLower(field.Field())
		switch field.Tag() {
		case "required", "notblank":
			return name + " is required"
		case "max":
			return name + " is too long"
		case "email":
			return name + " format is invalid"
		}
		return name + " is invalid"
	}
	return "invalid request"
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch CodeOf(err) {
	case CodeInvalidCredentials:
		writeError(w, http.StatusUnauthorized, err.Error())
	case CodeAccountLocked:
		if until, ok := LockedUntil(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(until.Sub(h.now()))))
		}
		writeError(w, http.StatusTooManyRequests, err.Error())
	case CodeAccountNotActivated:
		writeError(w, http.StatusForbidden, err.Error())
	case CodeExpiredToken, CodeRevokedToken, CodeInvalidToken:
		writeError(w, http.StatusUnauthorized, err.Error())
	case CodeInvalidRequest:
		writeError(w, http.StatusBadRequest, err.Error())
	case CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	default:
		observability.CaptureError(r, err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// retryAfterSeconds renders a wait as a Retry-After value of at least one.
func retryAfterSeconds(wait time.Duration) int {
	return max(int(wait.Seconds()), 1)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
