package directory

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/google/uuid"

	"directory-auth/internal/auth"
	"directory-auth/internal/observability"
	"directory-auth/internal/user"
)

const maxJSONBodyBytes = 1 << 20

// Directory is the Service surface the admin handler drives.
type Directory interface {
	Provision(ctx context.Context, in ProvisionInput) (*user.User, error)
	List(ctx context.Context) ([]*user.User, error)
	Get(ctx context.Context, id string) (*user.User, error)
	Activate(ctx context.Context, id string) (*user.User, error)
	Deactivate(ctx context.Context, id string) (*user.User, int, error)
	Unlock(ctx context.Context, id string) error
	ForcePasswordChange(ctx context.Context, id string) error
	ResetPassword(ctx context.Context, id, password string) error
	RevokeTokens(ctx context.Context, id string) (int, error)
	Stats(ctx context.Context) (auth.Statistics, error)
}

type Handler struct {
	directory Directory
	validate  *validator.Validate
}

func NewHandler(directory Directory) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return &Handler{directory: directory, validate: v}
}

type provisionRequest struct {
	Name               string `json:"name" validate:"required,notblank,max=255"`
	Email              string `json:"email" validate:"required,email,max=255"`
	Role               string `json:"role" validate:"required,oneof=SolutionArchitect SalesManager"`
	EmployeeID         string `json:"employee_id" validate:"required,numeric,max=32"`
	Department         string `json:"department" validate:"required,notblank,max=255"`
	JobTitle           string `json:"job_title" validate:"required,notblank,max=255"`
	PhoneNumber        string `json:"phone_number" validate:"omitempty,max=32"`
	ProfilePictureURL  string `json:"profile_picture_url" validate:"omitempty,http_url,max=500"`
	Password           string `json:"password" validate:"required,max=72"`
	Active             bool   `json:"active"`
	MustChangePassword bool   `json:"must_change_password"`
}

type resetPasswordRequest struct {
	Password string `json:"password" validate:"required,max=72"`
}

// Register mounts every admin route on mux behind the API key guard.
func (h *Handler) Register(mux *http.ServeMux, apiKey string) {
	guard := func(fn http.HandlerFunc) http.Handler {
		return RequireAPIKey(apiKey, fn)
	}

	mux.Handle("GET /admin/users", guard(h.ListUsers))
	mux.Handle("POST /admin/users", guard(h.ProvisionUser))
	mux.Handle("GET /admin/users/{id}", guard(h.GetUser))
	mux.Handle("POST /admin/users/{id}/activate", guard(h.ActivateUser))
	mux.Handle("POST /admin/users/{id}/deactivate", guard(h.DeactivateUser))
	mux.Handle("POST /admin/users/{id}/unlock", guard(h.UnlockUser))
	mux.Handle("POST /admin/users/{id}/force-password-change", guard(h.ForcePasswordChange))
	mux.Handle("POST /admin/users/{id}/password", guard(h.ResetPassword))
	mux.Handle("POST /admin/users/{id}/revoke-tokens", guard(h.RevokeTokens))
	mux.Handle("GET /admin/stats", guard(h.Stats))
}

// RequireAPIKey hides the wrapped routes entirely when no key is configured.
func RequireAPIKey(apiKey string, next http.Handler) http.Handler {
	apiKey = strings.TrimSpace(apiKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		scheme, key, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(key)), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.directory.List(r.Context())
	if err != nil {
		writeServiceError(w, r, err, "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) ProvisionUser(w http.ResponseWriter, r *http.Request) {
	var body provisionRequest
	if !h.decode(w, r, &body) {
		return
	}

	u, err := h.directory.Provision(r.Context(), ProvisionInput{
		User: user.Input{
			Name:              body.Name,
			Email:             body.Email,
			Role:              user.Role(body.Role),
			EmployeeID:        body.EmployeeID,
			Department:        body.Department,
			JobTitle:          body.JobTitle,
			PhoneNumber:       body.PhoneNumber,
			ProfilePictureURL: body.ProfilePictureURL,
			Active:            body.Active,
		},
		Password:           body.Password,
		MustChangePassword: body.MustChangePassword,
	})
	if err != nil {
		writeServiceError(w, r, err, "failed to provision user")
		return
	}

	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	u, err := h.directory.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) ActivateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	u, err := h.directory.Activate(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "failed to activate user")
		return
	}

	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	u, revoked, err := h.directory.Deactivate(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "failed to deactivate user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": u, "revoked_tokens": revoked})
}

func (h *Handler) UnlockUser(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.directory.Unlock, "failed to unlock user")
}

func (h *Handler) ForcePasswordChange(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.directory.ForcePasswordChange, "failed to force password change")
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	var body resetPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.directory.ResetPassword(r.Context(), id, body.Password); err != nil {
		writeServiceError(w, r, err, "failed to reset password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RevokeTokens(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	count, err := h.directory.RevokeTokens(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "failed to revoke tokens")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"revoked_tokens": count})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.directory.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err, "failed to load statistics")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) noContent(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error, fallback string) {
	id, ok := userID(w, r)
	if !ok {
		return
	}

	if err := fn(r.Context(), id); err != nil {
		writeServiceError(w, r, err, fallback)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return "", false
	}
	return id, true
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
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, verrs[0].Field()+" is invalid")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		observability.CaptureError(r, err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
