package user

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSolutionArchitect Role = "SolutionArchitect"
	RoleSalesManager      Role = "SalesManager"
)

func (r Role) Valid() bool {
	return r == RoleSolutionArchitect || r == RoleSalesManager
}

const maxTextLength = 255

var emailPattern = regexp.MustCompile(`^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`)

var (
	ErrNameRequired       = errors.New("name is required")
	ErrInvalidEmail       = errors.New("email format is invalid")
	ErrInvalidRole        = errors.New("role is invalid")
	ErrInvalidEmployeeID  = errors.New("employee id must be numeric")
	ErrDepartmentRequired = errors.New("department is required")
	ErrJobTitleRequired   = errors.New("job title is required")
	ErrFieldTooLong       = errors.New("field is too long")
)

// User is a directory entry. Accounts start inactive until an administrator
// or the verification flow activates them.
type User struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Email             string     `json:"email"`
	Role              Role       `json:"role"`
	EmployeeID        string     `json:"employee_id"`
	Department        string     `json:"department"`
	JobTitle          string     `json:"job_title"`
	IsActive          bool       `json:"is_active"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	ProfilePictureURL string     `json:"profile_picture_url,omitempty"`
	PhoneNumber       string     `json:"phone_number,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type Input struct {
	Name              string
	Email             string
	Role              Role
	EmployeeID        string
	Department        string
	JobTitle          string
	ProfilePictureURL string
	PhoneNumber       string
	Active            bool
}

func New(in Input, now time.Time) (*User, error) {
	u := &User{
		Name:              strings.TrimSpace(in.Name),
		Email:             NormalizeEmail(in.Email),
		Role:              in.Role,
		EmployeeID:        strings.TrimSpace(in.EmployeeID),
		Department:        strings.TrimSpace(in.Department),
		JobTitle:          strings.TrimSpace(in.JobTitle),
		ProfilePictureURL: strings.TrimSpace(in.ProfilePictureURL),
		PhoneNumber:       strings.TrimSpace(in.PhoneNumber),
		IsActive:          in.Active,
		CreatedAt:         now.UTC(),
		UpdatedAt:         now.UTC(),
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}
	u.ID = id.String()
	return u, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (u *User) Validate() error {
	if u.Name == "" {
		return ErrNameRequired
	}
	if len(u.Name) > maxTextLength {
		return fmt.Errorf("name: %w", ErrFieldTooLong)
	}
	if !emailPattern.MatchString(u.Email) {
		return ErrInvalidEmail
	}
	if !u.Role.Valid() {
		return ErrInvalidRole
	}
	if u.EmployeeID == "" || strings.TrimLeft(u.EmployeeID, "0123456789") != "" {
		return ErrInvalidEmployeeID
	}
	if u.Department == "" {
		return ErrDepartmentRequired
	}
	if len(u.Department) > maxTextLength {
		return fmt.Errorf("department: %w", ErrFieldTooLong)
	}
	if u.JobTitle == "" {
		return ErrJobTitleRequired
	}
	if len(u.JobTitle) > maxTextLength {
		return fmt.Errorf("job title: %w", ErrFieldTooLong)
	}
	return nil
}

func (u *User) Activate(now time.Time) {
	u.IsActive = true
	u.UpdatedAt = now.UTC()
}

func (u *User) Deactivate(now time.Time) {
	u.IsActive = false
	u.UpdatedAt = now.UTC()
}

// TouchLogin records a successful login and returns the previous timestamp.
func (u *User) TouchLogin(now time.Time) *time.Time {
	previous := u.LastLoginAt
	at := now.UTC()
	u.LastLoginAt = &at
	u.UpdatedAt = at
	return previous
}
