package user

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func validInput() Input {
	return Input{
		Name:       " Ana Silva ",
		Email:      " Ana.Silva@Example.COM ",
		Role:       RoleSolutionArchitect,
		EmployeeID: "01042",
		Department: "Presales",
		JobTitle:   "Principal Architect",
	}
}

func TestNew(t *testing.T) {
	u, err := New(validInput(), now)
	require.NoError(t, err)

	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "Ana Silva", u.Name)
	assert.Equal(t, "ana.silva@example.com", u.Email)
	assert.False(t, u.IsActive, "accounts start inactive")
	assert.Nil(t, u.LastLoginAt)
	assert.Equal(t, now, u.CreatedAt)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		want   error
	}{
		{"missing name", func(in *Input) { in.Name = " " }, ErrNameRequired},
		{"long name", func(in *Input) { in.Name = strings.Repeat("n", 256) }, ErrFieldTooLong},
		{"bad email", func(in *Input) { in.Email = "ana@" }, ErrInvalidEmail},
		{"bad role", func(in *Input) { in.Role = "Admin" }, ErrInvalidRole},
		{"alpha employee id", func(in *Input) { in.EmployeeID = "E-1042" }, ErrInvalidEmployeeID},
		{"empty employee id", func(in *Input) { in.EmployeeID = "" }, ErrInvalidEmployeeID},
		{"missing department", func(in *Input) { in.Department = "" }, ErrDepartmentRequired},
		{"missing job title", func(in *Input) { in.JobTitle = "" }, ErrJobTitleRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := New(in, now)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestActivationAndLogin(t *testing.T) {
	u, err := New(validInput(), now)
	require.NoError(t, err)

	u.Activate(now.Add(time.Minute))
	assert.True(t, u.IsActive)

	first := u.TouchLogin(now.Add(time.Hour))
	assert.Nil(t, first)
	second := u.TouchLogin(now.Add(2 * time.Hour))
	require.NotNil(t, second)
	assert.Equal(t, now.Add(time.Hour), *second)
	assert.Equal(t, now.Add(2*time.Hour), *u.LastLoginAt)

	u.Deactivate(now.Add(3 * time.Hour))
	assert.False(t, u.IsActive)
}
