package utils

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRequest struct {
	Name        string   `validate:"required"`
	Permissions []string `validate:"required,min=1"`
	Role        string   `validate:"omitempty,oneof=viewer user editor admin"`
	TTLMinutes  int      `validate:"omitempty,gt=0"`
}

func TestValidateStruct_Valid(t *testing.T) {
	assert.NoError(t, ValidateStruct(sampleRequest{
		Name:        "report-agent",
		Permissions: []string{"memory.read"},
		Role:        "viewer",
		TTLMinutes:  30,
	}))
}

func TestValidateStruct_Invalid(t *testing.T) {
	err := ValidateStruct(sampleRequest{Role: "owner", TTLMinutes: -5})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	fields := GetValidationFields(err)
	assert.Contains(t, fields, "Name")
	assert.Contains(t, fields, "Permissions")
	assert.Contains(t, fields, "Role")
	assert.Contains(t, fields, "TTLMinutes")
	assert.Equal(t, "Name is required", fields["Name"])
	assert.Equal(t, "Role must be one of: viewer user editor admin", fields["Role"])
}

func TestIsValidationError_OtherError(t *testing.T) {
	assert.False(t, IsValidationError(assert.AnError))
	assert.Nil(t, GetValidationFields(assert.AnError))
}

func TestParseUUIDParam(t *testing.T) {
	id := uuid.New()

	parsed, err := ParseUUIDParam(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseUUIDParam("not-a-uuid")
	assert.Error(t, err)
}
