package contextutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRequest struct {
	SessionID string `validate:"required,max=8"`
	Limit     int    `validate:"gte=1,lte=10"`
}

func TestValidateStruct(t *testing.T) {
	require.NoError(t, ValidateStruct(sampleRequest{SessionID: "s1", Limit: 3}))

	err := ValidateStruct(sampleRequest{SessionID: "", Limit: 30})
	require.Error(t, err)
	assert.Equal(t, ErrorCodeValidationFailed, GetErrorCode(err))
	assert.Contains(t, err.Error(), "sampleRequest.SessionID failed required")
	assert.Contains(t, err.Error(), "sampleRequest.Limit failed lte=10")
}

func TestIsValidSessionID(t *testing.T) {
	assert.True(t, IsValidSessionID("sess-2024-06-01"))
	assert.False(t, IsValidSessionID(""))
	assert.False(t, IsValidSessionID("has space"))
	assert.False(t, IsValidSessionID("a/b"))
}
