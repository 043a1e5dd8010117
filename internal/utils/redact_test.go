package contextutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		expected string
	}{
		{name: "empty", apiKey: "", expected: "[EMPTY]"},
		{name: "short", apiKey: "abcd", expected: "****"},
		{name: "eight chars", apiKey: "abcdefgh", expected: "********"},
		{name: "long", apiKey: "sk-abcdefghijkl", expected: "sk-a*******ijkl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskAPIKey(tt.apiKey))
		})
	}
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "postgres://planner:xxxxx@db:5432/plans?sslmode=disable",
		RedactURL("postgres://planner:secret@db:5432/plans?sslmode=disable"))
	assert.Equal(t, "redis://localhost:6379/0", RedactURL("redis://localhost:6379/0"))
	assert.Equal(t, "[REDACTED]", RedactURL("host=db password=secret"))
	assert.Equal(t, "", RedactURL(""))
}
