package utils

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(8)
	require.NoError(t, err)

	assert.Len(t, code, 16, "8 bytes encode to 16 hex chars")
	assert.Equal(t, strings.ToUpper(code), code)

	other, err := GenerateCode(8)
	require.NoError(t, err)
	assert.NotEqual(t, code, other)
}

func TestCircuitBreaker_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker("test")

	err := cb.Execute(func() error { return nil })
	assert.NoError(t, err)

	boom := errors.New("boom")
	err = cb.Execute(func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestCircuitBreaker_OpensAfterSustainedFailures(t *testing.T) {
	cb := NewCircuitBreaker("test")

	boom := errors.New("boom")
	for i := 0; i < 100; i++ {
		_ = cb.Execute(func() error { return boom })
	}

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
