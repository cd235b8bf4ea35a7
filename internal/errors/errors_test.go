package errors

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAppErrorWrapping(t *testing.T) {
	err := New(ErrorTypeSession, SeverityCritical, "SESSION_TOKEN_GENERATION", "token generation failed").
		WithError(io.ErrUnexpectedEOF).
		WithContext("user_id", "player-1")

	assert.Contains(t, err.Error(), "SESSION_TOKEN_GENERATION")
	assert.Contains(t, err.Error(), io.ErrUnexpectedEOF.Error())
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, "player-1", err.Context["user_id"])
}

func TestAppErrorWithoutCause(t *testing.T) {
	err := New(ErrorTypeValidation, SeverityLow, "BAD_FIELD", "direction out of range")
	assert.Equal(t, "BAD_FIELD: direction out of range", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}

func TestRecoverSwallowsPanic(t *testing.T) {
	called := false
	func() {
		defer Recover(zap.NewNop(), "test", func() { called = true })
		panic("boom")
	}()
	require.True(t, called)
}

func TestRecoverNoPanicNoCallback(t *testing.T) {
	called := false
	func() {
		defer Recover(zap.NewNop(), "test", func() { called = true })
	}()
	assert.False(t, called)
}
