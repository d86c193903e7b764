package rbac

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryString(t *testing.T) {
	want := []string{"invalid-credential", "activation-failed", "already-active", "not-active", "session-invalid", "transport-error"}
	for i, c := range Categories() {
		assert.True(t, c.Valid())
		assert.Equal(t, want[i], c.String())
	}
	assert.False(t, Category(0).Valid())
	assert.Equal(t, "category(42)", Category(42).String())
}

func TestErrorMatching(t *testing.T) {
	err := Errorf(AlreadyActive, "add active role", "role %q is already active", "role1")
	assert.Equal(t, `add active role: already-active: role "role1" is already active`, err.Error())
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.NotErrorIs(t, err, ErrNotActive)

	wrapped := fmt.Errorf("outer: %w", err)
	c, ok := CategoryOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, AlreadyActive, c)

	_, ok = CategoryOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestWrapError(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(TransportError, "check access", cause)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "check access: transport-error: connection refused", err.Error())

	inner := NewError(SessionInvalid, "delete session", "unknown token")
	assert.Same(t, inner, WrapError(TransportError, "delete session", inner).(*Error))
}
