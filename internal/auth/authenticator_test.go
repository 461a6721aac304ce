// ABOUTME: Tests for operator password authentication and the adapters
// ABOUTME: Uses an in-memory SQLite store seeded with a bcrypt hash

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pinion/internal/protocol"
	"github.com/2389/pinion/internal/store"
)

func TestPasswordAuthenticator(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	require.NoError(t, s.CreateOperator(t.Context(), "admin", hash))

	a := NewPasswordAuthenticator(s)

	user, err := a.AuthenticateUser(t.Context(), "admin", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)

	_, err = a.AuthenticateUser(t.Context(), "admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.AuthenticateUser(t.Context(), "ghost", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	_, err := HashPassword("")
	assert.Error(t, err)
}

func TestAllowAll(t *testing.T) {
	var users UserAuthenticator = AllowAll{}
	var servers ServerAuthenticator = AllowAll{}

	user, err := users.AuthenticateUser(t.Context(), "anyone", "")
	require.NoError(t, err)
	assert.Equal(t, "anyone", user.Username)
	assert.NoError(t, servers.AuthenticateServer(t.Context(), protocol.Register{ID: "x"}))
}

func TestAdapters(t *testing.T) {
	called := false
	var servers ServerAuthenticator = ServerAuthFunc(func(_ context.Context, reg protocol.Register) error {
		called = reg.ID == "s"
		return nil
	})
	require.NoError(t, servers.AuthenticateServer(t.Context(), protocol.Register{ID: "s"}))
	assert.True(t, called)

	var users UserAuthenticator = UserAuthFunc(func(context.Context, string, string) (*User, error) {
		return nil, ErrInvalidCredentials
	})
	_, err := users.AuthenticateUser(t.Context(), "u", "p")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
