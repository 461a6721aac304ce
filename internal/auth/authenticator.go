// ABOUTME: Authenticator contracts consulted by the master at registration time
// ABOUTME: Password-backed operators, function adapters and the anonymous AllowAll mode

package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/pinion/internal/protocol"
	"github.com/2389/pinion/internal/store"
)

// ErrInvalidCredentials is returned for an unknown operator or wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

// User is an authenticated operator.
type User struct {
	Username string
}

// UserAuthenticator checks an operator's credentials.
type UserAuthenticator interface {
	AuthenticateUser(ctx context.Context, username, password string) (*User, error)
}

// ServerAuthenticator checks a monitored server's registration.
type ServerAuthenticator interface {
	AuthenticateServer(ctx context.Context, reg protocol.Register) error
}

// UserAuthFunc adapts a function to UserAuthenticator.
type UserAuthFunc func(ctx context.Context, username, password string) (*User, error)

func (f UserAuthFunc) AuthenticateUser(ctx context.Context, username, password string) (*User, error) {
	return f(ctx, username, password)
}

// ServerAuthFunc adapts a function to ServerAuthenticator.
type ServerAuthFunc func(ctx context.Context, reg protocol.Register) error

func (f ServerAuthFunc) AuthenticateServer(ctx context.Context, reg protocol.Register) error {
	return f(ctx, reg)
}

// AllowAll accepts every registration.
type AllowAll struct{}

func (AllowAll) AuthenticateUser(_ context.Context, username, _ string) (*User, error) {
	return &User{Username: username}, nil
}

func (AllowAll) AuthenticateServer(context.Context, protocol.Register) error {
	return nil
}

// OperatorStore is the slice of the store the password authenticator needs.
type OperatorStore interface {
	GetOperator(ctx context.Context, username string) (*store.Operator, error)
}

// PasswordAuthenticator verifies operators against bcrypt hashes in the store.
type PasswordAuthenticator struct {
	store OperatorStore
}

// NewPasswordAuthenticator creates a PasswordAuthenticator.
func NewPasswordAuthenticator(s OperatorStore) *PasswordAuthenticator {
	return &PasswordAuthenticator{store: s}
}

func (a *PasswordAuthenticator) AuthenticateUser(ctx context.Context, username, password string) (*User, error) {
	op, err := a.store.GetOperator(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("loading operator: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &User{Username: op.Username}, nil
}

// HashPassword returns the bcrypt digest stored for an operator.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
