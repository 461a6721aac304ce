// ABOUTME: JWT tokens binding a monitored server to its server id
// ABOUTME: HS256 signing with the configured secret; sub carries the server id

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/pinion/internal/protocol"
)

// Token errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrMissingClaim   = errors.New("missing required claim")
	ErrMissingToken   = errors.New("missing token")
	ErrServerMismatch = errors.New("token issued for a different server")
)

const serverTokenType = "server"

// JWTVerifier signs and verifies server tokens.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and returns its "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	if typ, _ := claims["typ"].(string); typ != serverTokenType {
		return "", fmt.Errorf("%w: typ", ErrMissingClaim)
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate issues a token for serverID. A zero expiresIn means no expiry.
func (v *JWTVerifier) Generate(serverID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": serverID,
		"typ": serverTokenType,
		"iat": now.Unix(),
	}
	if expiresIn > 0 {
		claims["exp"] = now.Add(expiresIn).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// AuthenticateServer accepts a registration whose token was issued for its id.
func (v *JWTVerifier) AuthenticateServer(_ context.Context, reg protocol.Register) error {
	if reg.Token == "" {
		return ErrMissingToken
	}
	sub, err := v.Verify(reg.Token)
	if err != nil {
		return err
	}
	if sub != reg.ID {
		return fmt.Errorf("%w: token for %q, registering as %q", ErrServerMismatch, sub, reg.ID)
	}
	return nil
}

// TokenSource returns a function suitable for a monitor's token hook: it mints
// a fresh token for each registration.
func (v *JWTVerifier) TokenSource(ttl time.Duration) func(ctx context.Context, reg protocol.Register) (string, error) {
	return func(_ context.Context, reg protocol.Register) (string, error) {
		return v.Generate(reg.ID, ttl)
	}
}
