// Package auth is the seam where handshake credentials are checked. The relay
// itself never rejects a connection; an Authorizer may.
package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when the credential token is rejected.
var ErrUnauthorized = errors.New("unauthorized")

// Credentials are the values extracted from the handshake.
type Credentials struct {
	Token       string
	DisplayName string
}

// Authorizer validates handshake credentials and may settle the username.
// It returns the username to register, or "" to keep the declared name.
type Authorizer interface {
	Authorize(ctx context.Context, creds Credentials) (string, error)
}

// AllowAll accepts every connection and keeps the declared display name.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context, Credentials) (string, error) {
	return "", nil
}

// Claims carried by relay tokens.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthorizer verifies HS256 tokens. A username claim, or the subject when
// that is empty, overrides the declared display name.
type JWTAuthorizer struct {
	secret []byte
}

// NewJWTAuthorizer returns an authorizer keyed by secret.
func NewJWTAuthorizer(secret string) *JWTAuthorizer {
	return &JWTAuthorizer{secret: []byte(secret)}
}

// Authorize implements Authorizer.
func (a *JWTAuthorizer) Authorize(_ context.Context, creds Credentials) (string, error) {
	if strings.TrimSpace(creds.Token) == "" {
		return "", ErrUnauthorized
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(creds.Token, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrUnauthorized
	}

	if claims.Username != "" {
		return claims.Username, nil
	}
	return claims.Subject, nil
}
