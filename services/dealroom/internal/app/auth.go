package app

import (
	"context"
	"strings"

	"dealroom/pkg/auth"
	"dealroom/pkg/domain"
)

// StaticAuthenticator recognises exactly one identity.
type StaticAuthenticator struct {
	user  domain.User
	email string
	hash  string
}

// NewStaticAuthenticator hashes password once and accepts it for user's email.
func NewStaticAuthenticator(user domain.User, password string) (*StaticAuthenticator, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	return NewStaticAuthenticatorHash(user, hash), nil
}

// NewStaticAuthenticatorHash accepts a precomputed bcrypt hash.
func NewStaticAuthenticatorHash(user domain.User, hash string) *StaticAuthenticator {
	return &StaticAuthenticator{user: user, email: normalizeEmail(user.Email), hash: hash}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, email, password string) (domain.User, error) {
	if normalizeEmail(email) != a.email || !auth.CheckPassword(password, a.hash) {
		return domain.User{}, ErrInvalidCredentials
	}
	return a.user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
