// Package auth validates Supabase session tokens and resolves user identities.
package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the caller behind a validated session token.
type Identity struct {
	UserID string
	Email  string
	Role   string // Supabase role claim, usually "authenticated"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// identityFromClaims builds an Identity from Supabase access-token claims.
func identityFromClaims(claims jwt.MapClaims) (*Identity, error) {
	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{
		UserID: sub,
		Email:  claimStr(claims, "email"),
		Role:   claimStr(claims, "role"),
	}, nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// chain tries each provider in order and returns the first identity.
type chain []Provider

func (c chain) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	for _, p := range c {
		if id, err := p.ValidateToken(ctx, token); err == nil {
			return id, nil
		}
	}
	return nil, ErrUnauthorized
}

func (c chain) Name() string {
	name := ""
	for i, p := range c {
		if i > 0 {
			name += "+"
		}
		name += p.Name()
	}
	return name
}
