package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// SecretProvider validates HS256 tokens signed with the project's shared JWT
// secret.
type SecretProvider struct {
	secret   []byte
	audience string
}

// NewSecretProvider returns a provider for tokens signed with secret.
func NewSecretProvider(secret, audience string) *SecretProvider {
	return &SecretProvider{secret: []byte(secret), audience: audience}
}

// ValidateToken validates a bearer token and returns an Identity.
func (p *SecretProvider) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return identityFromClaims(claims)
}

// Name returns the provider name.
func (p *SecretProvider) Name() string { return "supabase-secret" }
