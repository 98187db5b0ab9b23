package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// SupabaseProvider validates asymmetric Supabase access tokens against the
// project's JWKS.
type SupabaseProvider struct {
	issuer   string
	audience string
	jwks     keyfunc.Keyfunc
}

// NewSupabaseProvider fetches the JWKS published under projectURL.
func NewSupabaseProvider(projectURL, audience string) (*SupabaseProvider, error) {
	if projectURL == "" {
		return nil, fmt.Errorf("supabase project URL is required")
	}

	issuer := projectURL + "/auth/v1"
	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &SupabaseProvider{
		issuer:   issuer,
		audience: audience,
		jwks:     jwks,
	}, nil
}

// ValidateToken parses a Supabase JWT and returns an Identity.
func (p *SupabaseProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx), opts...)
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
func (p *SupabaseProvider) Name() string { return "supabase-jwks" }
