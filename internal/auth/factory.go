package auth

import (
	"fmt"

	"github.com/sesionesfotosia/headshot-hub/internal/config"
)

// NewProvider creates the token Provider for cfg. When both a project URL and
// a shared secret are configured, JWKS-signed tokens are tried first.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	var providers chain
	if cfg.SupabaseURL != "" {
		p, err := NewSupabaseProvider(cfg.SupabaseURL, cfg.Audience)
		if err != nil && cfg.JWTSecret == "" {
			return nil, err
		}
		if err == nil {
			providers = append(providers, p)
		}
	}
	if cfg.JWTSecret != "" {
		providers = append(providers, NewSecretProvider(cfg.JWTSecret, cfg.Audience))
	}

	switch len(providers) {
	case 0:
		return nil, fmt.Errorf("no auth provider configured")
	case 1:
		return providers[0], nil
	default:
		return providers, nil
	}
}
