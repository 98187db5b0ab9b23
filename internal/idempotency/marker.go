// Package idempotency guards webhook side effects with processed-markers so a
// redelivered provider callback is acknowledged without being applied twice.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sesionesfotosia/headshot-hub/internal/config"
	"github.com/sesionesfotosia/headshot-hub/internal/store"
)

// DefaultLease bounds how long an in-flight claim blocks redeliveries. A
// crashed handler's claim becomes reclaimable after it.
const DefaultLease = 5 * time.Minute

// ErrComplete wraps a failure to mark a finished event as done. The side
// effects already happened, so callers log it and still acknowledge.
var ErrComplete = errors.New("mark event done")

// Marker records processed webhook events.
type Marker interface {
	// Claim reserves provider/key. It reports false when the event is already
	// done or another delivery is handling it.
	Claim(ctx context.Context, provider, key string) (bool, error)
	Complete(ctx context.Context, provider, key string) error
	Release(ctx context.Context, provider, key string) error
}

// Do runs fn at most once per provider/key. It returns false without calling
// fn when the event was already claimed. When fn fails the claim is released
// so the provider's retry can run it again.
func Do(ctx context.Context, m Marker, provider, key string, fn func() error) (bool, error) {
	claimed, err := m.Claim(ctx, provider, key)
	if err != nil {
		return false, fmt.Errorf("claim %s %s: %w", provider, key, err)
	}
	if !claimed {
		return false, nil
	}

	if err := fn(); err != nil {
		// Release on a fresh context: the request context may be the reason fn failed.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := m.Release(relCtx, provider, key); relErr != nil {
			return true, errors.Join(err, fmt.Errorf("release %s %s: %w", provider, key, relErr))
		}
		return true, err
	}

	if err := m.Complete(ctx, provider, key); err != nil {
		return true, fmt.Errorf("%w: %s %s: %v", ErrComplete, provider, key, err)
	}
	return true, nil
}

// New builds the marker selected by cfg. The returned close func releases the
// backend connection, if any.
func New(ctx context.Context, cfg config.IdempotencyConfig, st store.Store) (Marker, func() error, error) {
	switch cfg.Backend {
	case "", "sql":
		return NewSQL(st, cfg.TTL), func() error { return nil }, nil
	case "redis":
		client, err := DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return NewRedis(client, cfg.TTL), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency backend %q", cfg.Backend)
	}
}
