package idempotency

import (
	"context"
	"time"

	"github.com/sesionesfotosia/headshot-hub/internal/store"
)

// SQLMarker keeps markers in the webhook_events table.
type SQLMarker struct {
	store store.Store
	lease time.Duration
	ttl   time.Duration
}

// NewSQL returns a marker backed by st. Completed markers live for ttl.
func NewSQL(st store.Store, ttl time.Duration) *SQLMarker {
	return &SQLMarker{store: st, lease: DefaultLease, ttl: ttl}
}

func (m *SQLMarker) Claim(ctx context.Context, provider, key string) (bool, error) {
	return m.store.ClaimWebhookEvent(ctx, provider, key, m.lease)
}

func (m *SQLMarker) Complete(ctx context.Context, provider, key string) error {
	return m.store.CompleteWebhookEvent(ctx, provider, key, m.ttl)
}

func (m *SQLMarker) Release(ctx context.Context, provider, key string) error {
	return m.store.ReleaseWebhookEvent(ctx, provider, key)
}
