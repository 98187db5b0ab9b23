package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sesionesfotosia/headshot-hub/internal/astria"
	"github.com/sesionesfotosia/headshot-hub/internal/billing"
	"github.com/sesionesfotosia/headshot-hub/internal/events"
	"github.com/sesionesfotosia/headshot-hub/internal/idempotency"
	"github.com/sesionesfotosia/headshot-hub/internal/store"
)

const testSecret = "S3cret-Value"

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type users map[string]*store.User

func (u users) Lookup(_ context.Context, id string) (*store.User, error) {
	if id == "broken" {
		return nil, errors.New("directory down")
	}
	return u[id], nil
}

type sentMail struct {
	to, title, key string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeNotifier) ModelReady(_ context.Context, to, title, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to, title, key})
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeTunes struct {
	mu   sync.Mutex
	reqs []astria.TuneRequest
	err  error
	// before runs ahead of the answer, standing in for an early callback.
	before func(req astria.TuneRequest)
}

func (f *fakeTunes) CreateTune(_ context.Context, req astria.TuneRequest) (*astria.Tune, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.before != nil {
		f.before(req)
	}
	return &astria.Tune{ID: "1234", Title: req.Title}, nil
}

type fakeGateway struct {
	billing.Gateway
	checkouts []billing.CheckoutRequest
	session   *billing.CheckoutSession
	err       error
	event     *billing.WebhookEvent
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	f.checkouts = append(f.checkouts, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeGateway) ParseWebhook(_ []byte, sig string) (*billing.WebhookEvent, error) {
	if sig != "valid" {
		return nil, billing.ErrInvalidSignature
	}
	return f.event, nil
}

// failingImages fails image inserts for one URI.
type failingImages struct {
	store.Store
	bad string
}

func (f failingImages) InsertImage(ctx context.Context, img *store.Image) error {
	if img.URI == f.bad {
		return errors.New("disk full")
	}
	return f.Store.InsertImage(ctx, img)
}

func requireKind(t *testing.T, err error, kind error, msg string) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	if msg != "" {
		require.Equal(t, msg, Message(err, ""))
	}
}

func recv(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return events.Event{}
	}
}

func newMarker(st store.Store) idempotency.Marker {
	return idempotency.NewSQL(st, time.Hour)
}
