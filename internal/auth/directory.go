package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sesionesfotosia/headshot-hub/internal/config"
	"github.com/sesionesfotosia/headshot-hub/internal/store"
)

// Directory resolves user ids to users. The local users table is consulted
// first; with a service role key the Supabase admin API is the fallback and
// its answers are cached locally. Cached users are confirmed against the
// admin API again once they are older than the recheck interval, so users
// deleted in Supabase stop resolving.
type Directory struct {
	store      store.Store
	client     *http.Client
	projectURL string
	serviceKey string
	recheck    time.Duration
	now        func() time.Time

	mu       sync.Mutex
	seen     map[string]string    // user id -> last mirrored email
	verified map[string]time.Time // user id -> last confirmation by Supabase
}

// NewDirectory creates a Directory over st.
func NewDirectory(st store.Store, cfg config.AuthConfig) *Directory {
	recheck := cfg.UserRecheck
	if recheck <= 0 {
		recheck = time.Hour
	}
	return &Directory{
		store:      st,
		client:     &http.Client{Timeout: 10 * time.Second},
		projectURL: cfg.SupabaseURL,
		serviceKey: cfg.ServiceRoleKey,
		recheck:    recheck,
		now:        time.Now,
		seen:       make(map[string]string),
		verified:   make(map[string]time.Time),
	}
}

// Lookup returns the user with id, or nil when no such user exists.
func (d *Directory) Lookup(ctx context.Context, id string) (*store.User, error) {
	local, err := d.store.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if d.serviceKey == "" || d.projectURL == "" {
		return local, nil
	}
	if local != nil && d.fresh(id) {
		return local, nil
	}

	remote, err := d.fetchAdmin(ctx, id)
	if err != nil {
		// An unreachable admin API does not revoke a user we already know.
		if local != nil {
			return local, nil
		}
		return nil, err
	}
	if remote == nil {
		d.forget(id)
		return nil, nil
	}
	if local == nil || local.Email != remote.Email {
		if err := d.store.UpsertUser(ctx, remote); err != nil {
			return nil, fmt.Errorf("cache user: %w", err)
		}
	}
	d.confirm(id)
	return remote, nil
}

func (d *Directory) fresh(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.verified[id]
	return ok && d.now().Sub(at) < d.recheck
}

func (d *Directory) confirm(id string) {
	d.mu.Lock()
	d.verified[id] = d.now()
	d.mu.Unlock()
}

func (d *Directory) forget(id string) {
	d.mu.Lock()
	delete(d.verified, id)
	delete(d.seen, id)
	d.mu.Unlock()
}

// Remember mirrors an authenticated identity into the users table. Repeated
// calls for an unchanged identity do not touch the store.
func (d *Directory) Remember(ctx context.Context, id *Identity) error {
	d.mu.Lock()
	email, ok := d.seen[id.UserID]
	d.mu.Unlock()
	if ok && email == id.Email {
		return nil
	}

	if err := d.store.UpsertUser(ctx, &store.User{ID: id.UserID, Email: id.Email}); err != nil {
		return fmt.Errorf("mirror user: %w", err)
	}
	d.mu.Lock()
	d.seen[id.UserID] = id.Email
	d.mu.Unlock()
	return nil
}

type adminUser struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (d *Directory) fetchAdmin(ctx context.Context, id string) (*store.User, error) {
	endpoint := d.projectURL + "/auth/v1/admin/users/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", d.serviceKey)
	req.Header.Set("Authorization", "Bearer "+d.serviceKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supabase admin lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	// Supabase answers malformed ids with 400 or 422.
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("supabase admin lookup: status %d: %s", resp.StatusCode, body)
	}

	var au adminUser
	if err := json.NewDecoder(resp.Body).Decode(&au); err != nil {
		return nil, fmt.Errorf("decode supabase user: %w", err)
	}
	if au.ID == "" {
		return nil, nil
	}
	return &store.User{ID: au.ID, Email: au.Email, CreatedAt: au.CreatedAt}, nil
}
