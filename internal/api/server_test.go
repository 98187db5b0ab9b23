package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/sesionesfotosia/headshot-hub/internal/astria"
	"github.com/sesionesfotosia/headshot-hub/internal/auth"
	"github.com/sesionesfotosia/headshot-hub/internal/billing"
	"github.com/sesionesfotosia/headshot-hub/internal/config"
	"github.com/sesionesfotosia/headshot-hub/internal/events"
	"github.com/sesionesfotosia/headshot-hub/internal/idempotency"
	"github.com/sesionesfotosia/headshot-hub/internal/lifecycle"
	"github.com/sesionesfotosia/headshot-hub/internal/pricing"
	"github.com/sesionesfotosia/headshot-hub/internal/proxy"
	"github.com/sesionesfotosia/headshot-hub/internal/store"
	"github.com/sesionesfotosia/headshot-hub/internal/uploads"
)

const (
	jwtSecret     = "test-secret-at-least-32-chars-long"
	webhookSecret = "hook-secret"
)

type fakeGateway struct {
	billing.Gateway
	calls atomic.Int32
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	f.calls.Add(1)
	return &billing.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.com/c/cs_test?price=" + req.PriceID}, nil
}

func (f *fakeGateway) ParseWebhook(payload []byte, sig string) (*billing.WebhookEvent, error) {
	if sig != "t=1,v1=good" {
		return nil, billing.ErrInvalidSignature
	}
	var ev billing.WebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

type fakeTunes struct {
	err error
}

func (f *fakeTunes) CreateTune(_ context.Context, req astria.TuneRequest) (*astria.Tune, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &astria.Tune{ID: "9001", Title: req.Title}, nil
}

type fakePacks struct{}

func (fakePacks) ListPacks(context.Context) ([]astria.Pack, error) {
	return []astria.Pack{
		{ID: "1", Slug: "anime", Title: "Anime"},
		{ID: "2", Slug: "corporate-headshots", Title: "Corporate Headshots"},
	}, nil
}

type fakeSigner struct{}

func (fakeSigner) SignSample(_ context.Context, userID, filename, contentType string) (*uploads.Upload, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return nil, uploads.ErrUnsupportedType
	}
	return &uploads.Upload{
		UploadURL: "https://bucket.example.com/samples/" + userID + "/x.jpg?sig=1",
		Method:    http.MethodPut,
		PublicURL: "https://bucket.example.com/samples/" + userID + "/x.jpg",
	}, nil
}

type testEnv struct {
	srv     *Server
	store   store.Store
	gateway *fakeGateway
	tunes   *fakeTunes
}

type envOption func(*config.Config, *Deps)

func withStripe() envOption {
	return func(cfg *config.Config, _ *Deps) { cfg.Stripe.Enabled = true }
}

func withPacks() envOption {
	return func(cfg *config.Config, d *Deps) {
		cfg.Astria.TuneType = "packs"
		cfg.Astria.AllowedPackSlugs = []string{"corporate-headshots"}
		d.Packs = fakePacks{}
	}
}

func withProxyHost(host string) envOption {
	return func(cfg *config.Config, _ *Deps) { cfg.Proxy.AllowedHosts = []string{host} }
}

func setupTestServer(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Site: config.SiteConfig{URL: "https://app.example.com"},
		Auth: config.AuthConfig{JWTSecret: jwtSecret, Audience: "authenticated"},
		Stripe: config.StripeConfig{
			PriceOneCredit:    "price_one",
			PriceThreeCredits: "price_three",
			PriceFiveCredits:  "price_five",
		},
		Astria: config.AstriaConfig{
			TuneType:      "tune",
			WebhookSecret: webhookSecret,
			CallbackURL:   "https://app.example.com",
		},
		Proxy: config.ProxyConfig{
			AllowedHosts: []string{"sdbooth2-production.s3.amazonaws.com"},
			Timeout:      5 * time.Second,
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond:      100,
			Burst:                  200,
			ProxyRequestsPerSecond: 100,
			ProxyBurst:             200,
		},
	}
	deps := Deps{Uploads: fakeSigner{}}
	for _, o := range opts {
		o(cfg, &deps)
	}

	logger := zap.NewNop()
	bus := events.New()
	markers := idempotency.NewSQL(s, time.Hour)
	catalog := billing.NewCatalog(cfg.Stripe)
	env := &testEnv{store: s, gateway: &fakeGateway{}, tunes: &fakeTunes{}}

	ap, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		t.Fatal(err)
	}
	directory := auth.NewDirectory(s, cfg.Auth)

	deps.Store = s
	deps.Auth = ap
	deps.Directory = directory
	deps.Payments = lifecycle.NewPayments(lifecycle.PaymentsConfig{
		Store: s, Catalog: catalog, Gateway: env.gateway, Markers: markers, Bus: bus,
		SiteURL: cfg.Site.URL, Logger: logger,
	})
	deps.Training = lifecycle.NewTraining(lifecycle.TrainingConfig{
		Store: s, Tunes: env.tunes, Bus: bus,
		ChargeCredit: cfg.Stripe.Enabled,
		Packs:        cfg.Astria.PacksEnabled(),
		AllowedPacks: cfg.Astria.AllowedPackSlugs,
		CallbackBase: cfg.Astria.CallbackURL,
		Secret:       cfg.Astria.WebhookSecret,
		Logger:       logger,
	})
	deps.Webhooks = lifecycle.NewWebhooks(lifecycle.WebhooksConfig{
		Store: s, Users: directory, Markers: markers, Bus: bus,
		Secret: cfg.Astria.WebhookSecret, Logger: logger,
	})
	deps.Pricing = pricing.NewLoader(catalog, nil, "es-ES", 2, logger)
	deps.Proxy = proxy.New(cfg.Proxy, logger)

	env.srv = NewServer(cfg, deps, logger)
	return env
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"email": userID + "@example.com",
		"role":  "authenticated",
		"aud":   "authenticated",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.mux.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return out
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int, key, msg string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	if key == "" {
		return
	}
	if got := decode(t, w)[key]; got != msg {
		t.Fatalf("expected %s %q, got %v", key, msg, got)
	}
}

func (e *testEnv) seedModel(t *testing.T, userID string) *store.Model {
	t.Helper()
	ctx := context.Background()
	if err := e.store.UpsertUser(ctx, &store.User{ID: userID, Email: userID + "@example.com"}); err != nil {
		t.Fatal(err)
	}
	m := &store.Model{UserID: userID, Name: "Ana", Type: "woman", Status: store.ModelProcessing}
	if err := e.store.CreateModel(ctx, m); err != nil {
		t.Fatal(err)
	}
	return m
}

func webhookURL(path, userID string, modelID int64, secret string) string {
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", userID)
	}
	if modelID != 0 {
		q.Set("model_id", fmt.Sprint(modelID))
	}
	if secret != "" {
		q.Set("webhook_secret", secret)
	}
	return path + "?" + q.Encode()
}

// --- Health ---

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	expect(t, w, http.StatusOK, "status", "ok")
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("expected security headers")
	}
}

func TestReadyz(t *testing.T) {
	env := setupTestServer(t)
	expect(t, env.do(t, http.MethodGet, "/readyz", "", nil), http.StatusOK, "status", "ready")
}

// --- Checkout ---

func TestCheckoutRequiresAuth(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodPost, "/api/create-checkout-session", "", map[string]string{"priceId": "price_three"})
	expect(t, w, http.StatusUnauthorized, "error", "Unauthorized")

	w = env.do(t, http.MethodPost, "/api/create-checkout-session", "not-a-jwt", map[string]string{"priceId": "price_three"})
	expect(t, w, http.StatusUnauthorized, "error", "Unauthorized")
}

func TestCheckoutValidation(t *testing.T) {
	env := setupTestServer(t)
	tok := tokenFor(t, "user-1")

	tests := []struct {
		name string
		body any
		msg  string
	}{
		{"not json", "{{", "Invalid request body"},
		{"missing price", map[string]any{}, "Missing or invalid priceId"},
		{"empty price", map[string]any{"priceId": ""}, "Missing or invalid priceId"},
		{"price not a string", map[string]any{"priceId": 42}, "Missing or invalid priceId"},
		{"unknown price", map[string]any{"priceId": "price_evil"}, "Invalid price ID selected."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/create-checkout-session", tok, tt.body)
			expect(t, w, http.StatusBadRequest, "error", tt.msg)
		})
	}
	if n := env.gateway.calls.Load(); n != 0 {
		t.Fatalf("payment provider called %d times for rejected requests", n)
	}
}

func TestCheckoutSuccess(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodPost, "/api/create-checkout-session", tokenFor(t, "user-1"),
		map[string]string{"priceId": "price_three"})
	expect(t, w, http.StatusOK, "url", "https://checkout.stripe.com/c/cs_test?price=price_three")

	// The authenticated identity is mirrored locally.
	u, err := env.store.GetUser(context.Background(), "user-1")
	if err != nil || u == nil || u.Email != "user-1@example.com" {
		t.Fatalf("expected mirrored user, got %+v (%v)", u, err)
	}
}

// --- Stripe webhook ---

func TestStripeWebhookCreditsUser(t *testing.T) {
	env := setupTestServer(t)
	payload := map[string]any{
		"ID":   "evt_1",
		"Type": "checkout.session.completed",
		"Checkout": map[string]any{
			"SessionID": "cs_1", "UserID": "buyer", "PriceID": "price_five", "Paid": true,
		},
	}
	data, _ := json.Marshal(payload)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(data))
		req.Header.Set("Stripe-Signature", "t=1,v1=good")
		w := httptest.NewRecorder()
		env.srv.mux.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	w := env.do(t, http.MethodGet, "/api/credits", tokenFor(t, "buyer"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode(t, w)["credits"]; got != float64(5) {
		t.Fatalf("expected 5 credits after redelivery, got %v", got)
	}
}

func TestStripeWebhookBadSignature(t *testing.T) {
	env := setupTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=forged")
	w := httptest.NewRecorder()
	env.srv.mux.ServeHTTP(w, req)
	expect(t, w, http.StatusBadRequest, "error", "Invalid signature")
}

// --- Astria webhooks ---

func TestTrainWebhookFinishesModel(t *testing.T) {
	env := setupTestServer(t)
	m := env.seedModel(t, "U")

	w := env.do(t, http.MethodPost, webhookURL("/astria/train-webhook", "U", m.ID, webhookSecret), "",
		map[string]any{"tune": map[string]any{"id": 1234, "title": "Ana"}})
	expect(t, w, http.StatusOK, "message", "success")

	got, _ := env.store.GetModel(context.Background(), m.ID)
	if got.Status != store.ModelFinished || got.ExternalID != "1234" {
		t.Fatalf("unexpected model after webhook: %+v", got)
	}

	// Redelivery is acknowledged.
	w = env.do(t, http.MethodPost, webhookURL("/astria/train-webhook", "U", m.ID, webhookSecret), "",
		map[string]any{"tune": map[string]any{"id": 1234}})
	expect(t, w, http.StatusOK, "message", "success")
}

func TestTrainWebhookRejections(t *testing.T) {
	env := setupTestServer(t)
	m := env.seedModel(t, "U")
	other := env.seedModel(t, "V")
	body := map[string]any{"tune": map[string]any{"id": 1}}

	tests := []struct {
		name   string
		target string
		body   any
		status int
		msg    string
	}{
		{"missing user", webhookURL("/astria/train-webhook", "", m.ID, webhookSecret), body, 400, "Malformed URL, no user_id detected!"},
		{"missing model", webhookURL("/astria/train-webhook", "U", 0, webhookSecret), body, 400, "Malformed URL, no model_id detected!"},
		{"missing secret", webhookURL("/astria/train-webhook", "U", m.ID, ""), body, 400, "Malformed URL, no webhook_secret detected!"},
		{"bad secret", webhookURL("/astria/train-webhook", "U", m.ID, "nope"), body, 401, "Unauthorized!"},
		{"bad model id", "/astria/train-webhook?user_id=U&model_id=abc&webhook_secret=" + webhookSecret, body, 400, "Invalid model_id"},
		{"bad body", webhookURL("/astria/train-webhook", "U", m.ID, webhookSecret), "nope", 400, "Invalid JSON body"},
		{"unknown user", webhookURL("/astria/train-webhook", "ghost", m.ID, webhookSecret), body, 401, "Unauthorized!"},
		{"not owner", webhookURL("/astria/train-webhook", "U", other.ID, webhookSecret), body, 404, "Model not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.target, "", tt.body)
			expect(t, w, tt.status, "message", tt.msg)
		})
	}

	for _, id := range []int64{m.ID, other.ID} {
		got, _ := env.store.GetModel(context.Background(), id)
		if got.Status != store.ModelProcessing {
			t.Fatalf("model %d mutated by rejected webhook: %+v", id, got)
		}
	}
}

func TestPromptWebhookInsertsImages(t *testing.T) {
	env := setupTestServer(t)
	m := env.seedModel(t, "U")

	w := env.do(t, http.MethodPost, webhookURL("/astria/prompt-webhook", "U", m.ID, strings.ToUpper(webhookSecret)), "",
		map[string]any{"prompt": map[string]any{
			"id":     77,
			"images": []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"},
		}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["message"] != "success" || resp["inserted"] != float64(2) || resp["failed"] != float64(0) {
		t.Fatalf("unexpected response: %v", resp)
	}

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/models/%d", m.ID), tokenFor(t, "U"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	detail := decode(t, w)
	if images, _ := detail["images"].([]any); len(images) != 2 {
		t.Fatalf("expected 2 images, got %v", detail["images"])
	}
}

// --- Reads ---

func TestModelReadsAreScopedToOwner(t *testing.T) {
	env := setupTestServer(t)
	m := env.seedModel(t, "U")
	env.seedModel(t, "V")

	w := env.do(t, http.MethodGet, "/api/models", tokenFor(t, "U"), nil)
	var models []store.Model
	if err := json.NewDecoder(w.Body).Decode(&models); err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].ID != m.ID {
		t.Fatalf("expected only own model, got %+v", models)
	}

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/models/%d", m.ID), tokenFor(t, "V"), nil)
	expect(t, w, http.StatusNotFound, "error", "Model not found")

	w = env.do(t, http.MethodGet, "/api/models/abc", tokenFor(t, "U"), nil)
	expect(t, w, http.StatusBadRequest, "error", "Invalid model id")
}

func TestCreditsDefaultZero(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/api/credits", tokenFor(t, "new-user"), nil)
	if w.Code != http.StatusOK || decode(t, w)["credits"] != float64(0) {
		t.Fatalf("expected 0 credits, got %d %s", w.Code, w.Body.String())
	}
}

func TestPricing(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/api/pricing", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var pkgs []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&pkgs); err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 3 {
		t.Fatalf("expected 3 packages, got %d", len(pkgs))
	}
	for _, p := range pkgs {
		if p["monetaryPrice"] != nil {
			t.Fatalf("expected null price without a stripe client, got %v", p["monetaryPrice"])
		}
	}
}

// --- Training ---

func validTrainBody() map[string]any {
	urls := make([]string, 4)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://uploads.example.com/%d.jpg", i)
	}
	return map[string]any{"urls": urls, "name": "Ana", "type": "woman"}
}

func TestTrainModel(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodPost, "/astria/train-model", tokenFor(t, "U"), validTrainBody())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["message"] != "success" || resp["model_id"] == nil {
		t.Fatalf("unexpected response: %v", resp)
	}

	w = env.do(t, http.MethodPost, "/astria/train-model", "", validTrainBody())
	expect(t, w, http.StatusUnauthorized, "message", "Unauthorized")

	body := validTrainBody()
	body["type"] = "robot"
	w = env.do(t, http.MethodPost, "/astria/train-model", tokenFor(t, "U"), body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestTrainModelNeedsCredits(t *testing.T) {
	env := setupTestServer(t, withStripe())
	w := env.do(t, http.MethodPost, "/astria/train-model", tokenFor(t, "U"), validTrainBody())
	expect(t, w, http.StatusPaymentRequired, "message", "Not enough credits")
}

func TestTrainModelAstriaFailure(t *testing.T) {
	env := setupTestServer(t, withStripe())
	env.tunes.err = errors.New("astria down")
	if _, err := env.store.AddCredits(context.Background(), "U", 1); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodPost, "/astria/train-model", tokenFor(t, "U"), validTrainBody())
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if n, _ := env.store.GetCredits(context.Background(), "U"); n != 1 {
		t.Fatalf("expected refunded credit, got %d", n)
	}
}

func TestSampleUpload(t *testing.T) {
	env := setupTestServer(t)
	tok := tokenFor(t, "U")

	w := env.do(t, http.MethodPost, "/astria/train-model/image-upload", tok,
		map[string]string{"filename": "me.jpg", "contentType": "image/jpeg"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["url"] != "https://bucket.example.com/samples/U/x.jpg" {
		t.Fatal("expected public url")
	}

	w = env.do(t, http.MethodPost, "/astria/train-model/image-upload", tok,
		map[string]string{"filename": "notes.txt", "contentType": "text/plain"})
	expect(t, w, http.StatusBadRequest, "message", "Only image uploads are allowed")
}

func TestPacks(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/astria/packs", tokenFor(t, "U"), nil)
	expect(t, w, http.StatusNotFound, "message", "Not found")

	env = setupTestServer(t, withPacks())
	w = env.do(t, http.MethodGet, "/astria/packs", tokenFor(t, "U"), nil)
	var packs []astria.Pack
	if err := json.NewDecoder(w.Body).Decode(&packs); err != nil {
		t.Fatal(err)
	}
	if len(packs) != 1 || packs[0].Slug != "corporate-headshots" || packs[0].Title != "Corporativo" {
		t.Fatalf("unexpected packs: %+v", packs)
	}
}

// --- Image proxy ---

func TestImageProxyRejections(t *testing.T) {
	env := setupTestServer(t)

	expect(t, env.do(t, http.MethodGet, "/api/image-proxy", "", nil),
		http.StatusBadRequest, "error", "Missing image URL parameter")
	expect(t, env.do(t, http.MethodGet, "/api/image-proxy?url="+url.QueryEscape("ftp://x/y.png"), "", nil),
		http.StatusBadRequest, "error", "Invalid image URL format")
	expect(t, env.do(t, http.MethodGet, "/api/image-proxy?url="+url.QueryEscape("https://evil.example.com/a.png"), "", nil),
		http.StatusForbidden, "error", "Access to this image domain is forbidden")
}

func withProxyLimit(burst int) envOption {
	return func(cfg *config.Config, _ *Deps) {
		cfg.RateLimit.ProxyRequestsPerSecond = 0.001
		cfg.RateLimit.ProxyBurst = burst
	}
}

func withTrustedProxy() envOption {
	return func(cfg *config.Config, _ *Deps) { cfg.Server.TrustProxyHeaders = true }
}

func proxyFrom(t *testing.T, env *testEnv, forwardedFor string, want int) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/image-proxy", nil)
	req.Header.Set("X-Forwarded-For", forwardedFor)
	w := httptest.NewRecorder()
	env.srv.mux.ServeHTTP(w, req)
	if w.Code != want {
		t.Fatalf("X-Forwarded-For %s: status %d, want %d", forwardedFor, w.Code, want)
	}
}

func TestImageProxyLimitIgnoresForwardedFor(t *testing.T) {
	env := setupTestServer(t, withProxyLimit(2))

	proxyFrom(t, env, "10.0.0.1", http.StatusBadRequest)
	proxyFrom(t, env, "10.0.0.2", http.StatusBadRequest)
	// Same socket address, new header: still the same bucket.
	proxyFrom(t, env, "10.0.0.3", http.StatusTooManyRequests)
}

func TestImageProxyLimitTrustsForwardedForBehindProxy(t *testing.T) {
	env := setupTestServer(t, withProxyLimit(1), withTrustedProxy())

	proxyFrom(t, env, "10.0.0.1", http.StatusBadRequest)
	proxyFrom(t, env, "10.0.0.1", http.StatusTooManyRequests)
	proxyFrom(t, env, "10.0.0.2", http.StatusBadRequest)
}

func TestImageProxyStreamsImage(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing.png" {
			http.Error(w, "NoSuchKey", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	env := setupTestServer(t, withProxyHost(u.Hostname()))

	w := env.do(t, http.MethodGet, "/api/image-proxy?filename=headshot%201.png&url="+url.QueryEscape(upstream.URL+"/a.png"), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	h := w.Header()
	if h.Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected content type %q", h.Get("Content-Type"))
	}
	if h.Get("Content-Disposition") != `attachment; filename="headshot 1.png"` {
		t.Fatalf("unexpected disposition %q", h.Get("Content-Disposition"))
	}
	if h.Get("Cache-Control") != "no-cache, no-store, must-revalidate" || h.Get("Expires") != "0" {
		t.Fatal("expected no-cache headers")
	}
	if !strings.HasPrefix(w.Body.String(), "\x89PNG") {
		t.Fatal("expected image body")
	}

	w = env.do(t, http.MethodGet, "/api/image-proxy?url="+url.QueryEscape(upstream.URL+"/missing.png"), "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected upstream status 404, got %d", w.Code)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 upstream hits, got %d", hits.Load())
	}
}
