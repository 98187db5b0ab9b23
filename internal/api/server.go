// Package api provides the HTTP API and middleware for headshot-hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sesionesfotosia/headshot-hub/internal/astria"
	"github.com/sesionesfotosia/headshot-hub/internal/auth"
	"github.com/sesionesfotosia/headshot-hub/internal/config"
	"github.com/sesionesfotosia/headshot-hub/internal/lifecycle"
	"github.com/sesionesfotosia/headshot-hub/internal/pricing"
	"github.com/sesionesfotosia/headshot-hub/internal/proxy"
	"github.com/sesionesfotosia/headshot-hub/internal/realtime"
	"github.com/sesionesfotosia/headshot-hub/internal/store"
	"github.com/sesionesfotosia/headshot-hub/internal/uploads"
)

// SampleSigner issues upload URLs for training photos.
type SampleSigner interface {
	SignSample(ctx context.Context, userID, filename, contentType string) (*uploads.Upload, error)
}

// PackLister lists Astria packs.
type PackLister interface {
	ListPacks(ctx context.Context) ([]astria.Pack, error)
}

// Deps are the services behind the routes. Uploads and Packs are optional;
// their routes are only registered when set.
type Deps struct {
	Store     store.Store
	Auth      auth.Provider
	Directory *auth.Directory
	Payments  *lifecycle.Payments
	Training  *lifecycle.Training
	Webhooks  *lifecycle.Webhooks
	Pricing   *pricing.Loader
	Proxy     *proxy.Proxy
	Realtime  *realtime.Router
	Uploads   SampleSigner
	Packs     PackLister
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	directory    *auth.Directory
	payments     *lifecycle.Payments
	training     *lifecycle.Training
	webhooks     *lifecycle.Webhooks
	pricing      *pricing.Loader
	proxy        *proxy.Proxy
	uploads      SampleSigner
	packs        PackLister
	allowedPacks []string
	logger       *zap.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	rl           *rateLimiter
	proxyRL      *rateLimiter
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	srv := &Server{
		store:        deps.Store,
		authProvider: deps.Auth,
		directory:    deps.Directory,
		payments:     deps.Payments,
		training:     deps.Training,
		webhooks:     deps.Webhooks,
		pricing:      deps.Pricing,
		proxy:        deps.Proxy,
		uploads:      deps.Uploads,
		packs:        deps.Packs,
		allowedPacks: cfg.Astria.AllowedPackSlugs,
		logger:       logger.With(zap.String("component", "api")),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	if cfg.Server.TrustProxyHeaders {
		mux.Use(chimw.RealIP)
	}
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Public catalog
	mux.Get("/api/pricing", srv.handlePricing)

	// Provider callbacks authenticate with a shared secret or a signature.
	mux.Post("/api/stripe/webhook", srv.handleStripeWebhook)
	mux.Post("/astria/train-webhook", srv.handleTrainWebhook)
	mux.Post("/astria/prompt-webhook", srv.handlePromptWebhook)

	srv.proxyRL = newRateLimiter(cfg.RateLimit.ProxyRequestsPerSecond, cfg.RateLimit.ProxyBurst)
	mux.With(ipRateLimitMiddleware(srv.proxyRL)).Get("/api/image-proxy", srv.handleImageProxy)

	// WebSocket route (auth handled inside)
	if deps.Realtime != nil {
		mux.Get("/api/realtime", deps.Realtime.HandleClientWS)
	}

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware("error"))
		r.Use(rateLimitMiddleware(srv.rl))

		r.Post("/api/create-checkout-session", srv.handleCreateCheckoutSession)
		r.Get("/api/credits", srv.handleGetCredits)
		r.Get("/api/models", srv.handleListModels)
		r.Get("/api/models/{modelID}", srv.handleGetModel)
	})
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware("message"))
		r.Use(rateLimitMiddleware(srv.rl))

		r.Post("/astria/train-model", srv.handleTrainModel)
		if srv.uploads != nil {
			r.Post("/astria/train-model/image-upload", srv.handleSampleUpload)
		}
		r.Get("/astria/packs", srv.handleListPacks)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.proxyRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Payments ---

func (s *Server) handleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	priceID, ok := body["priceId"].(string)
	if !ok || priceID == "" {
		writeError(w, http.StatusBadRequest, "Missing or invalid priceId")
		return
	}

	url, err := s.payments.Checkout(r.Context(), lifecycle.Buyer{UserID: identity.UserID, Email: identity.Email}, priceID)
	if err != nil {
		s.writeFailure(w, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		s.writeFailure(w, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pricing.Load(r.Context()))
}

// --- Credits and models ---

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	n, err := s.store.GetCredits(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("get credits failed", zap.String("user_id", identity.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load credits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"credits": n})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	models, err := s.store.ListModelsByUser(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("list models failed", zap.String("user_id", identity.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load models")
		return
	}
	if models == nil {
		models = []store.Model{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "modelID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid model id")
		return
	}

	ctx := r.Context()
	model, err := s.store.GetModel(ctx, id)
	if err != nil {
		s.logger.Error("get model failed", zap.Int64("model_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load model")
		return
	}
	if model == nil || model.UserID != identity.UserID {
		writeError(w, http.StatusNotFound, "Model not found")
		return
	}

	images, err := s.store.ListImages(ctx, id)
	if err != nil {
		s.logger.Error("list images failed", zap.Int64("model_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load model")
		return
	}
	samples, err := s.store.ListSamples(ctx, id)
	if err != nil {
		s.logger.Error("list samples failed", zap.Int64("model_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load model")
		return
	}
	if images == nil {
		images = []store.Image{}
	}
	if samples == nil {
		samples = []store.Sample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model":   model,
		"images":  images,
		"samples": samples,
	})
}

// --- Astria ---

func callbackParams(r *http.Request) lifecycle.CallbackParams {
	q := r.URL.Query()
	return lifecycle.CallbackParams{
		UserID:  q.Get("user_id"),
		ModelID: q.Get("model_id"),
		Secret:  q.Get("webhook_secret"),
	}
}

func (s *Server) handleTrainWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := s.webhooks.TuneFinished(r.Context(), callbackParams(r), body); err != nil {
		s.writeFailure(w, "message", err)
		return
	}
	writeMessage(w, http.StatusOK, "success")
}

func (s *Server) handlePromptWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	res, err := s.webhooks.PromptFinished(r.Context(), callbackParams(r), body)
	if err != nil {
		s.writeFailure(w, "message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "success",
		"inserted": res.Inserted,
		"failed":   res.Failed,
	})
}

func (s *Server) handleTrainModel(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req lifecycle.TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	model, err := s.training.Start(r.Context(), identity.UserID, req)
	if err != nil {
		s.writeFailure(w, "message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "success", "model_id": model.ID})
}

func (s *Server) handleSampleUpload(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Filename    string `json:"filename"`
		ContentType string `json:"contentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filename == "" {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	upload, err := s.uploads.SignSample(r.Context(), identity.UserID, req.Filename, req.ContentType)
	if errors.Is(err, uploads.ErrUnsupportedType) {
		writeMessage(w, http.StatusBadRequest, "Only image uploads are allowed")
		return
	}
	if err != nil {
		s.logger.Error("sign sample upload failed", zap.String("user_id", identity.UserID), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Upload failed")
		return
	}
	writeJSON(w, http.StatusOK, upload)
}

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	if s.packs == nil {
		writeMessage(w, http.StatusNotFound, "Not found")
		return
	}
	packs, err := s.packs.ListPacks(r.Context())
	if err != nil {
		s.logger.Error("list packs failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Failed to load packs")
		return
	}
	writeJSON(w, http.StatusOK, astria.FilterPacks(packs, s.allowedPacks))
}

// --- Image proxy ---

func (s *Server) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	u, err := s.proxy.Check(q.Get("url"))
	switch {
	case errors.Is(err, proxy.ErrMissingURL):
		writeError(w, http.StatusBadRequest, "Missing image URL parameter")
		return
	case errors.Is(err, proxy.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, "Invalid image URL format")
		return
	case errors.Is(err, proxy.ErrForbiddenHost):
		s.logger.Warn("image proxy host rejected", zap.String("url", q.Get("url")))
		writeError(w, http.StatusForbidden, "Access to this image domain is forbidden")
		return
	}

	img, err := s.proxy.Open(r.Context(), u)
	if err != nil {
		var upErr *proxy.UpstreamError
		if errors.As(err, &upErr) {
			writeError(w, upErr.Status, "Failed to fetch image")
			return
		}
		s.logger.Error("image proxy fetch failed", zap.String("host", u.Hostname()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error while fetching image")
		return
	}
	defer img.Body.Close()

	ct := img.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := w.Header()
	h.Set("Content-Type", ct)
	h.Set("Content-Disposition", `attachment; filename="`+proxy.SanitizeFilename(q.Get("filename"))+`"`)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	if img.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(img.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, img.Body); err != nil {
		s.logger.Debug("image proxy stream interrupted", zap.Error(err))
	}
}

// --- Helpers ---

// statusFor maps a lifecycle failure class to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, lifecycle.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure answers with the status and message of err under key.
func (s *Server) writeFailure(w http.ResponseWriter, key string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{key: lifecycle.Message(err, "Internal Server Error")})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
