// Package hub is the main orchestrator that ties all headshot-hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sesionesfotosia/headshot-hub/internal/api"
	"github.com/sesionesfotosia/headshot-hub/internal/astria"
	"github.com/sesionesfotosia/headshot-hub/internal/auth"
	"github.com/sesionesfotosia/headshot-hub/internal/billing"
	"github.com/sesionesfotosia/headshot-hub/internal/config"
	"github.com/sesionesfotosia/headshot-hub/internal/events"
	"github.com/sesionesfotosia/headshot-hub/internal/idempotency"
	"github.com/sesionesfotosia/headshot-hub/internal/lifecycle"
	"github.com/sesionesfotosia/headshot-hub/internal/notify"
	"github.com/sesionesfotosia/headshot-hub/internal/pricing"
	"github.com/sesionesfotosia/headshot-hub/internal/proxy"
	"github.com/sesionesfotosia/headshot-hub/internal/realtime"
	"github.com/sesionesfotosia/headshot-hub/internal/store"
	"github.com/sesionesfotosia/headshot-hub/internal/uploads"
)

const markerPurgeInterval = time.Hour

// Hub is the main headshot-hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	bus          *events.Bus
	realtime     *realtime.Router
	api          *api.Server
	closeMarkers func() error
	logger       *zap.Logger
}

// New creates a new hub from configuration.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	markers, closeMarkers, err := idempotency.New(ctx, cfg.Idempotency, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init idempotency markers: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = closeMarkers()
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}
	directory := auth.NewDirectory(db, cfg.Auth)

	bus := events.New()
	catalog := billing.NewCatalog(cfg.Stripe)

	// Keep gateway a nil interface when Stripe is not configured.
	var gateway billing.Gateway
	if cfg.Stripe.SecretKey != "" {
		gateway = billing.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, nil)
	} else {
		logger.Warn("stripe secret key not set; checkout and live prices are disabled")
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.ResendAPIKey != "" {
		notifier = notify.NewResend(cfg.Notify.ResendAPIKey, cfg.Notify.From)
	} else {
		logger.Info("resend api key not set; model ready emails are disabled")
	}

	astriaClient := astria.New(cfg.Astria)
	if !astriaClient.Configured() {
		logger.Warn("astria api key not set; training requests will fail")
	}

	deps := api.Deps{
		Store:     db,
		Auth:      authProvider,
		Directory: directory,
		Payments: lifecycle.NewPayments(lifecycle.PaymentsConfig{
			Store:   db,
			Catalog: catalog,
			Gateway: gateway,
			Markers: markers,
			Bus:     bus,
			SiteURL: cfg.Site.URL,
			Logger:  logger,
		}),
		Training: lifecycle.NewTraining(lifecycle.TrainingConfig{
			Store:        db,
			Tunes:        astriaClient,
			Bus:          bus,
			ChargeCredit: cfg.Stripe.Enabled,
			Packs:        cfg.Astria.PacksEnabled(),
			AllowedPacks: cfg.Astria.AllowedPackSlugs,
			CallbackBase: cfg.Astria.CallbackURL,
			Secret:       cfg.Astria.WebhookSecret,
			Logger:       logger,
		}),
		Webhooks: lifecycle.NewWebhooks(lifecycle.WebhooksConfig{
			Store:    db,
			Users:    directory,
			Markers:  markers,
			Notifier: notifier,
			Bus:      bus,
			Secret:   cfg.Astria.WebhookSecret,
			Logger:   logger,
		}),
		Pricing: pricing.NewLoader(catalog, gateway, cfg.Pricing.Locale, cfg.Pricing.Workers, logger),
		Proxy:   proxy.New(cfg.Proxy, logger),
		Realtime: realtime.New(authProvider, bus, logger, realtime.Options{
			AllowedOrigins:  cfg.Server.AllowedOrigins,
			MaxConnsPerUser: cfg.Realtime.MaxConnsPerUser,
		}),
	}
	if cfg.Astria.PacksEnabled() {
		deps.Packs = astriaClient
	}
	if cfg.Uploads.Bucket != "" {
		signer, err := uploads.New(ctx, cfg.Uploads)
		if err != nil {
			_ = closeMarkers()
			_ = db.Close()
			return nil, fmt.Errorf("init uploads: %w", err)
		}
		deps.Uploads = signer
	}

	h := &Hub{
		cfg:          cfg,
		store:        db,
		bus:          bus,
		realtime:     deps.Realtime,
		api:          api.NewServer(cfg, deps, logger),
		closeMarkers: closeMarkers,
		logger:       logger.With(zap.String("component", "hub")),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			h.logger.Warn("CORS allowed_origins contains wildcard '*'; restrict to the site origin in production")
			break
		}
	}
	if cfg.Stripe.Enabled && gateway == nil {
		h.logger.Warn("credits are charged for training but stripe is not configured; users cannot buy credits")
	}

	return h, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	go h.runMarkerPurger(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("headshot-hub listening", zap.String("addr", h.cfg.Server.Addr))
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.Server.ShutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by Shutdown.
		h.realtime.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", zap.Error(err))
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (h *Hub) close() {
	h.bus.Close()
	if err := h.closeMarkers(); err != nil {
		h.logger.Warn("close marker backend", zap.Error(err))
	}
	h.logger.Info("closing store")
	_ = h.store.Close()
}

// runMarkerPurger deletes expired webhook markers so the table stays bounded.
func (h *Hub) runMarkerPurger(ctx context.Context) {
	ticker := time.NewTicker(markerPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := h.store.PurgeExpiredWebhookEvents(ctx, time.Now())
			if err != nil {
				h.logger.Warn("purge webhook markers failed", zap.Error(err))
			} else if n > 0 {
				h.logger.Info("purged expired webhook markers", zap.Int64("count", n))
			}
		}
	}
}
