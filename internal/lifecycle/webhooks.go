package lifecycle

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"github.com/sesionesfotosia/headshot-hub/internal/astria"
	"github.com/sesionesfotosia/headshot-hub/internal/events"
	"github.com/sesionesfotosia/headshot-hub/internal/idempotency"
	"github.com/sesionesfotosia/headshot-hub/internal/notify"
	"github.com/sesionesfotosia/headshot-hub/internal/store"
)

// ProviderAstria namespaces Astria callback markers.
const ProviderAstria = "astria"

// UserResolver resolves a webhook user_id to a user. It returns nil, nil
// when the user does not exist.
type UserResolver interface {
	Lookup(ctx context.Context, id string) (*store.User, error)
}

// CallbackParams are the query parameters Astria echoes on every callback.
type CallbackParams struct {
	UserID  string
	ModelID string
	Secret  string
}

// PromptResult counts the image rows a prompt callback produced.
type PromptResult struct {
	Inserted int `json:"inserted"`
	Failed   int `json:"failed"`
}

// Webhooks handles Astria completion callbacks.
type Webhooks struct {
	store    store.Store
	users    UserResolver
	markers  idempotency.Marker
	notifier notify.Notifier
	bus      *events.Bus
	secret   string
	workers  int
	logger   *zap.Logger
}

// WebhooksConfig holds the dependencies of Webhooks.
type WebhooksConfig struct {
	Store    store.Store
	Users    UserResolver
	Markers  idempotency.Marker
	Notifier notify.Notifier
	Bus      *events.Bus
	Secret   string
	// Workers bounds concurrent image inserts per prompt callback.
	Workers int
	Logger  *zap.Logger
}

// NewWebhooks creates the Astria callback handler.
func NewWebhooks(cfg WebhooksConfig) *Webhooks {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Webhooks{
		store:    cfg.Store,
		users:    cfg.Users,
		markers:  cfg.Markers,
		notifier: cfg.Notifier,
		bus:      cfg.Bus,
		secret:   cfg.Secret,
		workers:  cfg.Workers,
		logger:   cfg.Logger.With(zap.String("component", "webhooks")),
	}
}

// checkParams validates the query parameters in the order callers rely on:
// presence, then the shared secret, then the model id format.
func (w *Webhooks) checkParams(p CallbackParams) (int64, error) {
	switch {
	case p.UserID == "":
		return 0, invalid("Malformed URL, no user_id detected!")
	case p.ModelID == "":
		return 0, invalid("Malformed URL, no model_id detected!")
	case p.Secret == "":
		return 0, invalid("Malformed URL, no webhook_secret detected!")
	}
	if !secretsMatch(p.Secret, w.secret) {
		return 0, unauthorized("Unauthorized!")
	}
	modelID, err := strconv.ParseInt(p.ModelID, 10, 64)
	if err != nil {
		return 0, invalid("Invalid model_id")
	}
	return modelID, nil
}

func secretsMatch(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(got)), []byte(strings.ToLower(want))) == 1
}

func (w *Webhooks) resolveUser(ctx context.Context, id string) (*store.User, error) {
	user, err := w.users.Lookup(ctx, id)
	if err != nil {
		w.logger.Warn("user lookup failed", zap.String("user_id", id), zap.Error(err))
		return nil, unauthorized("Unauthorized!")
	}
	if user == nil {
		return nil, unauthorized("Unauthorized!")
	}
	return user, nil
}

// ownedModel loads modelID and checks it belongs to userID.
func (w *Webhooks) ownedModel(ctx context.Context, modelID int64, userID string) (*store.Model, error) {
	model, err := w.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, upstream("Error finding model", err)
	}
	if model == nil || model.UserID != userID {
		return nil, notFound("Model not found")
	}
	return model, nil
}

// TuneFinished applies a training-completion callback. A redelivery of an
// already processed tune succeeds without side effects.
func (w *Webhooks) TuneFinished(ctx context.Context, p CallbackParams, body []byte) error {
	modelID, err := w.checkParams(p)
	if err != nil {
		return err
	}

	var payload astria.TuneCallback
	if err := json.Unmarshal(body, &payload); err != nil || payload.Tune.ID == "" {
		return invalid("Invalid JSON body")
	}
	tune := payload.Tune

	user, err := w.resolveUser(ctx, p.UserID)
	if err != nil {
		return err
	}

	log := w.logger.With(
		zap.String("user_id", p.UserID),
		zap.Int64("model_id", modelID),
		zap.String("tune_id", string(tune.ID)),
	)
	key := "tune:" + string(tune.ID)

	ran, err := idempotency.Do(ctx, w.markers, ProviderAstria, key, func() error {
		model, err := w.ownedModel(ctx, modelID, p.UserID)
		if err != nil {
			return err
		}
		n, err := w.store.FinishModel(ctx, model.ID, p.UserID, string(tune.ID))
		if err != nil {
			return upstream("Error updating model", err)
		}
		if n == 0 {
			return notFound("Model not found")
		}
		model.Status = store.ModelFinished
		model.ExternalID = string(tune.ID)

		if user.Email != "" {
			title := tune.Title
			if title == "" {
				title = tune.Name
			}
			if err := w.notifier.ModelReady(ctx, user.Email, title, "model-ready/"+key); err != nil {
				log.Warn("model ready email failed", zap.Error(err))
			}
		}

		w.bus.PublishTo(p.UserID, events.ModelUpdated, model)
		return nil
	})
	switch {
	case errors.Is(err, idempotency.ErrComplete):
		log.Warn("tune applied but marker not completed", zap.Error(err))
	case err != nil:
		return w.classify(err)
	case !ran:
		log.Info("duplicate tune callback ignored")
	default:
		log.Info("model finished")
	}
	return nil
}

// PromptFinished records the images of a prompt-completion callback.
// Individual insert failures are counted; the callback fails only when
// no image could be stored.
func (w *Webhooks) PromptFinished(ctx context.Context, p CallbackParams, body []byte) (PromptResult, error) {
	var result PromptResult
	modelID, err := w.checkParams(p)
	if err != nil {
		return result, err
	}

	var payload astria.PromptCallback
	if err := json.Unmarshal(body, &payload); err != nil || payload.Prompt.ID == "" {
		return result, invalid("Invalid JSON body")
	}
	prompt := payload.Prompt

	if _, err := w.resolveUser(ctx, p.UserID); err != nil {
		return result, err
	}

	log := w.logger.With(
		zap.String("user_id", p.UserID),
		zap.Int64("model_id", modelID),
		zap.String("prompt_id", string(prompt.ID)),
	)

	ran, err := idempotency.Do(ctx, w.markers, ProviderAstria, "prompt:"+string(prompt.ID), func() error {
		if _, err := w.ownedModel(ctx, modelID, p.UserID); err != nil {
			return err
		}
		result = w.insertImages(ctx, log, p.UserID, modelID, prompt.Images)
		if result.Inserted == 0 && result.Failed > 0 {
			return upstream("Error inserting images", errors.New("every image insert failed"))
		}
		return nil
	})
	switch {
	case errors.Is(err, idempotency.ErrComplete):
		log.Warn("prompt applied but marker not completed", zap.Error(err))
	case err != nil:
		return result, w.classify(err)
	case !ran:
		log.Info("duplicate prompt callback ignored")
	default:
		log.Info("prompt images stored", zap.Int("inserted", result.Inserted), zap.Int("failed", result.Failed))
	}
	return result, nil
}

func (w *Webhooks) insertImages(ctx context.Context, log *zap.Logger, userID string, modelID int64, uris []string) PromptResult {
	var inserted, failed atomic.Int64
	pool := workerpool.New(w.workers)
	for _, uri := range uris {
		if uri == "" {
			continue
		}
		pool.Submit(func() {
			img := &store.Image{ModelID: modelID, URI: uri}
			if err := w.store.InsertImage(ctx, img); err != nil {
				failed.Add(1)
				log.Error("insert image failed", zap.String("uri", uri), zap.Error(err))
				return
			}
			inserted.Add(1)
			w.bus.PublishTo(userID, events.ImageCreated, img)
		})
	}
	pool.StopWait()
	return PromptResult{Inserted: int(inserted.Load()), Failed: int(failed.Load())}
}

// classify passes classified failures through and wraps anything else
// (marker backend errors) as an upstream failure.
func (w *Webhooks) classify(err error) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == ErrUpstream {
			w.logger.Error("webhook failed", zap.Error(err))
		}
		return err
	}
	w.logger.Error("webhook failed", zap.Error(err))
	return upstream("Internal Server Error", err)
}
