package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sesionesfotosia/headshot-hub/internal/astria"
	"github.com/sesionesfotosia/headshot-hub/internal/events"
	"github.com/sesionesfotosia/headshot-hub/internal/store"
)

// TuneCreator starts an Astria fine-tune.
type TuneCreator interface {
	CreateTune(ctx context.Context, req astria.TuneRequest) (*astria.Tune, error)
}

// TrainRequest is the body of a training start.
type TrainRequest struct {
	URLs []string `json:"urls" validate:"required,min=4,max=10,dive,required,http_url"`
	Name string   `json:"name" validate:"max=100"`
	Type string   `json:"type" validate:"required,oneof=man woman person"`
	Pack string   `json:"pack" validate:"omitempty,max=100"`
}

// Training starts fine-tunes and charges one credit for each when payments
// are enabled.
type Training struct {
	store        store.Store
	tunes        TuneCreator
	bus          *events.Bus
	validate     *validator.Validate
	chargeCredit bool
	packs        bool
	allowedPacks []string
	callbackBase string
	secret       string
	logger       *zap.Logger
}

// TrainingConfig holds the dependencies of Training.
type TrainingConfig struct {
	Store        store.Store
	Tunes        TuneCreator
	Bus          *events.Bus
	ChargeCredit bool
	// Packs switches tune creation to the pack endpoint and makes Pack required.
	Packs        bool
	AllowedPacks []string
	CallbackBase string
	Secret       string
	Logger       *zap.Logger
}

// NewTraining creates the training service.
func NewTraining(cfg TrainingConfig) *Training {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Training{
		store:        cfg.Store,
		tunes:        cfg.Tunes,
		bus:          cfg.Bus,
		validate:     v,
		chargeCredit: cfg.ChargeCredit,
		packs:        cfg.Packs,
		allowedPacks: cfg.AllowedPacks,
		callbackBase: strings.TrimRight(cfg.CallbackBase, "/"),
		secret:       cfg.Secret,
		logger:       cfg.Logger.With(zap.String("component", "training")),
	}
}

// Start validates req, charges a credit, records the model and its samples
// and asks Astria to train it. When Astria refuses the model is marked
// failed and the credit is refunded.
func (t *Training) Start(ctx context.Context, userID string, req TrainRequest) (*store.Model, error) {
	if userID == "" {
		return nil, unauthorized("Unauthorized")
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := t.check(&req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		req.Name = "Mi Modelo " + time.Now().Format("02/01/2006")
	}
	log := t.logger.With(zap.String("user_id", userID))

	charged := false
	if t.chargeCredit {
		remaining, err := t.store.ConsumeCredit(ctx, userID)
		if errors.Is(err, store.ErrInsufficientCredits) {
			return nil, &Error{Kind: ErrInsufficientCredits, Message: "Not enough credits"}
		}
		if err != nil {
			return nil, upstream("Something went wrong!", err)
		}
		charged = true
		t.bus.PublishTo(userID, events.CreditsUpdated, map[string]int{"credits": remaining})
	}

	model := &store.Model{
		UserID: userID,
		Name:   req.Name,
		Type:   req.Type,
		Status: store.ModelProcessing,
	}
	if t.packs {
		model.Pack = req.Pack
	}
	if err := t.store.CreateModel(ctx, model); err != nil {
		t.refund(ctx, log, userID, charged)
		return nil, upstream("Something went wrong!", err)
	}
	log = log.With(zap.Int64("model_id", model.ID))

	if err := t.store.InsertSamples(ctx, model.ID, req.URLs); err != nil {
		t.fail(ctx, log, model, charged)
		return nil, upstream("Something went wrong!", err)
	}

	tune, err := t.tunes.CreateTune(ctx, astria.TuneRequest{
		Title:          req.Name,
		ClassName:      req.Type,
		ImageURLs:      req.URLs,
		TuneCallback:   astria.CallbackURL(t.callbackBase, "/astria/train-webhook", userID, model.ID, t.secret),
		PromptCallback: astria.CallbackURL(t.callbackBase, "/astria/prompt-webhook", userID, model.ID, t.secret),
		Pack:           model.Pack,
	})
	if err != nil {
		log.Error("create tune failed", zap.Error(err))
		t.fail(ctx, log, model, charged)
		return nil, upstream("Something went wrong!", err)
	}

	model.ExternalID = string(tune.ID)
	if err := t.store.SetModelExternalID(ctx, model.ID, model.ExternalID); err != nil {
		// The tune exists; the finish callback will still set the id.
		log.Error("store tune id failed", zap.String("tune_id", model.ExternalID), zap.Error(err))
	}
	// The train callback can land before CreateTune returns.
	if current, err := t.store.GetModel(ctx, model.ID); err != nil {
		log.Warn("reload model failed", zap.Error(err))
	} else if current != nil {
		if current.ExternalID == "" {
			current.ExternalID = model.ExternalID
		}
		model = current
	}

	log.Info("training started", zap.String("tune_id", model.ExternalID), zap.Int("samples", len(req.URLs)))
	t.bus.PublishTo(userID, events.ModelUpdated, model)
	return model, nil
}

func (t *Training) check(req *TrainRequest) error {
	if err := t.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return invalid(describe(verrs[0]))
		}
		return invalid("Invalid request body")
	}
	if !t.packs {
		return nil
	}
	if req.Pack == "" {
		return invalid("Missing pack")
	}
	if len(t.allowedPacks) > 0 && !slices.Contains(t.allowedPacks, req.Pack) {
		return invalid("Invalid pack")
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", field)
	case "min":
		return fmt.Sprintf("Field '%s' needs at least %s items", field, fe.Param())
	case "max":
		return fmt.Sprintf("Field '%s' allows at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("Field '%s' must be one of: %s", field, fe.Param())
	case "http_url":
		return fmt.Sprintf("Field '%s' must be an http(s) URL", field)
	default:
		return fmt.Sprintf("Field '%s' is invalid", field)
	}
}

// fail marks model failed and refunds the charged credit.
func (t *Training) fail(ctx context.Context, log *zap.Logger, model *store.Model, charged bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := t.store.SetModelStatus(ctx, model.ID, store.ModelFailed); err != nil {
		log.Error("mark model failed", zap.Error(err))
	} else {
		model.Status = store.ModelFailed
		t.bus.PublishTo(model.UserID, events.ModelUpdated, model)
	}
	t.refund(ctx, log, model.UserID, charged)
}

func (t *Training) refund(ctx context.Context, log *zap.Logger, userID string, charged bool) {
	if !charged {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	balance, err := t.store.AddCredits(ctx, userID, 1)
	if err != nil {
		log.Error("refund credit failed", zap.Error(err))
		return
	}
	log.Info("credit refunded", zap.Int("balance", balance))
	t.bus.PublishTo(userID, events.CreditsUpdated, map[string]int{"credits": balance})
}
