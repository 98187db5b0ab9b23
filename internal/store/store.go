// Package store defines the persistence interface for headshot-hub and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// Model statuses.
const (
	ModelStarting   = "starting"
	ModelProcessing = "processing"
	ModelFinished   = "finished"
	ModelFailed     = "failed"
)

// ErrInsufficientCredits is returned when a credit cannot be consumed.
var ErrInsufficientCredits = errors.New("not enough credits")

// Store is the persistence interface.
type Store interface {
	// Users
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Models
	CreateModel(ctx context.Context, model *Model) error
	GetModel(ctx context.Context, id int64) (*Model, error)
	ListModelsByUser(ctx context.Context, userID string) ([]Model, error)
	SetModelStatus(ctx context.Context, id int64, status string) error
	SetModelExternalID(ctx context.Context, id int64, externalID string) error
	// FinishModel marks a model owned by userID as finished and returns the
	// number of rows affected.
	FinishModel(ctx context.Context, id int64, userID, externalID string) (int64, error)

	// Images and samples
	InsertImage(ctx context.Context, img *Image) error
	ListImages(ctx context.Context, modelID int64) ([]Image, error)
	InsertSamples(ctx context.Context, modelID int64, uris []string) error
	ListSamples(ctx context.Context, modelID int64) ([]Sample, error)

	// Credits
	GetCredits(ctx context.Context, userID string) (int, error)
	AddCredits(ctx context.Context, userID string, amount int) (int, error)
	ConsumeCredit(ctx context.Context, userID string) (int, error)

	// Webhook processed-markers
	ClaimWebhookEvent(ctx context.Context, provider, key string, lease time.Duration) (bool, error)
	CompleteWebhookEvent(ctx context.Context, provider, key string, ttl time.Duration) error
	ReleaseWebhookEvent(ctx context.Context, provider, key string) error
	PurgeExpiredWebhookEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User mirrors an identity owned by the auth provider.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Model is one fine-tuning job.
type Model struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	ExternalID string    `json:"modelId"`
	Pack       string    `json:"pack,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Image is a generated headshot.
type Image struct {
	ID        int64     `json:"id"`
	ModelID   int64     `json:"modelId"`
	URI       string    `json:"uri"`
	CreatedAt time.Time `json:"created_at"`
}

// Sample is a training input photo.
type Sample struct {
	ID        int64     `json:"id"`
	ModelID   int64     `json:"modelId"`
	URI       string    `json:"uri"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookEvent is a processed-marker for an inbound provider callback.
type WebhookEvent struct {
	Provider  string    `json:"provider"`
	Key       string    `json:"key"`
	Status    string    `json:"status"` // "processing" or "done"
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
