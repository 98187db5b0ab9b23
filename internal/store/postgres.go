package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'starting',
			external_id TEXT NOT NULL DEFAULT '',
			pack TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_models_user_id ON models(user_id)`,
		`CREATE TABLE IF NOT EXISTS images (
			id BIGSERIAL PRIMARY KEY,
			model_id BIGINT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
			uri TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_images_model_id ON images(model_id)`,
		`CREATE TABLE IF NOT EXISTS samples (
			id BIGSERIAL PRIMARY KEY,
			model_id BIGINT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
			uri TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_model_id ON samples(model_id)`,
		`CREATE TABLE IF NOT EXISTS credits (
			user_id TEXT PRIMARY KEY,
			credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			provider TEXT NOT NULL,
			event_key TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'processing',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (provider, event_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_expires_at ON webhook_events(expires_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) UpsertUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT(id) DO UPDATE SET email = EXCLUDED.email`,
		user.ID, user.Email, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Models ---

func (s *PostgresStore) CreateModel(ctx context.Context, model *Model) error {
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if model.Status == "" {
		model.Status = ModelStarting
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO models (user_id, name, type, status, external_id, pack, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		model.UserID, model.Name, model.Type, model.Status, model.ExternalID, model.Pack, model.CreatedAt,
	).Scan(&model.ID)
}

func (s *PostgresStore) GetModel(ctx context.Context, id int64) (*Model, error) {
	var m Model
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, type, status, external_id, pack, created_at
		 FROM models WHERE id = $1`, id,
	).Scan(&m.ID, &m.UserID, &m.Name, &m.Type, &m.Status, &m.ExternalID, &m.Pack, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}

func (s *PostgresStore) ListModelsByUser(ctx context.Context, userID string) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, type, status, external_id, pack, created_at
		 FROM models WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &m.Type, &m.Status, &m.ExternalID, &m.Pack, &m.CreatedAt); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *PostgresStore) SetModelStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE models SET status = $1 WHERE id = $2", status, id)
	return err
}

func (s *PostgresStore) SetModelExternalID(ctx context.Context, id int64, externalID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE models SET external_id = $1 WHERE id = $2", externalID, id)
	return err
}

func (s *PostgresStore) FinishModel(ctx context.Context, id int64, userID, externalID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE models SET status = $1, external_id = $2 WHERE id = $3 AND user_id = $4",
		ModelFinished, externalID, id, userID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Images and samples ---

func (s *PostgresStore) InsertImage(ctx context.Context, img *Image) error {
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	return s.db.QueryRowContext(ctx,
		"INSERT INTO images (model_id, uri, created_at) VALUES ($1, $2, $3) RETURNING id",
		img.ModelID, img.URI, img.CreatedAt,
	).Scan(&img.ID)
}

func (s *PostgresStore) ListImages(ctx context.Context, modelID int64) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, model_id, uri, created_at FROM images WHERE model_id = $1 ORDER BY id", modelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ID, &img.ModelID, &img.URI, &img.CreatedAt); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *PostgresStore) InsertSamples(ctx context.Context, modelID int64, uris []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, uri := range uris {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO samples (model_id, uri, created_at) VALUES ($1, $2, $3)", modelID, uri, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListSamples(ctx context.Context, modelID int64) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, model_id, uri, created_at FROM samples WHERE model_id = $1 ORDER BY id", modelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var smp Sample
		if err := rows.Scan(&smp.ID, &smp.ModelID, &smp.URI, &smp.CreatedAt); err != nil {
			return nil, err
		}
		samples = append(samples, smp)
	}
	return samples, rows.Err()
}

// --- Credits ---

func (s *PostgresStore) GetCredits(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT credits FROM credits WHERE user_id = $1", userID,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (s *PostgresStore) AddCredits(ctx context.Context, userID string, amount int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO credits (user_id, credits, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT(user_id) DO UPDATE SET credits = credits.credits + EXCLUDED.credits, updated_at = EXCLUDED.updated_at
		 RETURNING credits`,
		userID, amount, time.Now().UTC(),
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) ConsumeCredit(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE credits SET credits = credits - 1, updated_at = $1
		 WHERE user_id = $2 AND credits > 0 RETURNING credits`,
		time.Now().UTC(), userID,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, ErrInsufficientCredits
	}
	return n, err
}

// --- Webhook events ---

func (s *PostgresStore) ClaimWebhookEvent(ctx context.Context, provider, key string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	var claimed bool
	// Inserts a fresh marker or takes over an expired one in a single statement.
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO webhook_events (provider, event_key, status, created_at, expires_at)
		 VALUES ($1, $2, 'processing', $3, $4)
		 ON CONFLICT(provider, event_key) DO UPDATE
		   SET status = 'processing', created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		   WHERE webhook_events.expires_at < $3
		 RETURNING true`,
		provider, key, now, now.Add(lease),
	).Scan(&claimed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return claimed, err
}

func (s *PostgresStore) CompleteWebhookEvent(ctx context.Context, provider, key string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE webhook_events SET status = 'done', expires_at = $1 WHERE provider = $2 AND event_key = $3",
		time.Now().UTC().Add(ttl), provider, key,
	)
	return err
}

func (s *PostgresStore) ReleaseWebhookEvent(ctx context.Context, provider, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_events WHERE provider = $1 AND event_key = $2", provider, key,
	)
	return err
}

func (s *PostgresStore) PurgeExpiredWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_events WHERE expires_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
