package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	memory := dsn == ":memory:"
	if memory {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Shared-cache connections fail with table locks instead of waiting,
	// and pragmas below are per connection.
	if memory {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'starting',
			external_id TEXT NOT NULL DEFAULT '',
			pack TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_models_user_id ON models(user_id)`,
		`CREATE TABLE IF NOT EXISTS images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model_id INTEGER NOT NULL REFERENCES models(id) ON DELETE CASCADE,
			uri TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_images_model_id ON images(model_id)`,
		`CREATE TABLE IF NOT EXISTS samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model_id INTEGER NOT NULL REFERENCES models(id) ON DELETE CASCADE,
			uri TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_model_id ON samples(model_id)`,
		`CREATE TABLE IF NOT EXISTS credits (
			user_id TEXT PRIMARY KEY,
			credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			provider TEXT NOT NULL,
			event_key TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'processing',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) UpsertUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email = excluded.email`,
		user.ID, user.Email, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Models ---

func (s *SQLiteStore) CreateModel(ctx context.Context, model *Model) error {
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if model.Status == "" {
		model.Status = ModelStarting
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO models (user_id, name, type, status, external_id, pack, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		model.UserID, model.Name, model.Type, model.Status, model.ExternalID, model.Pack, model.CreatedAt,
	).Scan(&model.ID)
}

func (s *SQLiteStore) GetModel(ctx context.Context, id int64) (*Model, error) {
	var m Model
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, type, status, external_id, pack, created_at
		 FROM models WHERE id = ?`, id,
	).Scan(&m.ID, &m.UserID, &m.Name, &m.Type, &m.Status, &m.ExternalID, &m.Pack, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}

func (s *SQLiteStore) ListModelsByUser(ctx context.Context, userID string) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, type, status, external_id, pack, created_at
		 FROM models WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID,
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

func (s *SQLiteStore) SetModelStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE models SET status = ? WHERE id = ?", status, id)
	return err
}

func (s *SQLiteStore) SetModelExternalID(ctx context.Context, id int64, externalID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE models SET external_id = ? WHERE id = ?", externalID, id)
	return err
}

func (s *SQLiteStore) FinishModel(ctx context.Context, id int64, userID, externalID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE models SET status = ?, external_id = ? WHERE id = ? AND user_id = ?",
		ModelFinished, externalID, id, userID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Images and samples ---

func (s *SQLiteStore) InsertImage(ctx context.Context, img *Image) error {
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	return s.db.QueryRowContext(ctx,
		"INSERT INTO images (model_id, uri, created_at) VALUES (?, ?, ?) RETURNING id",
		img.ModelID, img.URI, img.CreatedAt,
	).Scan(&img.ID)
}

func (s *SQLiteStore) ListImages(ctx context.Context, modelID int64) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, model_id, uri, created_at FROM images WHERE model_id = ? ORDER BY id", modelID,
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

func (s *SQLiteStore) InsertSamples(ctx context.Context, modelID int64, uris []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, uri := range uris {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO samples (model_id, uri, created_at) VALUES (?, ?, ?)", modelID, uri, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListSamples(ctx context.Context, modelID int64) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, model_id, uri, created_at FROM samples WHERE model_id = ? ORDER BY id", modelID,
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

func (s *SQLiteStore) GetCredits(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT credits FROM credits WHERE user_id = ?", userID,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (s *SQLiteStore) AddCredits(ctx context.Context, userID string, amount int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO credits (user_id, credits, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET credits = credits + excluded.credits, updated_at = excluded.updated_at
		 RETURNING credits`,
		userID, amount, time.Now().UTC(),
	).Scan(&n)
	return n, err
}

func (s *SQLiteStore) ConsumeCredit(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE credits SET credits = credits - 1, updated_at = ?
		 WHERE user_id = ? AND credits > 0 RETURNING credits`,
		time.Now().UTC(), userID,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, ErrInsufficientCredits
	}
	return n, err
}

// --- Webhook events ---

func (s *SQLiteStore) ClaimWebhookEvent(ctx context.Context, provider, key string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (provider, event_key, status, created_at, expires_at)
		 VALUES (?, ?, 'processing', ?, ?) ON CONFLICT(provider, event_key) DO NOTHING`,
		provider, key, now, now.Add(lease),
	)
	if err != nil {
		return false, err
	}
	if n, _ := result.RowsAffected(); n == 1 {
		return true, nil
	}

	// An expired marker (stale lease or aged-out done) may be taken over.
	result, err = s.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = 'processing', created_at = ?, expires_at = ?
		 WHERE provider = ? AND event_key = ? AND expires_at < ?`,
		now, now.Add(lease), provider, key, now,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) CompleteWebhookEvent(ctx context.Context, provider, key string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE webhook_events SET status = 'done', expires_at = ? WHERE provider = ? AND event_key = ?",
		time.Now().UTC().Add(ttl), provider, key,
	)
	return err
}

func (s *SQLiteStore) ReleaseWebhookEvent(ctx context.Context, provider, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_events WHERE provider = ? AND event_key = ?", provider, key,
	)
	return err
}

func (s *SQLiteStore) PurgeExpiredWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_events WHERE expires_at < ?", before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
