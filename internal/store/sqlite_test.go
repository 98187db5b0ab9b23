package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestModel is a helper that inserts a model and returns it.
func createTestModel(t *testing.T, s *SQLiteStore, userID, name string) *Model {
	t.Helper()
	m := &Model{UserID: userID, Name: name, Type: "man"}
	if err := s.CreateModel(context.Background(), m); err != nil {
		t.Fatalf("createTestModel(%s): %v", name, err)
	}
	return m
}

func TestUpsertAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New().String()

	if err := s.UpsertUser(ctx, &User{ID: id, Email: "old@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertUser(ctx, &User{ID: id, Email: "new@example.com"}); err != nil {
		t.Fatal(err)
	}

	u, err := s.GetUser(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.Email != "new@example.com" {
		t.Fatalf("expected updated email, got %+v", u)
	}

	missing, err := s.GetUser(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown user, got %+v", missing)
	}
}

func TestCreateAndGetModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := createTestModel(t, s, "user-1", "Ana")
	if m.ID == 0 {
		t.Fatal("expected generated id")
	}
	if m.Status != ModelStarting {
		t.Fatalf("expected default status %q, got %q", ModelStarting, m.Status)
	}

	got, err := s.GetModel(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "Ana" || got.UserID != "user-1" {
		t.Fatalf("unexpected model: %+v", got)
	}

	none, err := s.GetModel(ctx, m.ID+1000)
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatalf("expected nil for unknown model, got %+v", none)
	}
}

func TestListModelsByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModel(t, s, "owner", "first")
	createTestModel(t, s, "owner", "second")
	createTestModel(t, s, "someone-else", "other")

	models, err := s.ListModelsByUser(ctx, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[0].Name != "second" {
		t.Fatalf("expected newest first, got %q", models[0].Name)
	}
}

func TestFinishModelRequiresOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := createTestModel(t, s, "owner", "m")

	n, err := s.FinishModel(ctx, m.ID, "intruder", "tune-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no rows for wrong owner, got %d", n)
	}

	n, err = s.FinishModel(ctx, m.ID, "owner", "tune-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	got, _ := s.GetModel(ctx, m.ID)
	if got.Status != ModelFinished || got.ExternalID != "tune-1" {
		t.Fatalf("unexpected model after finish: %+v", got)
	}
}

func TestSetModelStatusAndExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := createTestModel(t, s, "owner", "m")

	if err := s.SetModelExternalID(ctx, m.ID, "987"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetModelStatus(ctx, m.ID, ModelProcessing); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetModel(ctx, m.ID)
	if got.ExternalID != "987" || got.Status != ModelProcessing {
		t.Fatalf("unexpected model: %+v", got)
	}
}

func TestImagesAndSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := createTestModel(t, s, "owner", "m")

	for _, uri := range []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"} {
		if err := s.InsertImage(ctx, &Image{ModelID: m.ID, URI: uri}); err != nil {
			t.Fatal(err)
		}
	}
	images, err := s.ListImages(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 2 || images[0].URI != "https://cdn.example.com/a.png" {
		t.Fatalf("unexpected images: %+v", images)
	}

	if err := s.InsertSamples(ctx, m.ID, []string{"s1.jpg", "s2.jpg", "s3.jpg"}); err != nil {
		t.Fatal(err)
	}
	samples, err := s.ListSamples(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
}

func TestImageRequiresModel(t *testing.T) {
	s := newTestStore(t)
	err := s.InsertImage(context.Background(), &Image{ModelID: 424242, URI: "x"})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestCredits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.GetCredits(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 credits for unknown user, got %d", n)
	}

	if _, err := s.ConsumeCredit(ctx, "u"); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	n, err = s.AddCredits(ctx, "u", 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
	n, err = s.AddCredits(ctx, "u", 5)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 {
		t.Fatalf("expected 8, got %d", n)
	}

	n, err = s.ConsumeCredit(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Fatalf("expected 7 remaining, got %d", n)
	}
}

func TestConsumeCreditConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.AddCredits(ctx, "racer", 3); err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeCredit(ctx, "racer"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if success != 3 {
		t.Fatalf("expected exactly 3 successful consumes, got %d", success)
	}
	n, _ := s.GetCredits(ctx, "racer")
	if n != 0 {
		t.Fatalf("expected balance 0, got %d", n)
	}
}

func TestClaimWebhookEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.ClaimWebhookEvent(ctx, "astria", "tune:1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}

	ok, err = s.ClaimWebhookEvent(ctx, "astria", "tune:1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second claim during lease should fail")
	}

	// Same key under a different provider is independent.
	ok, _ = s.ClaimWebhookEvent(ctx, "stripe", "tune:1", time.Minute)
	if !ok {
		t.Fatal("claim under other provider should succeed")
	}

	if err := s.CompleteWebhookEvent(ctx, "astria", "tune:1", time.Hour); err != nil {
		t.Fatal(err)
	}
	ok, _ = s.ClaimWebhookEvent(ctx, "astria", "tune:1", time.Minute)
	if ok {
		t.Fatal("claim of completed marker should fail")
	}
}

func TestReleaseWebhookEventAllowsRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if ok, _ := s.ClaimWebhookEvent(ctx, "astria", "prompt:9", time.Minute); !ok {
		t.Fatal("claim should succeed")
	}
	if err := s.ReleaseWebhookEvent(ctx, "astria", "prompt:9"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.ClaimWebhookEvent(ctx, "astria", "prompt:9", time.Minute); !ok {
		t.Fatal("claim after release should succeed")
	}
}

func TestExpiredClaimIsTakenOver(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if ok, _ := s.ClaimWebhookEvent(ctx, "astria", "tune:2", -time.Second); !ok {
		t.Fatal("claim should succeed")
	}
	ok, err := s.ClaimWebhookEvent(ctx, "astria", "tune:2", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expired lease should be taken over")
	}
}

func TestPurgeExpiredWebhookEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.ClaimWebhookEvent(ctx, "stripe", "old", time.Minute)
	s.CompleteWebhookEvent(ctx, "stripe", "old", -time.Hour)
	s.ClaimWebhookEvent(ctx, "stripe", "fresh", time.Minute)
	s.CompleteWebhookEvent(ctx, "stripe", "fresh", time.Hour)

	n, err := s.PurgeExpiredWebhookEvents(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged marker, got %d", n)
	}
	if ok, _ := s.ClaimWebhookEvent(ctx, "stripe", "fresh", time.Minute); ok {
		t.Fatal("fresh marker should survive purge")
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}
