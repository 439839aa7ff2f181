package helpers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xiaot623/surveychat/internal/domain"
	"github.com/xiaot623/surveychat/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewTestSQLiteFileStore opens a file-backed store so concurrent
// transactions use separate connections.
func NewTestSQLiteFileStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "surveychat.db"))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// SeedAIChatPage creates an experiment with one aichat page of the given
// behavior and attaches the given model ids to it.
func SeedAIChatPage(t *testing.T, s store.Store, behavior domain.Behavior, modelIDs ...int64) *domain.Page {
	t.Helper()
	ctx := context.Background()

	exp := &domain.Experiment{Name: "experiment"}
	if err := s.CreateExperiment(ctx, exp); err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}
	page := &domain.Page{ExperimentID: exp.ID, Name: "chat", Type: domain.PageTypeAIChat, Behavior: behavior}
	if err := s.CreatePage(ctx, page); err != nil {
		t.Fatalf("failed to create page: %v", err)
	}
	for _, id := range modelIDs {
		model := &domain.Model{ID: id, Name: "model", ProviderModel: "mock-model"}
		if err := s.UpsertModel(ctx, model); err != nil {
			t.Fatalf("failed to create model: %v", err)
		}
		if err := s.AttachModel(ctx, page.ID, id); err != nil {
			t.Fatalf("failed to attach model: %v", err)
		}
	}
	return page
}
