package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/surveychat/internal/adapter/llm"
	"github.com/xiaot623/surveychat/internal/config"
	"github.com/xiaot623/surveychat/internal/domain"
	"github.com/xiaot623/surveychat/internal/logger"
	"github.com/xiaot623/surveychat/internal/metrics"
	"github.com/xiaot623/surveychat/internal/repository"
	"github.com/xiaot623/surveychat/internal/turns"
	"github.com/xiaot623/surveychat/policy"
)

type Service struct {
	store        store.Store
	llmClient    llm.LLMClient
	config       *config.Config
	policyEngine *policy.Engine
	resolver     *turns.Resolver
	log          *logger.Logger
	now          func() time.Time
}

// New builds the service. A nil policy engine falls back to
// policy.DefaultPolicy; turn rules are never skipped.
func New(store store.Store, llmClient llm.LLMClient, cfg *config.Config, policyEngine *policy.Engine, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	if policyEngine == nil {
		engine, err := policy.NewDefaultEngine(context.Background())
		if err != nil {
			log.Error("failed to prepare default conversation policy", "error", err)
		}
		policyEngine = engine
	}
	return &Service{
		store:        store,
		llmClient:    llmClient,
		config:       cfg,
		policyEngine: policyEngine,
		resolver:     turns.NewResolver(cfg.MaxAncestrySteps),
		log:          log,
		now:          time.Now,
	}
}

// SeedModels upserts the model catalog.
func (s *Service) SeedModels(ctx context.Context, models []domain.Model) error {
	for i := range models {
		if err := s.store.UpsertModel(ctx, &models[i]); err != nil {
			return fmt.Errorf("failed to seed model %d: %w", models[i].ID, err)
		}
	}
	return nil
}

// ListPageModels returns the models a participant can talk to on an aichat
// page, ordered by id. Provider settings stay server side.
func (s *Service) ListPageModels(ctx context.Context, pageID int64) ([]domain.ModelOption, error) {
	options, err := s.listPageModels(ctx, pageID)
	return options, s.observe("list_page_models", err, "page_id", pageID)
}

func (s *Service) listPageModels(ctx context.Context, pageID int64) ([]domain.ModelOption, error) {
	if _, err := s.loadAIChatPage(ctx, s.store, pageID); err != nil {
		return nil, err
	}
	models, err := s.store.ListPageModels(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list page models: %w", err)
	}
	options := make([]domain.ModelOption, 0, len(models))
	for _, m := range models {
		options = append(options, domain.ModelOption{ID: m.ID, Name: m.Name})
	}
	return options, nil
}

// observe records the outcome of an action. Domain errors are counted by
// code; anything else is an unexpected failure.
func (s *Service) observe(action string, err error, keysAndValues ...interface{}) error {
	if err == nil {
		return nil
	}
	fields := append([]interface{}{"action", action}, keysAndValues...)
	de, ok := domain.AsError(err)
	if !ok {
		metrics.Rejected(action, "internal_error")
		s.log.Error("action failed", append(fields, "error", err)...)
		return err
	}
	metrics.Rejected(action, de.Code)
	fields = append(fields, "kind", string(de.Kind), "code", de.Code, "reason", de.Message)
	switch de.Kind {
	case domain.ErrorUpstream:
		s.log.Warn("collaborator failed", fields...)
	case domain.ErrorIntegrity, domain.ErrorInternal:
		s.log.Error("action aborted", fields...)
	default:
		s.log.Info("action rejected", fields...)
	}
	return err
}

func (s *Service) loadPage(ctx context.Context, st store.Store, pageID int64) (*domain.Page, error) {
	page, err := st.GetPage(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	if page == nil {
		return nil, domain.NotFound(domain.CodePageNotFound, fmt.Sprintf("page %d not found", pageID))
	}
	return page, nil
}

func (s *Service) loadAIChatPage(ctx context.Context, st store.Store, pageID int64) (*domain.Page, error) {
	page, err := s.loadPage(ctx, st, pageID)
	if err != nil {
		return nil, err
	}
	if !page.IsAIChat() {
		return nil, domain.Validation(domain.CodeUnsupportedOperation, fmt.Sprintf("page %d is not an aichat page", pageID))
	}
	return page, nil
}

// loadPageModel checks that the model exists and is attached to the page.
func (s *Service) loadPageModel(ctx context.Context, st store.Store, pageID, modelID int64) (*domain.Model, error) {
	model, err := st.GetModel(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	if model == nil {
		return nil, domain.NotFound(domain.CodeModelNotFound, fmt.Sprintf("model %d not found", modelID))
	}
	ok, err := st.PageHasModel(ctx, pageID, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to check page model: %w", err)
	}
	if !ok {
		return nil, domain.Validation(domain.CodeModelNotOnPage, fmt.Sprintf("model %d is not configured for page %d", modelID, pageID))
	}
	return model, nil
}

// loadLog materializes the participant's messages and branches on a page.
func (s *Service) loadLog(ctx context.Context, st store.Store, pageID, userID int64) ([]domain.Message, []domain.Branch, error) {
	msgs, err := st.FindMessages(ctx, store.MessageFilter{PageID: pageID, UserID: userID})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load messages: %w", err)
	}
	branches, err := st.ListBranches(ctx, pageID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load branches: %w", err)
	}
	return msgs, branches, nil
}

func (s *Service) evaluatePolicy(ctx context.Context, input policy.Input) (string, error) {
	if s.policyEngine == nil {
		return "", domain.Internal("conversation policy engine is not available", nil)
	}
	decision, err := s.policyEngine.Evaluate(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate conversation policy: %w", err)
	}
	return decision, nil
}
