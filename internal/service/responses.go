package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/surveychat/internal/domain"
	"github.com/xiaot623/surveychat/internal/repository"
	"github.com/xiaot623/surveychat/internal/scope"
)

// SaveResponse stores an answer keyed by (page, question, user, turn).
func (s *Service) SaveResponse(ctx context.Context, req domain.SaveResponseRequest) (*domain.Response, error) {
	resp, err := s.saveResponse(ctx, req)
	return resp, s.observe("save_response", err, "page_id", req.PageID, "user_id", req.UserID, "question_id", req.QuestionID)
}

func (s *Service) saveResponse(ctx context.Context, req domain.SaveResponseRequest) (*domain.Response, error) {
	var resp *domain.Response
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		page, err := s.loadPage(ctx, tx, req.PageID)
		if err != nil {
			return err
		}
		src, err := s.loadSource(ctx, tx, *page, req.UserID)
		if err != nil {
			return err
		}
		if !questionMapped(src, req.QuestionID) {
			return domain.Validation(domain.CodeUnknownQuestion,
				fmt.Sprintf("question %d is not mapped to page %d", req.QuestionID, req.PageID))
		}
		if err := checkTurnTarget(src, req.TurnID); err != nil {
			return err
		}

		resp = &domain.Response{
			PageID:     req.PageID,
			QuestionID: req.QuestionID,
			UserID:     req.UserID,
			TurnID:     req.TurnID,
			Value:      req.Value,
			UpdatedAt:  s.now(),
		}
		if err := tx.UpsertResponse(ctx, resp); err != nil {
			return fmt.Errorf("failed to save response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func questionMapped(src scope.Source, questionID int64) bool {
	for _, pq := range src.PageQuestions {
		if pq.QuestionID == questionID && pq.Enabled {
			return true
		}
	}
	for _, sq := range src.SubpageQuestions {
		if sq.QuestionID == questionID && sq.Enabled {
			return true
		}
	}
	return false
}

// checkTurnTarget requires a turn key on aichat pages that names one of the
// participant's scopes, and no turn key elsewhere.
func checkTurnTarget(src scope.Source, turn *int64) error {
	if !src.Page.IsAIChat() {
		if turn != nil {
			return domain.Policy(domain.CodeInvalidTurnTarget, "survey page responses take no turn id")
		}
		return nil
	}
	if turn == nil {
		return domain.Policy(domain.CodeInvalidTurnTarget, "aichat page responses require a turn id")
	}
	if _, ok := scope.Find(scope.Enumerate(src), *turn, nil); !ok {
		return domain.Policy(domain.CodeInvalidTurnTarget,
			fmt.Sprintf("turn %d is not an evaluation target on page %d", *turn, src.Page.ID))
	}
	return nil
}

// GetTurnResponses lists the participant's responses stored under a turn key.
func (s *Service) GetTurnResponses(ctx context.Context, pageID, userID, turnID int64) ([]domain.Response, error) {
	responses, err := s.getTurnResponses(ctx, pageID, userID, turnID)
	return responses, s.observe("get_turn_responses", err, "page_id", pageID, "user_id", userID, "turn_id", turnID)
}

func (s *Service) getTurnResponses(ctx context.Context, pageID, userID, turnID int64) ([]domain.Response, error) {
	if _, err := s.loadPage(ctx, s.store, pageID); err != nil {
		return nil, err
	}
	responses, err := s.store.FindResponses(ctx, store.ResponseFilter{
		PageID: pageID, UserID: userID, TurnID: domain.Int64Ptr(turnID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get responses: %w", err)
	}
	if responses == nil {
		responses = []domain.Response{}
	}
	return responses, nil
}

// GetTurnQuestions returns the questions applicable to one scope with their
// current answers.
func (s *Service) GetTurnQuestions(ctx context.Context, pageID, userID, turnID int64, modelID *int64) ([]domain.TurnQuestion, error) {
	questions, err := s.getTurnQuestions(ctx, pageID, userID, turnID, modelID)
	return questions, s.observe("get_turn_questions", err, "page_id", pageID, "user_id", userID, "turn_id", turnID)
}

func (s *Service) getTurnQuestions(ctx context.Context, pageID, userID, turnID int64, modelID *int64) ([]domain.TurnQuestion, error) {
	page, err := s.loadAIChatPage(ctx, s.store, pageID)
	if err != nil {
		return nil, err
	}
	src, err := s.loadSource(ctx, s.store, *page, userID)
	if err != nil {
		return nil, err
	}
	scopes := scope.Enumerate(src)
	sc, ok := scope.Find(scopes, turnID, modelID)
	if !ok {
		return nil, domain.Policy(domain.CodeInvalidTurnTarget,
			fmt.Sprintf("turn %d is not an evaluation target on page %d", turnID, pageID))
	}
	items := scope.Items(src, scopes)

	var ids []int64
	for _, it := range items {
		ids = append(ids, it.QuestionID)
	}
	list, err := s.store.ListQuestions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load questions: %w", err)
	}
	byID := make(map[int64]domain.Question, len(list))
	for _, q := range list {
		byID[q.ID] = q
	}

	out := scope.TurnQuestions(items, sc, byID)
	if out == nil {
		out = []domain.TurnQuestion{}
	}
	return out, nil
}

// FinalizeCheck recomputes every page's scopes and answers for the participant.
func (s *Service) FinalizeCheck(ctx context.Context, experimentID, userID int64) (*scope.Summary, error) {
	summary, err := s.finalizeCheck(ctx, experimentID, userID)
	return summary, s.observe("finalize_check", err, "experiment_id", experimentID, "user_id", userID)
}

func (s *Service) finalizeCheck(ctx context.Context, experimentID, userID int64) (*scope.Summary, error) {
	exp, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	if exp == nil {
		return nil, domain.NotFound(domain.CodeExperimentNotFound, fmt.Sprintf("experiment %d not found", experimentID))
	}
	pages, err := s.store.ListPages(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}

	sources := make([]scope.Source, 0, len(pages))
	for _, page := range pages {
		src, err := s.loadSource(ctx, s.store, page, userID)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	summary := scope.Summarize(sources)
	return &summary, nil
}

// loadSource gathers everything the scope engine reads for one page.
func (s *Service) loadSource(ctx context.Context, st store.Store, page domain.Page, userID int64) (scope.Source, error) {
	src := scope.Source{Page: page}
	var err error

	if page.IsAIChat() {
		if page.Behavior == domain.BehaviorReviewConversation {
			ds, err := st.GetDataset(ctx, page.ID)
			if err != nil {
				return src, fmt.Errorf("failed to get dataset: %w", err)
			}
			if ds != nil && ds.Status == domain.DatasetStatusReady {
				if src.Threads, err = st.ListThreads(ctx, ds.ID); err != nil {
					return src, fmt.Errorf("failed to list threads: %w", err)
				}
				if src.Targets, err = st.ListTargets(ctx, store.TargetFilter{PageID: page.ID, UserID: domain.Int64Ptr(userID)}); err != nil {
					return src, fmt.Errorf("failed to list targets: %w", err)
				}
			}
		} else {
			src.Messages, err = st.FindMessages(ctx, store.MessageFilter{PageID: page.ID, UserID: userID})
			if err != nil {
				return src, fmt.Errorf("failed to load messages: %w", err)
			}
		}
	}

	if src.PageQuestions, err = st.ListPageQuestions(ctx, page.ID); err != nil {
		return src, fmt.Errorf("failed to list page questions: %w", err)
	}
	if src.Subpages, err = st.ListSubpages(ctx, page.ID); err != nil {
		return src, fmt.Errorf("failed to list subpages: %w", err)
	}
	if src.SubpageQuestions, err = st.ListSubpageQuestions(ctx, page.ID); err != nil {
		return src, fmt.Errorf("failed to list subpage questions: %w", err)
	}
	if src.Responses, err = st.FindResponses(ctx, store.ResponseFilter{PageID: page.ID, UserID: userID, AnyTurn: true}); err != nil {
		return src, fmt.Errorf("failed to load responses: %w", err)
	}
	return src, nil
}
