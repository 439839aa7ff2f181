package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/surveychat/internal/domain"
	"github.com/xiaot623/surveychat/internal/metrics"
	"github.com/xiaot623/surveychat/internal/repository"
	"github.com/xiaot623/surveychat/internal/turns"
	"github.com/xiaot623/surveychat/policy"
)

// preparedSend is the persisted user side of an exchange plus the history
// that goes to the model.
type preparedSend struct {
	page    *domain.Page
	model   *domain.Model
	user    domain.Message
	history []domain.HistoryEntry
}

// SendMessage persists the participant message, asks the model for a reply
// and persists the reply in the same turn.
func (s *Service) SendMessage(ctx context.Context, req domain.SendMessageRequest) (*domain.SendMessageResponse, error) {
	resp, err := s.sendMessage(ctx, req)
	return resp, s.observe("send_message", err, "page_id", req.PageID, "user_id", req.UserID, "model_id", req.ModelID)
}

func (s *Service) sendMessage(ctx context.Context, req domain.SendMessageRequest) (*domain.SendMessageResponse, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, domain.Validation(domain.CodeEmptyMessage, "message content is empty")
	}

	var prep *preparedSend
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		prep, err = s.prepareSend(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	reply, err := s.callModel(ctx, *prep.model, prep.history)
	if err != nil {
		if delErr := s.store.DeleteMessage(context.WithoutCancel(ctx), prep.user.ID); delErr != nil {
			s.log.Error("failed to remove unanswered message", "message_id", prep.user.ID, "error", delErr)
		}
		return nil, domain.Upstream(domain.CodeModelError, err)
	}

	assistant := domain.Message{
		PageID:    req.PageID,
		UserID:    req.UserID,
		ModelID:   domain.Int64Ptr(prep.model.ID),
		Role:      domain.RoleAssistant,
		Content:   reply,
		ParentID:  domain.Int64Ptr(prep.user.ID),
		TurnID:    prep.user.TurnID,
		CreatedAt: s.now(),
	}
	if _, err := s.store.AppendMessage(ctx, &assistant); err != nil {
		return nil, fmt.Errorf("failed to store assistant message: %w", err)
	}

	metrics.MessageSent(string(prep.page.Behavior))
	s.log.Debug("message exchanged",
		"page_id", req.PageID, "user_id", req.UserID, "model_id", prep.model.ID,
		"turn_id", domain.Int64Value(prep.user.TurnID), "history_len", len(prep.history))

	return &domain.SendMessageResponse{
		Success:          true,
		TurnID:           prep.user.TurnID,
		UserMessage:      prep.user,
		AssistantMessage: assistant,
	}, nil
}

// prepareSend validates the request, resolves turn and history and inserts
// the user message. It runs inside one write transaction so turn allocation
// and the closed-turn check see a stable log.
func (s *Service) prepareSend(ctx context.Context, tx store.Store, req domain.SendMessageRequest) (*preparedSend, error) {
	page, err := s.loadAIChatPage(ctx, tx, req.PageID)
	if err != nil {
		return nil, err
	}
	if !page.Behavior.Sendable() {
		return nil, domain.Validation(domain.CodeBehaviorNotSendable,
			fmt.Sprintf("behavior %q does not accept live messages", page.Behavior))
	}
	model, err := s.loadPageModel(ctx, tx, req.PageID, req.ModelID)
	if err != nil {
		return nil, err
	}
	msgs, branches, err := s.loadLog(ctx, tx, req.PageID, req.UserID)
	if err != nil {
		return nil, err
	}

	user := domain.Message{
		PageID:    req.PageID,
		UserID:    req.UserID,
		ModelID:   domain.Int64Ptr(model.ID),
		Role:      domain.RoleUser,
		Content:   req.Content,
		CreatedAt: s.now(),
	}

	var prior []domain.Message
	switch page.Behavior {
	case domain.BehaviorTurns:
		turn, err := s.resolveSendTurn(ctx, tx, page, model.ID, req, msgs, branches)
		if err != nil {
			return nil, err
		}
		ancestry, err := s.resolver.Ancestry(turn, turns.ParentMap(branches))
		if err != nil {
			return nil, err
		}
		prior = turns.TurnsHistory(ancestry, msgs, model.ID)
		user.TurnID = domain.Int64Ptr(turn)
		if latest := turns.LatestInTurn(msgs, turn, model.ID); latest != nil {
			user.ParentID = domain.Int64Ptr(latest.ID)
		}

	case domain.BehaviorContinuous:
		if req.ParentID != nil {
			byID := turns.IndexByID(msgs)
			if _, ok := byID[*req.ParentID]; !ok {
				return nil, domain.Validation(domain.CodeInvalidParent,
					fmt.Sprintf("parent message %d does not belong to this conversation", *req.ParentID))
			}
			prior, err = s.resolver.ParentChain(*req.ParentID, byID, model.ID)
			if err != nil {
				return nil, err
			}
			user.ParentID = req.ParentID
		}
	}

	if _, err := tx.AppendMessage(ctx, &user); err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}
	if page.Behavior == domain.BehaviorQA {
		// Each Q&A exchange is keyed by its own question id.
		if err := tx.UpdateMessageTurn(ctx, user.ID, user.PairKey()); err != nil {
			return nil, fmt.Errorf("failed to assign pair key: %w", err)
		}
		user.TurnID = domain.Int64Ptr(user.ID)
	}

	history := append(turns.ToHistory(prior), domain.HistoryEntry{Role: domain.RoleUser, Content: req.Content})
	return &preparedSend{page: page, model: model, user: user, history: history}, nil
}

func (s *Service) resolveSendTurn(ctx context.Context, tx store.Store, page *domain.Page, modelID int64, req domain.SendMessageRequest, msgs []domain.Message, branches []domain.Branch) (int64, error) {
	if req.TurnID == nil && !req.NewTurn {
		return 0, domain.Validation(domain.CodeMissingTurnID, "turns behavior requires turn_id or new_turn")
	}
	if req.TurnID != nil && req.NewTurn {
		return 0, domain.Validation(domain.CodeInvalidTurnID, "turn_id and new_turn are mutually exclusive")
	}

	maxModelTurn, err := tx.MaxMessageTurn(ctx, req.PageID, req.UserID, domain.Int64Ptr(modelID))
	if err != nil {
		return 0, fmt.Errorf("failed to read highest turn: %w", err)
	}
	maxBranchTurn, err := tx.MaxBranchTurn(ctx, req.PageID, req.UserID)
	if err != nil {
		return 0, fmt.Errorf("failed to read highest branch turn: %w", err)
	}
	next := turns.NextTurn(maxModelTurn, maxBranchTurn)
	if req.NewTurn {
		return next, nil
	}

	turn := *req.TurnID
	if turn <= 0 {
		return 0, domain.Validation(domain.CodeInvalidTurnID, fmt.Sprintf("turn id %d is not positive", turn))
	}
	if turn != next && !turns.TurnExists(turn, msgs, turns.ParentMap(branches)) {
		return 0, domain.Validation(domain.CodeUnknownTurn, fmt.Sprintf("turn %d does not exist", turn))
	}

	decision, err := s.evaluatePolicy(ctx, policy.Input{
		Action:     policy.ActionSend,
		Behavior:   string(page.Behavior),
		TurnID:     turn,
		TurnClosed: turns.IsTurnClosed(msgs, turn, modelID),
	})
	if err != nil {
		return 0, err
	}
	if decision == policy.DecisionTurnClosed {
		return 0, domain.Policy(domain.CodeTurnClosed,
			fmt.Sprintf("turn %d is closed; create a branch to continue", turn))
	}
	// A user message without its reply means another send holds the turn.
	if turns.HasUserMessage(msgs, turn, modelID) {
		return 0, domain.Policy(domain.CodeTurnInProgress,
			fmt.Sprintf("turn %d already has a message awaiting its reply", turn))
	}
	return turn, nil
}

func (s *Service) callModel(ctx context.Context, model domain.Model, history []domain.HistoryEntry) (string, error) {
	if s.config.LLMTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.LLMTimeout)
		defer cancel()
	}
	start := time.Now()
	reply, err := s.llmClient.SendMessage(ctx, model, history)
	metrics.ModelCall(model.ID, time.Since(start), err)
	return reply, err
}
