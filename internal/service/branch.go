package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/surveychat/internal/domain"
	"github.com/xiaot623/surveychat/internal/repository"
	"github.com/xiaot623/surveychat/internal/turns"
	"github.com/xiaot623/surveychat/policy"
)

// CreateBranch registers a new turn seeded from an existing one and stores a
// placeholder so the thread is visible before its first message.
func (s *Service) CreateBranch(ctx context.Context, req domain.CreateBranchRequest) (*domain.CreateBranchResponse, error) {
	var resp *domain.CreateBranchResponse
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		resp, err = s.createBranch(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, s.observe("create_branch", err, "page_id", req.PageID, "user_id", req.UserID, "parent_turn_id", req.ParentTurnID)
	}
	s.log.Info("branch created", "page_id", req.PageID, "user_id", req.UserID,
		"parent_turn_id", req.ParentTurnID, "turn_id", resp.TurnID)
	return resp, nil
}

func (s *Service) createBranch(ctx context.Context, tx store.Store, req domain.CreateBranchRequest) (*domain.CreateBranchResponse, error) {
	page, err := s.loadTurnsPage(ctx, tx, req.PageID, req.ModelID)
	if err != nil {
		return nil, err
	}
	if req.ParentTurnID <= 0 {
		return nil, domain.Validation(domain.CodeInvalidTurnID, fmt.Sprintf("parent turn id %d is not positive", req.ParentTurnID))
	}

	msgs, branches, err := s.loadLog(ctx, tx, req.PageID, req.UserID)
	if err != nil {
		return nil, err
	}
	parents := turns.ParentMap(branches)
	if !turns.TurnExists(req.ParentTurnID, msgs, parents) {
		return nil, domain.Validation(domain.CodeParentTurnMissing, fmt.Sprintf("parent turn %d does not exist", req.ParentTurnID))
	}

	known := turns.KnownTurns(msgs, branches)
	root, err := s.resolver.ConversationRoot(req.ParentTurnID, parents)
	if err != nil {
		return nil, err
	}
	count, err := s.resolver.ConversationTurns(root, known, parents)
	if err != nil {
		return nil, err
	}

	input := policy.Input{
		Action:            policy.ActionBranch,
		Behavior:          string(page.Behavior),
		TurnID:            req.ParentTurnID,
		ConversationTurns: count,
	}
	if page.MaxTurns != nil {
		input.MaxTurns = *page.MaxTurns
	}
	decision, err := s.evaluatePolicy(ctx, input)
	if err != nil {
		return nil, err
	}
	if decision == policy.DecisionMaxTurnsReached {
		return nil, domain.Policy(domain.CodeMaxTurnsReached,
			fmt.Sprintf("conversation rooted at turn %d already has %d of %d turns", root, count, input.MaxTurns))
	}

	turn := nextFreeTurn(known)
	label := req.Label
	if label == "" {
		label = fmt.Sprintf("Branch from turn %d", req.ParentTurnID)
	}
	branch := domain.Branch{
		PageID:       req.PageID,
		UserID:       req.UserID,
		ParentTurnID: req.ParentTurnID,
		ChildTurnID:  turn,
		Label:        label,
		CreatedAt:    s.now(),
	}
	if err := tx.CreateBranch(ctx, &branch); err != nil {
		return nil, fmt.Errorf("failed to create branch: %w", err)
	}

	placeholder, err := s.appendPlaceholder(ctx, tx, req.PageID, req.UserID, req.ModelID, domain.Int64Ptr(turn))
	if err != nil {
		return nil, err
	}
	return &domain.CreateBranchResponse{Success: true, TurnID: turn, Branch: branch, Placeholder: placeholder}, nil
}

// CreateRoot starts a fresh conversation: a parentless placeholder in
// continuous behavior, or a new top-level turn in turns behavior.
func (s *Service) CreateRoot(ctx context.Context, req domain.CreateRootRequest) (*domain.CreateRootResponse, error) {
	var resp *domain.CreateRootResponse
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		resp, err = s.createRoot(ctx, tx, req)
		return err
	})
	return resp, s.observe("create_root", err, "page_id", req.PageID, "user_id", req.UserID)
}

func (s *Service) createRoot(ctx context.Context, tx store.Store, req domain.CreateRootRequest) (*domain.CreateRootResponse, error) {
	page, err := s.loadAIChatPage(ctx, tx, req.PageID)
	if err != nil {
		return nil, err
	}
	if req.ModelID != nil {
		if _, err := s.loadPageModel(ctx, tx, req.PageID, *req.ModelID); err != nil {
			return nil, err
		}
	}

	var turn *int64
	switch page.Behavior {
	case domain.BehaviorContinuous:
	case domain.BehaviorTurns:
		msgs, branches, err := s.loadLog(ctx, tx, req.PageID, req.UserID)
		if err != nil {
			return nil, err
		}
		decision, err := s.evaluatePolicy(ctx, policy.Input{Action: policy.ActionRoot, Behavior: string(page.Behavior)})
		if err != nil {
			return nil, err
		}
		if decision != policy.DecisionAllow {
			return nil, domain.Policy(decision, "root creation denied by policy")
		}
		turn = domain.Int64Ptr(nextFreeTurn(turns.KnownTurns(msgs, branches)))
	default:
		return nil, domain.Validation(domain.CodeUnsupportedOperation,
			fmt.Sprintf("behavior %q has no conversation roots", page.Behavior))
	}

	placeholder, err := s.appendPlaceholder(ctx, tx, req.PageID, req.UserID, req.ModelID, turn)
	if err != nil {
		return nil, err
	}
	return &domain.CreateRootResponse{Success: true, TurnID: turn, Placeholder: placeholder}, nil
}

func (s *Service) loadTurnsPage(ctx context.Context, st store.Store, pageID int64, modelID *int64) (*domain.Page, error) {
	page, err := s.loadAIChatPage(ctx, st, pageID)
	if err != nil {
		return nil, err
	}
	if page.Behavior != domain.BehaviorTurns {
		return nil, domain.Validation(domain.CodeUnsupportedOperation,
			fmt.Sprintf("branches require turns behavior, page %d is %q", pageID, page.Behavior))
	}
	if modelID != nil {
		if _, err := s.loadPageModel(ctx, st, pageID, *modelID); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func (s *Service) appendPlaceholder(ctx context.Context, tx store.Store, pageID, userID int64, modelID, turn *int64) (domain.Message, error) {
	msg := domain.Message{
		PageID:    pageID,
		UserID:    userID,
		ModelID:   modelID,
		Role:      domain.RoleSystem,
		Content:   domain.PlaceholderContent,
		TurnID:    turn,
		CreatedAt: s.now(),
	}
	if _, err := tx.AppendMessage(ctx, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("failed to store placeholder: %w", err)
	}
	return msg, nil
}

// nextFreeTurn is one past the highest turn used by any message or branch.
func nextFreeTurn(known []int64) int64 {
	if len(known) == 0 {
		return 1
	}
	return known[len(known)-1] + 1
}
