package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/xiaot623/surveychat/internal/domain"
	"github.com/xiaot623/surveychat/internal/repository"
	"github.com/xiaot623/surveychat/internal/tree"
	"github.com/xiaot623/surveychat/internal/turns"
)

// GetConversationTree returns the display tree of the participant's
// conversations, optionally restricted to one model.
func (s *Service) GetConversationTree(ctx context.Context, pageID, userID int64, modelID *int64) (*tree.View, error) {
	view, err := s.getConversationTree(ctx, pageID, userID, modelID)
	return view, s.observe("get_conversation_tree", err, "page_id", pageID, "user_id", userID)
}

func (s *Service) getConversationTree(ctx context.Context, pageID, userID int64, modelID *int64) (*tree.View, error) {
	page, err := s.loadAIChatPage(ctx, s.store, pageID)
	if err != nil {
		return nil, err
	}
	msgs, branches, err := s.loadLog(ctx, s.store, pageID, userID)
	if err != nil {
		return nil, err
	}
	view := tree.Build(page.Behavior, msgs, branches, modelID).View()
	return &view, nil
}

// GetConversationHistory returns the messages that would feed the model for
// a turn (turns), a message's parent chain (continuous) or one pair (qa).
func (s *Service) GetConversationHistory(ctx context.Context, q domain.HistoryQuery) ([]domain.Message, error) {
	msgs, err := s.getConversationHistory(ctx, q)
	return msgs, s.observe("get_conversation_history", err, "page_id", q.PageID, "user_id", q.UserID)
}

func (s *Service) getConversationHistory(ctx context.Context, q domain.HistoryQuery) ([]domain.Message, error) {
	page, err := s.loadAIChatPage(ctx, s.store, q.PageID)
	if err != nil {
		return nil, err
	}
	var out []domain.Message
	switch page.Behavior {
	case domain.BehaviorTurns:
		if q.TurnID == nil {
			return nil, domain.Validation(domain.CodeMissingTurnID, "turn_id is required")
		}
		if q.ModelID == nil {
			return nil, domain.Validation(domain.CodeModelNotFound, "model_id is required")
		}
		branches, err := s.store.ListBranches(ctx, q.PageID, q.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to load branches: %w", err)
		}
		ancestry, err := s.resolver.Ancestry(*q.TurnID, turns.ParentMap(branches))
		if err != nil {
			return nil, err
		}
		msgs, err := s.store.FindMessages(ctx, store.MessageFilter{
			PageID: q.PageID, UserID: q.UserID, ModelID: q.ModelID,
			TurnIDs: ancestry, ExcludePlaceholders: true, Order: store.OrderByTurn,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load messages: %w", err)
		}
		out = turns.TurnsHistory(ancestry, msgs, *q.ModelID)

	case domain.BehaviorContinuous:
		if q.MessageID == nil {
			return nil, domain.Validation(domain.CodeInvalidParent, "message_id is required")
		}
		msgs, _, err := s.loadLog(ctx, s.store, q.PageID, q.UserID)
		if err != nil {
			return nil, err
		}
		byID := turns.IndexByID(msgs)
		start, ok := byID[*q.MessageID]
		if !ok {
			return nil, domain.Validation(domain.CodeInvalidParent, fmt.Sprintf("message %d not found", *q.MessageID))
		}
		modelID := domain.Int64Value(start.ModelID)
		if q.ModelID != nil {
			modelID = *q.ModelID
		}
		out, err = s.resolver.ParentChain(start.ID, byID, modelID)
		if err != nil {
			return nil, err
		}

	case domain.BehaviorQA:
		key := q.TurnID
		if key == nil {
			key = q.MessageID
		}
		if key == nil {
			return nil, domain.Validation(domain.CodeMissingTurnID, "turn_id or message_id is required")
		}
		out, err = s.store.FindMessages(ctx, store.MessageFilter{
			PageID: q.PageID, UserID: q.UserID, TurnIDs: []int64{*key}, ExcludePlaceholders: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load messages: %w", err)
		}

	default:
		return nil, domain.Validation(domain.CodeUnsupportedOperation,
			fmt.Sprintf("behavior %q has no live history", page.Behavior))
	}

	if out == nil {
		out = []domain.Message{}
	}
	return out, nil
}

// ExportConversation flattens the participant's log, placeholders excluded.
func (s *Service) ExportConversation(ctx context.Context, pageID, userID int64) ([]domain.ExportRow, error) {
	rows, err := s.exportConversation(ctx, pageID, userID)
	return rows, s.observe("export_conversation", err, "page_id", pageID, "user_id", userID)
}

func (s *Service) exportConversation(ctx context.Context, pageID, userID int64) ([]domain.ExportRow, error) {
	if _, err := s.loadAIChatPage(ctx, s.store, pageID); err != nil {
		return nil, err
	}
	msgs, err := s.store.FindMessages(ctx, store.MessageFilter{
		PageID: pageID, UserID: userID, ExcludePlaceholders: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	exported := make(map[int64]bool, len(msgs))
	for _, m := range msgs {
		exported[m.ID] = true
	}
	rows := make([]domain.ExportRow, 0, len(msgs))
	for _, m := range msgs {
		// Placeholder parents are not exported; the row reads as a root.
		if m.ParentID != nil && !exported[*m.ParentID] {
			m.ParentID = nil
		}
		rows = append(rows, domain.ExportRow{
			TurnID:    m.TurnID,
			ModelID:   m.ModelID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt.Unix(),
			MessageID: m.ID,
			ParentID:  m.ParentID,
		})
	}
	return rows, nil
}

// WriteExportCSV writes rows with the export header.
func WriteExportCSV(w io.Writer, rows []domain.ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(domain.ExportHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			optional(r.TurnID),
			optional(r.ModelID),
			string(r.Role),
			r.Content,
			strconv.FormatInt(r.Timestamp, 10),
			strconv.FormatInt(r.MessageID, 10),
			optional(r.ParentID),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func optional(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
