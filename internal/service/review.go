package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/xiaot623/surveychat/internal/domain"
	"github.com/xiaot623/surveychat/internal/metrics"
	"github.com/xiaot623/surveychat/internal/repository"
	"github.com/xiaot623/surveychat/internal/transcript"
)

// ImportTranscript replaces the page's review dataset with an uploaded
// transcript. Identical content is a no-op; otherwise reviewer targets are
// carried over by thread key inside the same transaction.
func (s *Service) ImportTranscript(ctx context.Context, req domain.ImportTranscriptRequest) (*domain.ImportResult, error) {
	result, err := s.importTranscript(ctx, req)
	switch {
	case err != nil:
		metrics.TranscriptImport("failed")
	case result.Reimported:
		metrics.TranscriptImport("imported")
		s.log.Info("transcript imported", "page_id", req.PageID, "import_id", result.ImportID,
			"threads", result.Threads, "messages", result.Messages,
			"targets_remapped", result.TargetsRemapped, "targets_deleted", result.TargetsDeleted)
	default:
		metrics.TranscriptImport("unchanged")
	}
	return result, s.observe("import_transcript", err, "page_id", req.PageID, "filename", req.Filename)
}

func (s *Service) importTranscript(ctx context.Context, req domain.ImportTranscriptRequest) (*domain.ImportResult, error) {
	page, err := s.loadAIChatPage(ctx, s.store, req.PageID)
	if err != nil {
		return nil, err
	}
	if page.Behavior != domain.BehaviorReviewConversation {
		return nil, domain.Validation(domain.CodeUnsupportedOperation,
			fmt.Sprintf("page %d does not review conversations", req.PageID))
	}
	if s.config.MaxImportBytes > 0 && int64(len(req.Data)) > s.config.MaxImportBytes {
		return nil, domain.Validation(domain.CodeMalformedTranscript,
			fmt.Sprintf("transcript exceeds %d bytes", s.config.MaxImportBytes))
	}

	hash := transcript.ContentHash(req.Data)
	existing, err := s.store.GetDataset(ctx, req.PageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	if existing != nil && existing.Status == domain.DatasetStatusReady && existing.ContentHash == hash {
		threads, messages, err := s.store.CountDatasetRows(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		return &domain.ImportResult{
			Reimported: false,
			DatasetID:  existing.ID,
			ImportID:   existing.ImportID,
			Threads:    threads,
			Messages:   messages,
		}, nil
	}

	rows, err := transcript.Parse(req.Data)
	if err != nil {
		return nil, err
	}
	forest, err := transcript.BuildForest(rows)
	if err != nil {
		return nil, err
	}

	result := &domain.ImportResult{Reimported: true, Threads: len(forest.Threads), Messages: len(forest.Rows)}
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		return s.replaceDataset(ctx, tx, req, hash, forest, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) replaceDataset(ctx context.Context, tx store.Store, req domain.ImportTranscriptRequest, hash string, forest *transcript.Forest, result *domain.ImportResult) error {
	ds, err := tx.GetDataset(ctx, req.PageID)
	if err != nil {
		return fmt.Errorf("failed to get dataset: %w", err)
	}

	// External ids of the messages targets point at, read before the old
	// rows are removed.
	lastExternal := make(map[int64]string)
	if ds != nil {
		oldThreads, err := tx.ListThreads(ctx, ds.ID)
		if err != nil {
			return fmt.Errorf("failed to list threads: %w", err)
		}
		for _, th := range oldThreads {
			msgs, err := tx.ListThreadMessages(ctx, th.ID)
			if err != nil {
				return fmt.Errorf("failed to list thread messages: %w", err)
			}
			for _, m := range msgs {
				lastExternal[m.ID] = m.ExternalID
			}
		}
		if err := tx.DeleteDatasetContents(ctx, ds.ID); err != nil {
			return err
		}
	}

	if ds == nil {
		ds = &domain.Dataset{PageID: req.PageID}
	}
	ds.ImportID = uuid.NewString()
	ds.Filename = req.Filename
	ds.ContentHash = hash
	ds.Status = domain.DatasetStatusReady
	ds.ImportedAt = s.now()
	if ds.ID == 0 {
		err = tx.CreateDataset(ctx, ds)
	} else {
		err = tx.UpdateDataset(ctx, ds)
	}
	if err != nil {
		return err
	}
	result.DatasetID = ds.ID
	result.ImportID = ds.ImportID

	messageIDs := make([]int64, len(forest.Rows))
	byExternal := make(map[string]int64, len(forest.Rows))
	for i, row := range forest.Rows {
		msg := domain.ReviewMessage{
			DatasetID:        ds.ID,
			ExternalID:       row.MessageID,
			ParentExternalID: row.ParentID,
			TurnRef:          row.TurnRef,
			ModelRef:         row.ModelRef,
			Role:             row.Role,
			Content:          row.Content,
			Timestamp:        row.Timestamp,
			SortOrder:        i,
		}
		if err := tx.CreateReviewMessage(ctx, &msg); err != nil {
			return err
		}
		messageIDs[i] = msg.ID
		byExternal[row.MessageID] = msg.ID
	}

	threadByKey := make(map[string]int64, len(forest.Threads))
	for i, t := range forest.Threads {
		th := domain.Thread{DatasetID: ds.ID, ThreadKey: t.Key, Label: t.Label, SortOrder: i}
		if err := tx.CreateThread(ctx, &th); err != nil {
			return err
		}
		threadByKey[t.Key] = th.ID
		for pos, rowIdx := range t.Rows {
			if err := tx.LinkThreadMessage(ctx, domain.ThreadMessage{ThreadID: th.ID, MessageID: messageIDs[rowIdx], Position: pos}); err != nil {
				return err
			}
		}
	}

	targets, err := tx.ListTargets(ctx, store.TargetFilter{PageID: req.PageID})
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}
	for _, target := range targets {
		threadID, ok := threadByKey[target.ThreadKey]
		if !ok {
			if err := tx.DeleteTarget(ctx, target.ID); err != nil {
				return err
			}
			result.TargetsDeleted++
			continue
		}
		var last *int64
		if target.LastMessageID != nil {
			if id, ok := byExternal[lastExternal[*target.LastMessageID]]; ok {
				last = domain.Int64Ptr(id)
			}
		}
		if err := tx.RemapTarget(ctx, target.ID, threadID, last); err != nil {
			return err
		}
		result.TargetsRemapped++
	}
	return nil
}

// ListReviewThreads returns the ready dataset's threads with the caller's targets.
func (s *Service) ListReviewThreads(ctx context.Context, pageID, userID int64) ([]domain.ReviewThreadView, error) {
	views, err := s.listReviewThreads(ctx, pageID, userID)
	return views, s.observe("list_review_threads", err, "page_id", pageID, "user_id", userID)
}

func (s *Service) listReviewThreads(ctx context.Context, pageID, userID int64) ([]domain.ReviewThreadView, error) {
	if _, err := s.loadAIChatPage(ctx, s.store, pageID); err != nil {
		return nil, err
	}
	views := []domain.ReviewThreadView{}
	ds, err := s.store.GetDataset(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	if ds == nil || ds.Status != domain.DatasetStatusReady {
		return views, nil
	}

	threads, err := s.store.ListThreads(ctx, ds.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	targets, err := s.store.ListTargets(ctx, store.TargetFilter{PageID: pageID, UserID: domain.Int64Ptr(userID)})
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	byThread := make(map[int64]domain.Target, len(targets))
	for _, t := range targets {
		byThread[t.ThreadID] = t
	}

	for _, th := range threads {
		msgs, err := s.store.ListThreadMessages(ctx, th.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list thread messages: %w", err)
		}
		view := domain.ReviewThreadView{Thread: th, Messages: msgs}
		if t, ok := byThread[th.ID]; ok {
			view.Target = &t
		}
		views = append(views, view)
	}
	return views, nil
}

// UpsertTarget records how far a reviewer got in a thread.
func (s *Service) UpsertTarget(ctx context.Context, req domain.UpsertTargetRequest) (*domain.Target, error) {
	target, err := s.upsertTarget(ctx, req)
	return target, s.observe("upsert_target", err, "page_id", req.PageID, "user_id", req.UserID, "thread_id", req.ThreadID)
}

func (s *Service) upsertTarget(ctx context.Context, req domain.UpsertTargetRequest) (*domain.Target, error) {
	var target *domain.Target
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := s.loadAIChatPage(ctx, tx, req.PageID); err != nil {
			return err
		}
		ds, err := tx.GetDataset(ctx, req.PageID)
		if err != nil {
			return fmt.Errorf("failed to get dataset: %w", err)
		}
		if ds == nil || ds.Status != domain.DatasetStatusReady {
			return domain.NotFound(domain.CodeNoDataset, fmt.Sprintf("page %d has no imported transcript", req.PageID))
		}
		th, err := tx.GetThread(ctx, req.ThreadID)
		if err != nil {
			return fmt.Errorf("failed to get thread: %w", err)
		}
		if th == nil || th.DatasetID != ds.ID {
			return domain.NotFound(domain.CodeThreadNotFound, fmt.Sprintf("thread %d not found on page %d", req.ThreadID, req.PageID))
		}
		if req.LastMessageID != nil {
			msgs, err := tx.ListThreadMessages(ctx, th.ID)
			if err != nil {
				return fmt.Errorf("failed to list thread messages: %w", err)
			}
			found := false
			for _, m := range msgs {
				if m.ID == *req.LastMessageID {
					found = true
					break
				}
			}
			if !found {
				return domain.Policy(domain.CodeInvalidTurnTarget,
					fmt.Sprintf("message %d is not part of thread %d", *req.LastMessageID, th.ID))
			}
		}

		target = &domain.Target{
			PageID:        req.PageID,
			UserID:        req.UserID,
			ThreadID:      th.ID,
			ThreadKey:     th.ThreadKey,
			LastMessageID: req.LastMessageID,
			UpdatedAt:     s.now(),
		}
		if err := tx.UpsertTarget(ctx, target); err != nil {
			return err
		}
		// Answers given before the target existed were keyed by the thread.
		if err := tx.RekeyResponses(ctx, req.PageID, req.UserID, domain.UnansweredThreadKey(th.ID), target.ID); err != nil {
			return fmt.Errorf("failed to move thread responses to target: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}
