package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xiaot623/surveychat/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func seedPage(t *testing.T, store *SQLiteStore, behavior domain.Behavior) *domain.Page {
	t.Helper()
	ctx := context.Background()
	exp := &domain.Experiment{Name: "exp"}
	if err := store.CreateExperiment(ctx, exp); err != nil {
		t.Fatalf("CreateExperiment failed: %v", err)
	}
	page := &domain.Page{ExperimentID: exp.ID, Name: "chat", Type: domain.PageTypeAIChat, Behavior: behavior}
	if err := store.CreatePage(ctx, page); err != nil {
		t.Fatalf("CreatePage failed: %v", err)
	}
	return page
}

func TestSQLiteStoreMessagesAndTurns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	page := seedPage(t, store, domain.BehaviorTurns)
	model := &domain.Model{ID: 7, Name: "m7", ProviderModel: "gpt-4o-mini"}
	if err := store.UpsertModel(ctx, model); err != nil {
		t.Fatalf("UpsertModel failed: %v", err)
	}
	if err := store.AttachModel(ctx, page.ID, model.ID); err != nil {
		t.Fatalf("AttachModel failed: %v", err)
	}
	ok, err := store.PageHasModel(ctx, page.ID, model.ID)
	if err != nil || !ok {
		t.Fatalf("PageHasModel = %v, %v", ok, err)
	}
	models, err := store.ListPageModels(ctx, page.ID)
	if err != nil || len(models) != 1 || models[0].ProviderModel != "gpt-4o-mini" {
		t.Fatalf("ListPageModels = %+v, %v", models, err)
	}
	models, err = store.ListPageModels(ctx, page.ID+1)
	if err != nil || len(models) != 0 {
		t.Fatalf("expected no models on unknown page, got %+v, %v", models, err)
	}

	base := time.UnixMilli(1_700_000_000_000)
	for i, turn := range []int64{1, 1, 2} {
		msg := &domain.Message{
			PageID: page.ID, UserID: 1, ModelID: domain.Int64Ptr(model.ID),
			Role: domain.RoleUser, Content: "hi", TurnID: domain.Int64Ptr(turn),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		if msg.ID == 0 {
			t.Fatalf("expected id to be assigned")
		}
	}

	max, err := store.MaxMessageTurn(ctx, page.ID, 1, domain.Int64Ptr(model.ID))
	if err != nil {
		t.Fatalf("MaxMessageTurn failed: %v", err)
	}
	if max != 2 {
		t.Fatalf("expected max turn 2, got %d", max)
	}
	max, err = store.MaxMessageTurn(ctx, page.ID, 2, nil)
	if err != nil || max != 0 {
		t.Fatalf("expected 0 for unknown user, got %d, %v", max, err)
	}

	msgs, err := store.FindMessages(ctx, MessageFilter{PageID: page.ID, UserID: 1, TurnIDs: []int64{1}})
	if err != nil {
		t.Fatalf("FindMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages in turn 1, got %d", len(msgs))
	}
	if !msgs[0].CreatedAt.Before(msgs[1].CreatedAt) {
		t.Fatalf("expected chronological order")
	}

	byTurn, err := store.FindMessages(ctx, MessageFilter{PageID: page.ID, UserID: 1, TurnIDs: []int64{2, 1}, Order: OrderByTurn})
	if err != nil {
		t.Fatalf("FindMessages failed: %v", err)
	}
	if len(byTurn) != 3 || byTurn[0].Turn() != 1 || byTurn[2].Turn() != 2 {
		t.Fatalf("expected turn order, got %+v", byTurn)
	}
}

func TestSQLiteStoreUpdateMessageTurnOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	page := seedPage(t, store, domain.BehaviorQA)
	msg := &domain.Message{PageID: page.ID, UserID: 1, Role: domain.RoleUser, Content: "q"}
	id, err := store.AppendMessage(ctx, msg)
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := store.UpdateMessageTurn(ctx, id, id); err != nil {
		t.Fatalf("UpdateMessageTurn failed: %v", err)
	}
	if err := store.UpdateMessageTurn(ctx, id, 99); err == nil {
		t.Fatalf("expected second backfill to fail")
	}
	got, err := store.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Turn() != id {
		t.Fatalf("expected turn %d, got %d", id, got.Turn())
	}
}

func TestSQLiteStoreBranches(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	page := seedPage(t, store, domain.BehaviorTurns)
	if err := store.CreateBranch(ctx, &domain.Branch{PageID: page.ID, UserID: 1, ParentTurnID: 1, ChildTurnID: 3}); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	err := store.CreateBranch(ctx, &domain.Branch{PageID: page.ID, UserID: 1, ParentTurnID: 2, ChildTurnID: 3})
	if err == nil {
		t.Fatalf("expected duplicate child turn to be rejected")
	}

	max, err := store.MaxBranchTurn(ctx, page.ID, 1)
	if err != nil {
		t.Fatalf("MaxBranchTurn failed: %v", err)
	}
	if max != 3 {
		t.Fatalf("expected max branch turn 3, got %d", max)
	}
	branches, err := store.ListBranches(ctx, page.ID, 1)
	if err != nil || len(branches) != 1 {
		t.Fatalf("ListBranches = %d, %v", len(branches), err)
	}
}

func TestSQLiteStoreResponsesKeyedByTurn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	page := seedPage(t, store, domain.BehaviorTurns)
	q := &domain.Question{Name: "rating"}
	if err := store.CreateQuestion(ctx, q); err != nil {
		t.Fatalf("CreateQuestion failed: %v", err)
	}

	writes := []domain.Response{
		{PageID: page.ID, QuestionID: q.ID, UserID: 1, TurnID: domain.Int64Ptr(1), Value: "3"},
		{PageID: page.ID, QuestionID: q.ID, UserID: 1, TurnID: domain.Int64Ptr(1), Value: "4"},
		{PageID: page.ID, QuestionID: q.ID, UserID: 1, TurnID: domain.Int64Ptr(2), Value: "5"},
		{PageID: page.ID, QuestionID: q.ID, UserID: 1, Value: "ordinary"},
	}
	for i := range writes {
		if err := store.UpsertResponse(ctx, &writes[i]); err != nil {
			t.Fatalf("UpsertResponse failed: %v", err)
		}
	}

	all, err := store.FindResponses(ctx, ResponseFilter{PageID: page.ID, UserID: 1, AnyTurn: true})
	if err != nil {
		t.Fatalf("FindResponses failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 distinct responses, got %d", len(all))
	}

	turn1, err := store.FindResponses(ctx, ResponseFilter{PageID: page.ID, UserID: 1, TurnID: domain.Int64Ptr(1)})
	if err != nil || len(turn1) != 1 || turn1[0].Value != "4" {
		t.Fatalf("expected updated turn 1 response, got %+v, %v", turn1, err)
	}

	ordinary, err := store.FindResponses(ctx, ResponseFilter{PageID: page.ID, UserID: 1})
	if err != nil || len(ordinary) != 1 || ordinary[0].TurnID != nil {
		t.Fatalf("expected one ordinary response, got %+v, %v", ordinary, err)
	}
}

func TestSQLiteStoreRekeyResponses(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	page := seedPage(t, store, domain.BehaviorReviewConversation)
	rating := &domain.Question{Name: "rating"}
	note := &domain.Question{Name: "note"}
	for _, q := range []*domain.Question{rating, note} {
		if err := store.CreateQuestion(ctx, q); err != nil {
			t.Fatalf("CreateQuestion failed: %v", err)
		}
	}

	writes := []domain.Response{
		{PageID: page.ID, QuestionID: rating.ID, UserID: 1, TurnID: domain.Int64Ptr(-4), Value: "early"},
		{PageID: page.ID, QuestionID: note.ID, UserID: 1, TurnID: domain.Int64Ptr(-4), Value: "stale"},
		{PageID: page.ID, QuestionID: note.ID, UserID: 1, TurnID: domain.Int64Ptr(9), Value: "kept"},
		{PageID: page.ID, QuestionID: rating.ID, UserID: 2, TurnID: domain.Int64Ptr(-4), Value: "other"},
	}
	for i := range writes {
		if err := store.UpsertResponse(ctx, &writes[i]); err != nil {
			t.Fatalf("UpsertResponse failed: %v", err)
		}
	}

	if err := store.RekeyResponses(ctx, page.ID, 1, -4, 9); err != nil {
		t.Fatalf("RekeyResponses failed: %v", err)
	}

	moved, err := store.FindResponses(ctx, ResponseFilter{PageID: page.ID, UserID: 1, TurnID: domain.Int64Ptr(9)})
	if err != nil {
		t.Fatalf("FindResponses failed: %v", err)
	}
	values := map[int64]string{}
	for _, r := range moved {
		values[r.QuestionID] = r.Value
	}
	if len(moved) != 2 || values[rating.ID] != "early" || values[note.ID] != "kept" {
		t.Fatalf("unexpected rekeyed responses: %+v", moved)
	}

	left, err := store.FindResponses(ctx, ResponseFilter{PageID: page.ID, UserID: 1, TurnID: domain.Int64Ptr(-4)})
	if err != nil || len(left) != 0 {
		t.Fatalf("expected no responses under the old key, got %+v, %v", left, err)
	}
	other, err := store.FindResponses(ctx, ResponseFilter{PageID: page.ID, UserID: 2, TurnID: domain.Int64Ptr(-4)})
	if err != nil || len(other) != 1 {
		t.Fatalf("expected other user's response untouched, got %+v, %v", other, err)
	}
}

func TestSQLiteStoreWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	page := seedPage(t, store, domain.BehaviorContinuous)
	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.AppendMessage(ctx, &domain.Message{PageID: page.ID, UserID: 1, Role: domain.RoleUser, Content: "x"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	n, err := store.CountMessages(ctx, MessageFilter{PageID: page.ID})
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected rollback to discard message, got %d", n)
	}
}

func TestSQLiteStoreReviewDataset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	page := seedPage(t, store, domain.BehaviorReviewConversation)
	ds := &domain.Dataset{PageID: page.ID, ImportID: "imp-1", ContentHash: "abc", Status: domain.DatasetStatusReady}
	if err := store.CreateDataset(ctx, ds); err != nil {
		t.Fatalf("CreateDataset failed: %v", err)
	}
	th := &domain.Thread{DatasetID: ds.ID, ThreadKey: domain.ThreadKeyFor("m1"), Label: domain.ThreadLabel(1)}
	if err := store.CreateThread(ctx, th); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	for i, id := range []string{"m1", "m2"} {
		msg := &domain.ReviewMessage{DatasetID: ds.ID, ExternalID: id, Role: domain.RoleUser, Content: id, SortOrder: i}
		if err := store.CreateReviewMessage(ctx, msg); err != nil {
			t.Fatalf("CreateReviewMessage failed: %v", err)
		}
		if err := store.LinkThreadMessage(ctx, domain.ThreadMessage{ThreadID: th.ID, MessageID: msg.ID, Position: i}); err != nil {
			t.Fatalf("LinkThreadMessage failed: %v", err)
		}
	}

	msgs, err := store.ListThreadMessages(ctx, th.ID)
	if err != nil || len(msgs) != 2 || msgs[0].ExternalID != "m1" {
		t.Fatalf("unexpected thread messages: %+v, %v", msgs, err)
	}

	target := &domain.Target{PageID: page.ID, UserID: 5, ThreadID: th.ID, ThreadKey: th.ThreadKey}
	if err := store.UpsertTarget(ctx, target); err != nil {
		t.Fatalf("UpsertTarget failed: %v", err)
	}
	target.LastMessageID = domain.Int64Ptr(msgs[1].ID)
	if err := store.UpsertTarget(ctx, target); err != nil {
		t.Fatalf("UpsertTarget (update) failed: %v", err)
	}
	targets, err := store.ListTargets(ctx, TargetFilter{PageID: page.ID})
	if err != nil || len(targets) != 1 || targets[0].LastMessageID == nil {
		t.Fatalf("unexpected targets: %+v, %v", targets, err)
	}

	if err := store.DeleteDatasetContents(ctx, ds.ID); err != nil {
		t.Fatalf("DeleteDatasetContents failed: %v", err)
	}
	threads, messages, err := store.CountDatasetRows(ctx, ds.ID)
	if err != nil {
		t.Fatalf("CountDatasetRows failed: %v", err)
	}
	if threads != 0 || messages != 0 {
		t.Fatalf("expected empty dataset, got %d threads %d messages", threads, messages)
	}
}
