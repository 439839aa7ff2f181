// Package store defines the storage interface and implementations.
package store

import (
	"context"

	"github.com/xiaot623/surveychat/internal/domain"
)

// MessageOrder selects the ordering of FindMessages results.
type MessageOrder int

const (
	// OrderChronological sorts by created_at then id.
	OrderChronological MessageOrder = iota
	// OrderByTurn sorts by turn_id, created_at then id.
	OrderByTurn
)

// MessageFilter holds equality filters over the conversation log. Zero
// values are ignored.
type MessageFilter struct {
	PageID              int64
	UserID              int64
	ModelID             *int64
	TurnIDs             []int64
	ExcludePlaceholders bool
	Order               MessageOrder
}

// ResponseFilter selects responses of one user on one page. When AnyTurn is
// false, TurnID nil matches only ordinary (non turn-scoped) responses.
type ResponseFilter struct {
	PageID     int64
	UserID     int64
	QuestionID int64
	TurnID     *int64
	AnyTurn    bool
}

// TargetFilter selects reviewer targets of a page.
type TargetFilter struct {
	PageID int64
	UserID *int64
}

// Store defines the interface for data persistence. Implementations only
// filter, insert, update and delete; tree and scope logic runs in memory.
type Store interface {
	// Experiment and page catalog
	CreateExperiment(ctx context.Context, exp *domain.Experiment) error
	GetExperiment(ctx context.Context, id int64) (*domain.Experiment, error)
	CreatePage(ctx context.Context, page *domain.Page) error
	GetPage(ctx context.Context, id int64) (*domain.Page, error)
	ListPages(ctx context.Context, experimentID int64) ([]domain.Page, error)

	// Models
	UpsertModel(ctx context.Context, model *domain.Model) error
	GetModel(ctx context.Context, id int64) (*domain.Model, error)
	AttachModel(ctx context.Context, pageID, modelID int64) error
	PageHasModel(ctx context.Context, pageID, modelID int64) (bool, error)
	ListPageModels(ctx context.Context, pageID int64) ([]domain.Model, error)

	// Questions
	CreateQuestion(ctx context.Context, q *domain.Question) error
	ListQuestions(ctx context.Context, ids []int64) ([]domain.Question, error)
	CreatePageQuestion(ctx context.Context, pq *domain.PageQuestion) error
	ListPageQuestions(ctx context.Context, pageID int64) ([]domain.PageQuestion, error)
	CreateSubpage(ctx context.Context, sp *domain.Subpage) error
	ListSubpages(ctx context.Context, pageID int64) ([]domain.Subpage, error)
	CreateSubpageQuestion(ctx context.Context, sq *domain.SubpageQuestion) error
	ListSubpageQuestions(ctx context.Context, pageID int64) ([]domain.SubpageQuestion, error)

	// Message log
	AppendMessage(ctx context.Context, msg *domain.Message) (int64, error)
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)
	FindMessages(ctx context.Context, filter MessageFilter) ([]domain.Message, error)
	CountMessages(ctx context.Context, filter MessageFilter) (int, error)
	UpdateMessageTurn(ctx context.Context, id, turnID int64) error
	DeleteMessage(ctx context.Context, id int64) error
	MaxMessageTurn(ctx context.Context, pageID, userID int64, modelID *int64) (int64, error)

	// Branches
	CreateBranch(ctx context.Context, branch *domain.Branch) error
	ListBranches(ctx context.Context, pageID, userID int64) ([]domain.Branch, error)
	MaxBranchTurn(ctx context.Context, pageID, userID int64) (int64, error)

	// Responses
	UpsertResponse(ctx context.Context, resp *domain.Response) error
	FindResponses(ctx context.Context, filter ResponseFilter) ([]domain.Response, error)
	// RekeyResponses moves one user's responses from turn key from to turn
	// key to. Answers already stored under to win.
	RekeyResponses(ctx context.Context, pageID, userID, from, to int64) error

	// Review datasets
	GetDataset(ctx context.Context, pageID int64) (*domain.Dataset, error)
	CreateDataset(ctx context.Context, ds *domain.Dataset) error
	UpdateDataset(ctx context.Context, ds *domain.Dataset) error
	DeleteDatasetContents(ctx context.Context, datasetID int64) error
	CreateThread(ctx context.Context, th *domain.Thread) error
	GetThread(ctx context.Context, id int64) (*domain.Thread, error)
	ListThreads(ctx context.Context, datasetID int64) ([]domain.Thread, error)
	CreateReviewMessage(ctx context.Context, msg *domain.ReviewMessage) error
	LinkThreadMessage(ctx context.Context, link domain.ThreadMessage) error
	ListThreadMessages(ctx context.Context, threadID int64) ([]domain.ReviewMessage, error)
	CountDatasetRows(ctx context.Context, datasetID int64) (threads, messages int, err error)

	// Review targets
	ListTargets(ctx context.Context, filter TargetFilter) ([]domain.Target, error)
	UpsertTarget(ctx context.Context, target *domain.Target) error
	RemapTarget(ctx context.Context, targetID, threadID int64, lastMessageID *int64) error
	DeleteTarget(ctx context.Context, targetID int64) error

	// WithTx runs fn inside one transaction. The Store passed to fn must be
	// used for every operation that belongs to the transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
