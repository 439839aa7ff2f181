package domain

// SendMessageRequest asks the page's model to answer a participant message.
// In turns behavior exactly one of TurnID or NewTurn must be set.
type SendMessageRequest struct {
	PageID   int64  `json:"-"`
	UserID   int64  `json:"-"`
	ModelID  int64  `json:"model_id"`
	Content  string `json:"content"`
	TurnID   *int64 `json:"turn_id,omitempty"`
	NewTurn  bool   `json:"new_turn,omitempty"`
	ParentID *int64 `json:"parent_id,omitempty"`
}

// SendMessageResponse carries both persisted sides of the exchange.
type SendMessageResponse struct {
	Success          bool    `json:"success"`
	TurnID           *int64  `json:"turn_id,omitempty"`
	UserMessage      Message `json:"user_message"`
	AssistantMessage Message `json:"assistant_message"`
}

// CreateBranchRequest asks for a new turn seeded from ParentTurnID.
type CreateBranchRequest struct {
	PageID       int64  `json:"-"`
	UserID       int64  `json:"-"`
	ModelID      *int64 `json:"model_id,omitempty"`
	ParentTurnID int64  `json:"parent_turn_id"`
	Label        string `json:"label,omitempty"`
}

// CreateBranchResponse returns the registered branch and its stub message.
type CreateBranchResponse struct {
	Success     bool    `json:"success"`
	TurnID      int64   `json:"turn_id"`
	Branch      Branch  `json:"branch"`
	Placeholder Message `json:"placeholder"`
}

// CreateRootRequest asks for a fresh conversation root.
type CreateRootRequest struct {
	PageID  int64  `json:"-"`
	UserID  int64  `json:"-"`
	ModelID *int64 `json:"model_id,omitempty"`
}

// CreateRootResponse returns the stub message of the new root.
type CreateRootResponse struct {
	Success     bool    `json:"success"`
	TurnID      *int64  `json:"turn_id,omitempty"`
	Placeholder Message `json:"placeholder"`
}

// SaveResponseRequest stores an answer for a question, optionally scoped to a turn.
type SaveResponseRequest struct {
	PageID     int64  `json:"-"`
	UserID     int64  `json:"-"`
	QuestionID int64  `json:"question_id"`
	TurnID     *int64 `json:"turn_id,omitempty"`
	Value      string `json:"value"`
}

// TurnQuestion is the view-model of a question applicable to one scope.
type TurnQuestion struct {
	QuestionID int64  `json:"question_id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Required   bool   `json:"required"`
	SortOrder  int    `json:"sort_order"`
	SubpageID  *int64 `json:"subpage_id,omitempty"`
	Value      string `json:"value,omitempty"`
	Answered   bool   `json:"answered"`
}

// HistoryQuery selects which conversation history to return.
type HistoryQuery struct {
	PageID    int64
	UserID    int64
	ModelID   *int64
	TurnID    *int64
	MessageID *int64
}

// ExportRow is one exported message. Column order is part of the contract:
// turn id, model id, role, content, timestamp, message id, parent id.
type ExportRow struct {
	TurnID    *int64 `json:"turn_id"`
	ModelID   *int64 `json:"model_id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	MessageID int64  `json:"message_id"`
	ParentID  *int64 `json:"parent_id"`
}

// ExportHeader is the header row of the CSV export.
var ExportHeader = []string{"turn_id", "model_id", "role", "content", "timestamp", "message_id", "parent_id"}

// ImportTranscriptRequest carries an uploaded transcript.
type ImportTranscriptRequest struct {
	PageID   int64
	Filename string
	Data     []byte
}

// ImportResult summarises a transcript import.
type ImportResult struct {
	Reimported      bool   `json:"reimported"`
	DatasetID       int64  `json:"dataset_id"`
	ImportID        string `json:"import_id"`
	Threads         int    `json:"threads"`
	Messages        int    `json:"messages"`
	TargetsRemapped int    `json:"targets_remapped"`
	TargetsDeleted  int    `json:"targets_deleted"`
}

// UpsertTargetRequest records a reviewer's progress on a thread.
type UpsertTargetRequest struct {
	PageID        int64  `json:"-"`
	UserID        int64  `json:"-"`
	ThreadID      int64  `json:"-"`
	LastMessageID *int64 `json:"last_message_id,omitempty"`
}

// ReviewThreadView is a thread with its messages and the caller's target.
type ReviewThreadView struct {
	Thread   Thread          `json:"thread"`
	Messages []ReviewMessage `json:"messages"`
	Target   *Target         `json:"target,omitempty"`
}
