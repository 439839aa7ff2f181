package domain

import "time"

// Experiment owns an ordered set of pages.
type Experiment struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Page is one experiment step.
type Page struct {
	ID           int64    `json:"id"`
	ExperimentID int64    `json:"experiment_id"`
	Name         string   `json:"name"`
	Type         PageType `json:"type"`
	Behavior     Behavior `json:"behavior,omitempty"`
	MaxTurns     *int     `json:"max_turns,omitempty"`
	MinTurns     int      `json:"min_turns,omitempty"`
	SortOrder    int      `json:"sort_order"`
}

// IsAIChat reports whether the page hosts a model conversation.
func (p Page) IsAIChat() bool {
	return p.Type == PageTypeAIChat
}

// Model is a language model configuration a page may route to.
type Model struct {
	ID            int64    `json:"id" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	ProviderModel string   `json:"provider_model" yaml:"provider_model"`
	SystemPrompt  string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Temperature   *float64 `json:"temperature,omitempty" yaml:"temperature"`
}

// ModelOption is what a participant sees of a model attached to a page.
type ModelOption struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Question is the minimal view of a survey question; its form definition
// lives elsewhere.
type Question struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// PageQuestion links a question to a page with optional visibility rules.
// A nil constraint means unconstrained.
type PageQuestion struct {
	ID            int64  `json:"id"`
	PageID        int64  `json:"page_id"`
	QuestionID    int64  `json:"question_id"`
	Enabled       bool   `json:"enabled"`
	Required      bool   `json:"required"`
	SortOrder     int    `json:"sort_order"`
	ShowOnlyTurn  *int64 `json:"show_only_turn,omitempty"`
	HideOnTurn    *int64 `json:"hide_on_turn,omitempty"`
	ShowOnlyModel *int64 `json:"show_only_model,omitempty"`
	HideOnModel   *int64 `json:"hide_on_model,omitempty"`
}

// Subpage groups turn-scoped questions shown under a turns-mode page.
type Subpage struct {
	ID             int64          `json:"id"`
	PageID         int64          `json:"page_id"`
	Title          string         `json:"title"`
	TurnVisibility TurnVisibility `json:"turn_visibility"`
	TurnNumber     *int64         `json:"turn_number,omitempty"`
	SortOrder      int            `json:"sort_order"`
}

// SubpageQuestion links a question to a subpage.
type SubpageQuestion struct {
	ID         int64 `json:"id"`
	SubpageID  int64 `json:"subpage_id"`
	QuestionID int64 `json:"question_id"`
	Enabled    bool  `json:"enabled"`
	Required   bool  `json:"required"`
	SortOrder  int   `json:"sort_order"`
}

// Response is one answer instance keyed by (page, question, user, turn).
// TurnID is nil for ordinary questions.
type Response struct {
	ID         int64     `json:"id"`
	PageID     int64     `json:"page_id"`
	QuestionID int64     `json:"question_id"`
	UserID     int64     `json:"user_id"`
	TurnID     *int64    `json:"turn_id,omitempty"`
	Value      string    `json:"value"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Answered reports whether the response carries a non-empty value.
func (r Response) Answered() bool {
	for _, c := range r.Value {
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			return true
		}
	}
	return false
}
