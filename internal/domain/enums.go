// Package domain defines the core domain models for survey-embedded AI chat experiments.
package domain

// Role is the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleOther     Role = "other"
)

// NormalizeRole maps free-form role text onto the known roles. Anything
// unrecognised becomes RoleOther.
func NormalizeRole(raw string) Role {
	switch Role(raw) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(raw)
	default:
		return RoleOther
	}
}

// PageType distinguishes plain survey pages from AI chat pages.
type PageType string

const (
	PageTypeSurvey PageType = "survey"
	PageTypeAIChat PageType = "aichat"
)

// Behavior controls how an aichat page assigns turns and builds history.
type Behavior string

const (
	BehaviorContinuous         Behavior = "continuous"
	BehaviorTurns              Behavior = "turns"
	BehaviorQA                 Behavior = "qa"
	BehaviorReviewConversation Behavior = "review_conversation"
)

// Sendable reports whether live model calls are allowed for the behavior.
func (b Behavior) Sendable() bool {
	switch b {
	case BehaviorContinuous, BehaviorTurns, BehaviorQA:
		return true
	default:
		return false
	}
}

// TurnVisibility controls on which turns a subpage is shown.
type TurnVisibility string

const (
	TurnVisibilityAll      TurnVisibility = "all_turns"
	TurnVisibilityFirst    TurnVisibility = "first_turn"
	TurnVisibilitySpecific TurnVisibility = "specific_turn"
)

// DatasetStatus is the state of an imported review dataset.
type DatasetStatus string

const (
	DatasetStatusReady  DatasetStatus = "ready"
	DatasetStatusFailed DatasetStatus = "failed"
)

// ScopeKind names what a scope addresses.
type ScopeKind string

const (
	ScopeKindPage         ScopeKind = "page"
	ScopeKindConversation ScopeKind = "conversation"
	ScopeKindPair         ScopeKind = "pair"
	ScopeKindTurn         ScopeKind = "turn"
	ScopeKindThread       ScopeKind = "thread"
)

// PlaceholderContent marks an empty thread stub. Placeholder messages never
// reach model history or exports.
const PlaceholderContent = "[New conversation - send a message to start]"
