package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the conversation policy.
const (
	DecisionAllow           = "allow"
	DecisionTurnClosed      = "turn_closed"
	DecisionMaxTurnsReached = "max_turns_reached"
)

// Action names evaluated by the policy.
const (
	ActionSend   = "send"
	ActionBranch = "branch"
	ActionRoot   = "root"
)

// Input is the document the conversation policy is evaluated against.
type Input struct {
	Action            string `json:"action"`
	Behavior          string `json:"behavior"`
	TurnID            int64  `json:"turn_id,omitempty"`
	TurnClosed        bool   `json:"turn_closed"`
	MaxTurns          int    `json:"max_turns"`
	ConversationTurns int    `json:"conversation_turns"`
}

func (in Input) toMap() map[string]interface{} {
	return map[string]interface{}{
		"action":             in.Action,
		"behavior":           in.Behavior,
		"turn_id":            in.TurnID,
		"turn_closed":        in.TurnClosed,
		"max_turns":          in.MaxTurns,
		"conversation_turns": in.ConversationTurns,
	}
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.conversation_policy.decision"),
		rego.Module("conversation_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewDefaultEngine prepares DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// Evaluate checks the conversation policy and returns the decision string.
// A policy that yields nothing allows the action.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input.toMap()))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	val := results[0].Expressions[0].Value
	if s, ok := val.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("policy returned %T, want string", val)
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package conversation_policy

default decision = "allow"

# A turn holding both sides of an exchange accepts no more messages.
decision = "turn_closed" {
	input.action == "send"
	input.turn_closed
}

# Branching counts turns rooted at the same conversation, not globally.
decision = "max_turns_reached" {
	input.action == "branch"
	input.max_turns > 0
	input.conversation_turns >= input.max_turns
}
`
