package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure. Validation and policy failures share a
// shape but differ in meaning.
type ErrorKind string

const (
	ErrorValidation ErrorKind = "validation"
	ErrorNotFound   ErrorKind = "not_found"
	ErrorPolicy     ErrorKind = "policy"
	ErrorIntegrity  ErrorKind = "integrity"
	ErrorUpstream   ErrorKind = "upstream"
	ErrorInternal   ErrorKind = "internal"
)

// Reason codes.
const (
	CodePageNotFound         = "page_not_found"
	CodeModelNotFound        = "model_not_found"
	CodeModelNotOnPage       = "model_not_on_page"
	CodeBehaviorNotSendable  = "behavior_not_sendable"
	CodeEmptyMessage         = "empty_message"
	CodeMissingTurnID        = "missing_turn_id"
	CodeInvalidTurnID        = "invalid_turn_id"
	CodeUnknownTurn          = "unknown_turn"
	CodeInvalidParent        = "invalid_parent"
	CodeTurnClosed           = "turn_closed"
	CodeTurnInProgress       = "turn_in_progress"
	CodeMaxTurnsReached      = "max_turns_reached"
	CodeParentTurnMissing    = "parent_turn_missing"
	CodeUnknownQuestion      = "unknown_question"
	CodeInvalidTurnTarget    = "invalid_turn_target"
	CodeThreadNotFound       = "thread_not_found"
	CodeNoDataset            = "no_dataset"
	CodeAncestryLimit        = "ancestry_limit_exceeded"
	CodeMissingHeaders       = "missing_headers"
	CodeEmptyMessageID       = "empty_message_id"
	CodeDuplicateMessageID   = "duplicate_message_id"
	CodeCyclicParentGraph    = "cyclic_parent_graph"
	CodeMalformedTranscript  = "malformed_transcript"
	CodeModelError           = "model_error"
	CodeExperimentNotFound   = "experiment_not_found"
	CodeUnsupportedOperation = "unsupported_operation"
)

// Error is the structured failure returned by every action. Code is a
// machine-checkable reason.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Message, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind ErrorKind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// Validation reports malformed or missing input.
func Validation(code, msg string) *Error { return newError(ErrorValidation, code, msg, nil) }

// NotFound reports an unknown page, model, thread or experiment.
func NotFound(code, msg string) *Error { return newError(ErrorNotFound, code, msg, nil) }

// Policy reports a normal rejection such as a closed turn or a reached limit.
func Policy(code, msg string) *Error { return newError(ErrorPolicy, code, msg, nil) }

// Integrity reports corrupted or contradictory data.
func Integrity(code, msg string) *Error { return newError(ErrorIntegrity, code, msg, nil) }

// Upstream wraps a collaborator failure, passing its message through.
func Upstream(code string, err error) *Error {
	return newError(ErrorUpstream, code, err.Error(), err)
}

// Internal wraps an unexpected failure.
func Internal(msg string, err error) *Error {
	return newError(ErrorInternal, "internal_error", msg, err)
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// HasCode reports whether err is a domain error with the given code.
func HasCode(err error, code string) bool {
	de, ok := AsError(err)
	return ok && de.Code == code
}
