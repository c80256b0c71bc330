package runner

import (
	"errors"
	"fmt"

	"github.com/oakhurst/concierge/internal/approval"
	"github.com/oakhurst/concierge/internal/guardrails"
)

// ErrEmptyOutput reports a model call that succeeded but produced no
// extractable final text. Kept distinct from guardrail and approval
// failures.
var ErrEmptyOutput = errors.New("model produced no output")

// ErrNoUsableTools reports a routing decision whose tool list was
// entirely unresolvable.
var ErrNoUsableTools = errors.New("no usable tools after routing")

// TurnError is a turn-level failure with a stable message for the
// terminal error event and a kind for callers that branch on failure
// class.
type TurnError struct {
	Kind    string
	Message string
	Err     error
}

func (e *TurnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *TurnError) Unwrap() error { return e.Err }

// Failure kinds.
const (
	KindGuardrailRejection = "guardrail_rejection"
	KindApprovalDenied     = "approval_denied"
	KindApprovalExpired    = "approval_expired"
	KindUnresolvedTool     = "routing_unresolved_tool"
	KindEmptyOutput        = "empty_output"
	KindModelFailure       = "model_failure"
)

// classify wraps an error from turn execution into a TurnError.
func classifyFailure(err error) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}

	var rej *guardrails.Rejection
	if errors.As(err, &rej) {
		return &TurnError{Kind: KindGuardrailRejection, Message: "input or output rejected by " + rej.Validator, Err: err}
	}

	var denied *approval.ErrDenied
	if errors.As(err, &denied) {
		return &TurnError{Kind: KindApprovalDenied, Message: "approval denied for " + denied.Tool, Err: err}
	}

	var expired *approval.ErrExpired
	if errors.As(err, &expired) {
		return &TurnError{Kind: KindApprovalExpired, Message: "approval expired for " + expired.Tool, Err: err}
	}

	if errors.Is(err, ErrEmptyOutput) {
		return &TurnError{Kind: KindEmptyOutput, Message: "no answer produced", Err: err}
	}
	if errors.Is(err, ErrNoUsableTools) {
		return &TurnError{Kind: KindUnresolvedTool, Message: "no usable tools for this request", Err: err}
	}

	return &TurnError{Kind: KindModelFailure, Message: "turn execution failed", Err: err}
}
