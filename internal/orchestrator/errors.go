package orchestrator

import "errors"

// Kind names one entry of the orchestration error taxonomy. Kinds are
// recorded on failed subtasks and orchestrations and surfaced to callers.
type Kind string

const (
	KindInvalidInput         Kind = "InvalidInput"
	KindNoMatchingWorkflow   Kind = "NoMatchingWorkflow"
	KindUnknownWorkflow      Kind = "UnknownWorkflow"
	KindNoAgentAvailable     Kind = "NoAgentAvailable"
	KindAgentTimeout         Kind = "AgentTimeout"
	KindAgentError           Kind = "AgentError"
	KindAgentUnreachable     Kind = "AgentUnreachable"
	KindOrchestrationTimeout Kind = "OrchestrationTimeout"
	KindCycleDetected        Kind = "CycleDetected"
)

// Error is a taxonomy-tagged error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a tagged error from a message.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an underlying error with a kind.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain, or "" if untagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
