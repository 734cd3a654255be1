package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is an orchestration lifecycle state.
type Status string

const (
	StatusIntake      Status = "INTAKE"
	StatusParsing     Status = "PARSING"
	StatusDecomposed  Status = "DECOMPOSED"
	StatusScheduling  Status = "SCHEDULING"
	StatusRunning     Status = "RUNNING"
	StatusAggregating Status = "AGGREGATING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransitions defines allowed state transitions. Any non-terminal
// state may fail or be cancelled.
var validTransitions = map[Status][]Status{
	StatusIntake:      {StatusParsing, StatusFailed, StatusCancelled},
	StatusParsing:     {StatusDecomposed, StatusFailed, StatusCancelled},
	StatusDecomposed:  {StatusScheduling, StatusFailed, StatusCancelled},
	StatusScheduling:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:     {StatusAggregating, StatusFailed, StatusCancelled},
	StatusAggregating: {StatusCompleted, StatusFailed, StatusCancelled},
}

// Transition returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// SubtaskStatus is a subtask lifecycle state. Subtasks move forward
// through pending → ready → running → succeeded/failed; a retried subtask
// re-enters ready until its attempts are exhausted. Abandoned marks
// in-flight work discarded by cancellation.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskReady     SubtaskStatus = "ready"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskSucceeded SubtaskStatus = "succeeded"
	SubtaskFailed    SubtaskStatus = "failed"
	SubtaskAbandoned SubtaskStatus = "abandoned"
)

// Terminal reports whether the subtask can make no further progress.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskSucceeded || s == SubtaskFailed || s == SubtaskAbandoned
}

// Subtask is one unit of work within an orchestration, a structural copy
// of its template definition. The graph shape never changes after
// decomposition.
type Subtask struct {
	ID          string          `json:"id"`
	Capability  string          `json:"capability"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Status      SubtaskStatus   `json:"status"`
	AgentID     string          `json:"agent_id,omitempty"`
	TriedAgents []string        `json:"tried_agents,omitempty"`
	Attempts    int             `json:"attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorKind   Kind            `json:"error_kind,omitempty"`
	ErrorMsg    string          `json:"error_message,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ResultEntry is one subtask's contribution to the aggregate result.
type ResultEntry struct {
	SubtaskID string          `json:"subtask_id"`
	AgentID   string          `json:"agent_id"`
	Output    json.RawMessage `json:"output"`
}

// Aggregate is the merged orchestration result. Entries preserve the
// template's declared subtask order.
type Aggregate struct {
	Entries   []ResultEntry `json:"entries"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// Entry returns the aggregate entry for a subtask id, if present.
func (a *Aggregate) Entry(subtaskID string) (ResultEntry, bool) {
	for _, e := range a.Entries {
		if e.SubtaskID == subtaskID {
			return e, true
		}
	}
	return ResultEntry{}, false
}

// Failure records why an orchestration reached FAILED.
type Failure struct {
	SubtaskID string `json:"subtask_id,omitempty"`
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
}

// Orchestration is one end-to-end request and its tracked execution
// lifecycle. Owned exclusively by the engine; mutated only through
// state-transition operations; immutable once terminal.
type Orchestration struct {
	ID           string     `json:"id"`
	Request      string     `json:"request"`
	WorkflowHint string     `json:"workflow_hint,omitempty"`
	WorkflowID   string     `json:"workflow_id,omitempty"`
	Status       Status     `json:"status"`
	Subtasks     []*Subtask `json:"subtasks,omitempty"`
	Result       *Aggregate `json:"result,omitempty"`
	Failure      *Failure   `json:"failure,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Subtask returns the subtask with the given id, or nil.
func (o *Orchestration) Subtask(id string) *Subtask {
	for _, st := range o.Subtasks {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand out while the original keeps
// mutating under the engine's lock.
func (o *Orchestration) Clone() *Orchestration {
	cp := *o
	if o.Subtasks != nil {
		cp.Subtasks = make([]*Subtask, len(o.Subtasks))
		for i, st := range o.Subtasks {
			s := *st
			s.DependsOn = append([]string(nil), st.DependsOn...)
			s.TriedAgents = append([]string(nil), st.TriedAgents...)
			s.Result = append(json.RawMessage(nil), st.Result...)
			cp.Subtasks[i] = &s
		}
	}
	if o.Result != nil {
		res := *o.Result
		res.Entries = append([]ResultEntry(nil), o.Result.Entries...)
		cp.Result = &res
	}
	if o.Failure != nil {
		f := *o.Failure
		cp.Failure = &f
	}
	return &cp
}
