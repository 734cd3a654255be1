package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wrenlabs/bazaar/internal/catalog"
	"go.uber.org/zap"
)

// ErrOrchestrationNotFound is returned for unknown orchestration ids.
var ErrOrchestrationNotFound = errors.New("orchestration not found")

// Persister mirrors orchestration state to durable storage. Every state
// transition is written before the engine takes the next step, so a crash
// leaves the orchestration resumable rather than re-executed from intake.
type Persister interface {
	SaveOrchestration(ctx context.Context, o *Orchestration) error
}

// orchState pairs an orchestration with its mutual-exclusion lock.
// A single orchestration's graph is never mutated by two passes
// concurrently; different orchestrations proceed fully in parallel.
type orchState struct {
	mu        sync.Mutex
	orch      *Orchestration
	cancel    context.CancelFunc
	cancelled bool
}

// Engine owns orchestration lifecycles: intake → decomposition →
// scheduling → dispatch → aggregation → completion or failure.
type Engine struct {
	mu         sync.RWMutex
	orchs      map[string]*orchState
	order      []string
	catalog    *catalog.Catalog
	classifier catalog.Classifier
	scheduler  *Scheduler
	persister  Persister
	events     Publisher
	deadline   time.Duration
	logger     *zap.Logger
}

// NewEngine creates an engine. deadline bounds a whole orchestration run;
// 0 disables it.
func NewEngine(cat *catalog.Catalog, cls catalog.Classifier, sched *Scheduler, deadline time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		orchs:      make(map[string]*orchState),
		catalog:    cat,
		classifier: cls,
		scheduler:  sched,
		deadline:   deadline,
		logger:     logger,
	}
}

// SetPersister attaches durable storage for state transitions.
func (e *Engine) SetPersister(p Persister) { e.persister = p }

// SetEvents attaches a lifecycle event publisher.
func (e *Engine) SetEvents(p Publisher) {
	e.events = p
	e.scheduler.SetEvents(p)
}

// Restore loads persisted orchestrations at startup. Non-terminal ones
// can be resumed with Run.
func (e *Engine) Restore(orchs []*Orchestration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range orchs {
		if _, exists := e.orchs[o.ID]; exists {
			continue
		}
		e.orchs[o.ID] = &orchState{orch: o}
		e.order = append(e.order, o.ID)
	}
}

// Submit creates an orchestration in INTAKE and immediately moves it to
// PARSING.
func (e *Engine) Submit(ctx context.Context, request, workflowHint string) (*Orchestration, error) {
	if strings.TrimSpace(request) == "" {
		return nil, E(KindInvalidInput, "request text must not be empty")
	}

	now := time.Now()
	o := &Orchestration{
		ID:           uuid.New().String(),
		Request:      request,
		WorkflowHint: workflowHint,
		Status:       StatusIntake,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	st := &orchState{orch: o}

	e.mu.Lock()
	e.orchs[o.ID] = st
	e.order = append(e.order, o.ID)
	e.mu.Unlock()

	if err := e.persist(ctx, o.Clone()); err != nil {
		return nil, err
	}
	if err := e.setStatus(ctx, st, StatusParsing); err != nil {
		return nil, err
	}
	e.publish(ctx, o.ID, EventSubmitted, "", "")
	e.logger.Info("orchestration submitted", zap.String("orchestration", o.ID))

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.orch.Clone(), nil
}

// Decompose selects a workflow template and materializes the subtask
// graph as a structural copy of it.
func (e *Engine) Decompose(ctx context.Context, id string) error {
	st, err := e.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.orch.Status != StatusParsing {
		from := st.orch.Status
		st.mu.Unlock()
		return Transition(from, StatusDecomposed)
	}
	request := st.orch.Request
	hint := st.orch.WorkflowHint
	st.mu.Unlock()

	templateID := hint
	if templateID == "" {
		templateID, err = e.classifier.Classify(ctx, request)
		if err != nil {
			ferr := Wrap(KindNoMatchingWorkflow, err)
			e.fail(ctx, st, &Failure{Kind: KindNoMatchingWorkflow, Message: err.Error()})
			return ferr
		}
	}
	tmpl, err := e.catalog.Get(templateID)
	if err != nil {
		kind := KindUnknownWorkflow
		if hint == "" {
			kind = KindNoMatchingWorkflow
		}
		e.fail(ctx, st, &Failure{Kind: kind, Message: err.Error()})
		return Wrap(kind, err)
	}

	subtasks := make([]*Subtask, len(tmpl.Subtasks))
	for i, def := range tmpl.Subtasks {
		subtasks[i] = &Subtask{
			ID:         def.ID,
			Capability: def.Capability,
			DependsOn:  append([]string(nil), def.DependsOn...),
			Status:     SubtaskPending,
		}
	}

	st.mu.Lock()
	st.orch.WorkflowID = tmpl.ID
	st.orch.Subtasks = subtasks
	st.mu.Unlock()

	if err := e.setStatus(ctx, st, StatusDecomposed); err != nil {
		return err
	}
	e.publish(ctx, id, EventDecomposed, "", tmpl.ID)
	e.logger.Info("orchestration decomposed",
		zap.String("orchestration", id),
		zap.String("template", tmpl.ID),
		zap.Int("subtasks", len(subtasks)))
	return nil
}

// Advance hands the graph to the scheduler and drives it to a terminal
// state. Blocks until the orchestration completes, fails, or is
// cancelled.
func (e *Engine) Advance(ctx context.Context, id string) error {
	st, err := e.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	switch st.orch.Status {
	case StatusDecomposed:
	case StatusScheduling, StatusRunning:
		// Resuming after a crash: in-flight work was lost, re-release it.
		for _, sub := range st.orch.Subtasks {
			if sub.Status == SubtaskRunning || sub.Status == SubtaskReady {
				sub.Status = SubtaskPending
			}
		}
		st.orch.Status = StatusDecomposed
	default:
		from := st.orch.Status
		st.mu.Unlock()
		return Transition(from, StatusScheduling)
	}
	st.mu.Unlock()

	if err := e.setStatus(ctx, st, StatusScheduling); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if e.deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.deadline)
	}
	defer cancel()

	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()

	if err := e.setStatus(ctx, st, StatusRunning); err != nil {
		return err
	}

	persistFn := func() {
		st.mu.Lock()
		snap := st.orch.Clone()
		st.mu.Unlock()
		if err := e.persist(context.Background(), snap); err != nil {
			e.logger.Warn("persist failed", zap.String("orchestration", id), zap.Error(err))
		}
	}

	failure := e.scheduler.Run(runCtx, st.orch, &st.mu, persistFn)

	st.mu.Lock()
	cancelled := st.cancelled
	st.cancel = nil
	st.mu.Unlock()

	switch {
	case cancelled:
		if err := e.setStatus(ctx, st, StatusCancelled); err != nil {
			return err
		}
		e.publish(ctx, id, EventCancelled, "", "")
		e.logger.Info("orchestration cancelled", zap.String("orchestration", id))
		return nil

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		f := &Failure{Kind: KindOrchestrationTimeout, Message: "orchestration deadline exceeded"}
		e.fail(ctx, st, f)
		return E(KindOrchestrationTimeout, f.Message)

	case failure != nil:
		e.fail(ctx, st, failure)
		return nil

	default:
		if err := e.setStatus(ctx, st, StatusAggregating); err != nil {
			return err
		}
		st.mu.Lock()
		st.orch.Result = e.aggregate(st.orch)
		st.mu.Unlock()
		if err := e.setStatus(ctx, st, StatusCompleted); err != nil {
			return err
		}
		e.publish(ctx, id, EventCompleted, "", "")
		e.logger.Info("orchestration completed", zap.String("orchestration", id))
		return nil
	}
}

// Run is the submit-side driver: decompose then advance. It also resumes
// restored orchestrations from whichever persisted state they crashed in.
func (e *Engine) Run(ctx context.Context, id string) error {
	st, err := e.state(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	status := st.orch.Status
	st.mu.Unlock()

	if status == StatusParsing {
		if err := e.Decompose(ctx, id); err != nil {
			return err
		}
	}
	return e.Advance(ctx, id)
}

// Cancel stops an orchestration: no new dispatches are issued, in-flight
// subtasks are abandoned, and already-succeeded subtasks are kept.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	st, err := e.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.orch.Status.Terminal() {
		st.mu.Unlock()
		return Transition(st.orch.Status, StatusCancelled)
	}
	st.cancelled = true
	running := st.cancel != nil
	if running {
		st.cancel()
	}
	st.mu.Unlock()

	if !running {
		// Not in a scheduler run: transition directly.
		if err := e.setStatus(ctx, st, StatusCancelled); err != nil {
			return err
		}
		e.publish(ctx, id, EventCancelled, "", "")
	}
	return nil
}

// Get returns a snapshot of an orchestration. Never mutates state.
func (e *Engine) Get(id string) (*Orchestration, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.orch.Clone(), nil
}

// List returns orchestration snapshots in submission order, optionally
// filtered by status.
func (e *Engine) List(status Status) []*Orchestration {
	e.mu.RLock()
	ids := append([]string(nil), e.order...)
	e.mu.RUnlock()

	var out []*Orchestration
	for _, id := range ids {
		st, err := e.state(id)
		if err != nil {
			continue
		}
		st.mu.Lock()
		if status == "" || st.orch.Status == status {
			out = append(out, st.orch.Clone())
		}
		st.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// aggregate merges succeeded subtask results in template-declared order.
// Caller holds the orchestration lock.
func (e *Engine) aggregate(o *Orchestration) *Aggregate {
	agg := &Aggregate{Total: len(o.Subtasks)}
	for _, st := range o.Subtasks {
		switch st.Status {
		case SubtaskSucceeded:
			agg.Succeeded++
			agg.Entries = append(agg.Entries, ResultEntry{
				SubtaskID: st.ID,
				AgentID:   st.AgentID,
				Output:    st.Result,
			})
		case SubtaskFailed:
			agg.Failed++
		}
	}
	return agg
}

// fail moves an orchestration to FAILED recording the originating
// subtask and cause.
func (e *Engine) fail(ctx context.Context, st *orchState, f *Failure) {
	st.mu.Lock()
	st.orch.Failure = f
	st.mu.Unlock()
	if err := e.setStatus(ctx, st, StatusFailed); err != nil {
		e.logger.Warn("fail transition rejected", zap.Error(err))
		return
	}
	e.publish(ctx, st.orch.ID, EventFailed, f.SubtaskID, string(f.Kind))
	e.logger.Warn("orchestration failed",
		zap.String("orchestration", st.orch.ID),
		zap.String("subtask", f.SubtaskID),
		zap.String("kind", string(f.Kind)),
		zap.String("cause", f.Message))
}

// setStatus performs and persists one state transition.
func (e *Engine) setStatus(ctx context.Context, st *orchState, to Status) error {
	st.mu.Lock()
	if err := Transition(st.orch.Status, to); err != nil {
		st.mu.Unlock()
		return err
	}
	st.orch.Status = to
	st.orch.UpdatedAt = time.Now()
	snap := st.orch.Clone()
	st.mu.Unlock()
	return e.persist(ctx, snap)
}

func (e *Engine) state(id string) (*orchState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.orchs[id]
	if !ok {
		return nil, ErrOrchestrationNotFound
	}
	return st, nil
}

func (e *Engine) persist(ctx context.Context, o *Orchestration) error {
	if e.persister == nil {
		return nil
	}
	return e.persister.SaveOrchestration(ctx, o)
}

func (e *Engine) publish(ctx context.Context, orchID string, typ EventType, subtaskID, detail string) {
	if e.events == nil {
		return
	}
	ev := &Event{OrchestrationID: orchID, Type: typ, SubtaskID: subtaskID, Detail: detail}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed", zap.Error(err))
	}
}
