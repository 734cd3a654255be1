package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wrenlabs/bazaar/internal/registry"
	"go.uber.org/zap"
)

// DispatchRequest is the payload sent to an agent for one subtask.
// Upstream carries the outputs of the subtask's completed dependencies.
type DispatchRequest struct {
	OrchestrationID string                     `json:"orchestration_id"`
	SubtaskID       string                     `json:"subtask_id"`
	Capability      string                     `json:"capability"`
	Request         string                     `json:"request"`
	Upstream        map[string]json.RawMessage `json:"upstream,omitempty"`
}

// Dispatcher invokes an agent's endpoint for a subtask. Implementations
// classify failures with the error taxonomy (AgentTimeout, AgentError,
// AgentUnreachable) and report every outcome to the registry.
type Dispatcher interface {
	Invoke(ctx context.Context, agent *registry.Agent, req DispatchRequest) (json.RawMessage, error)
}

// Scheduler walks one orchestration's subtask graph: it releases ready
// subtasks, resolves agents through the registry, dispatches concurrently
// within a bounded pool, retries with fallback agents, and propagates
// readiness on success.
type Scheduler struct {
	registry    *registry.Registry
	dispatcher  Dispatcher
	pool        chan struct{}
	maxAttempts int
	backoff     time.Duration
	events      Publisher
	logger      *zap.Logger
}

// NewScheduler creates a scheduler with a bounded dispatch pool shared by
// all orchestrations.
func NewScheduler(reg *registry.Registry, d Dispatcher, poolSize, maxAttempts int, backoff time.Duration, logger *zap.Logger) *Scheduler {
	if poolSize <= 0 {
		poolSize = 10
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Scheduler{
		registry:    reg,
		dispatcher:  d,
		pool:        make(chan struct{}, poolSize),
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger,
	}
}

// SetEvents attaches a lifecycle event publisher.
func (s *Scheduler) SetEvents(p Publisher) { s.events = p }

// Run drives the orchestration graph until no subtask can make further
// progress. The mutex serializes all graph mutation; persist is called
// after every mutation batch so a crash resumes from the stored state.
// Run returns a Failure when at least one subtask failed with its
// fallbacks exhausted, nil when every subtask succeeded or the context
// was cancelled mid-flight.
func (s *Scheduler) Run(ctx context.Context, orch *Orchestration, mu *sync.Mutex, persist func()) *Failure {
	done := make(chan string)
	launched := make(map[string]bool)
	inFlight := 0

	for {
		mu.Lock()
		s.markReady(orch)
		var next []*Subtask
		for _, st := range orch.Subtasks {
			if st.Status == SubtaskReady && !launched[st.ID] {
				launched[st.ID] = true
				next = append(next, st)
			}
		}
		mu.Unlock()
		if len(next) > 0 {
			persist()
		}

		// Cancellation stops issuing new dispatches; in-flight workers
		// drain on their own.
		if ctx.Err() == nil {
			for _, st := range next {
				inFlight++
				go s.execute(ctx, orch, st, mu, persist, done)
			}
		}

		if inFlight == 0 {
			break
		}
		<-done
		inFlight--
	}

	mu.Lock()
	defer mu.Unlock()
	for _, st := range orch.Subtasks {
		if st.Status == SubtaskFailed {
			return &Failure{SubtaskID: st.ID, Kind: st.ErrorKind, Message: st.ErrorMsg}
		}
	}
	return nil
}

// markReady promotes pending subtasks whose dependencies all succeeded.
// Caller holds the orchestration mutex.
func (s *Scheduler) markReady(orch *Orchestration) {
	for _, st := range orch.Subtasks {
		if st.Status != SubtaskPending {
			continue
		}
		ready := true
		for _, dep := range st.DependsOn {
			if d := orch.Subtask(dep); d == nil || d.Status != SubtaskSucceeded {
				ready = false
				break
			}
		}
		if ready {
			st.Status = SubtaskReady
		}
	}
}

// candidates returns matchable agents for a subtask, excluding agents
// already tried. Caller holds the orchestration mutex.
func (s *Scheduler) candidates(st *Subtask) []*registry.Agent {
	all := s.registry.FindByCapability(st.Capability)
	tried := make(map[string]bool, len(st.TriedAgents))
	for _, id := range st.TriedAgents {
		tried[id] = true
	}
	var out []*registry.Agent
	for _, a := range all {
		if !tried[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// execute drives one subtask through its attempt loop: resolve an agent,
// dispatch, and on failure fall back to the next candidate until the
// attempt budget is spent.
func (s *Scheduler) execute(ctx context.Context, orch *Orchestration, st *Subtask, mu *sync.Mutex, persist func(), done chan<- string) {
	defer func() { done <- st.ID }()

	s.pool <- struct{}{}
	defer func() { <-s.pool }()

	for {
		if ctx.Err() != nil {
			s.abandon(orch, st, mu, persist)
			return
		}

		mu.Lock()
		cands := s.candidates(st)
		if len(cands) == 0 {
			if st.Attempts == 0 {
				// Never matched: terminal immediately, no retry.
				st.ErrorKind = KindNoAgentAvailable
				st.ErrorMsg = "no active agent offers capability " + st.Capability
			}
			s.finish(st, SubtaskFailed)
			mu.Unlock()
			persist()
			s.publish(ctx, orch.ID, EventSubtaskFailed, st)
			s.logger.Warn("subtask failed",
				zap.String("orchestration", orch.ID),
				zap.String("subtask", st.ID),
				zap.String("kind", string(st.ErrorKind)))
			return
		}

		agent := cands[0]
		st.AgentID = agent.ID
		st.TriedAgents = append(st.TriedAgents, agent.ID)
		st.Attempts++
		st.Status = SubtaskRunning
		if st.StartedAt == nil {
			now := time.Now()
			st.StartedAt = &now
		}
		req := DispatchRequest{
			OrchestrationID: orch.ID,
			SubtaskID:       st.ID,
			Capability:      st.Capability,
			Request:         orch.Request,
			Upstream:        s.upstream(orch, st),
		}
		mu.Unlock()
		persist()
		s.publish(ctx, orch.ID, EventSubtaskDispatched, st)

		s.logger.Info("dispatching subtask",
			zap.String("orchestration", orch.ID),
			zap.String("subtask", st.ID),
			zap.String("agent", agent.ID),
			zap.Int("attempt", st.Attempts))

		out, err := s.dispatcher.Invoke(ctx, agent, req)
		if err == nil {
			mu.Lock()
			st.Result = out
			st.ErrorKind = ""
			st.ErrorMsg = ""
			s.finish(st, SubtaskSucceeded)
			mu.Unlock()
			persist()
			s.publish(ctx, orch.ID, EventSubtaskSucceeded, st)
			return
		}

		if ctx.Err() != nil {
			s.abandon(orch, st, mu, persist)
			return
		}

		mu.Lock()
		st.ErrorKind = KindOf(err)
		if st.ErrorKind == "" {
			st.ErrorKind = KindAgentError
		}
		st.ErrorMsg = err.Error()
		if st.Attempts >= s.maxAttempts {
			s.finish(st, SubtaskFailed)
			mu.Unlock()
			persist()
			s.publish(ctx, orch.ID, EventSubtaskFailed, st)
			s.logger.Warn("subtask exhausted attempts",
				zap.String("orchestration", orch.ID),
				zap.String("subtask", st.ID),
				zap.Int("attempts", st.Attempts))
			return
		}
		st.Status = SubtaskReady
		mu.Unlock()
		persist()

		select {
		case <-ctx.Done():
			s.abandon(orch, st, mu, persist)
			return
		case <-time.After(s.backoff):
		}
	}
}

// upstream collects the outputs of a subtask's succeeded dependencies.
// Caller holds the orchestration mutex.
func (s *Scheduler) upstream(orch *Orchestration, st *Subtask) map[string]json.RawMessage {
	if len(st.DependsOn) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(st.DependsOn))
	for _, dep := range st.DependsOn {
		if d := orch.Subtask(dep); d != nil && d.Status == SubtaskSucceeded {
			out[dep] = d.Result
		}
	}
	return out
}

func (s *Scheduler) finish(st *Subtask, status SubtaskStatus) {
	st.Status = status
	now := time.Now()
	st.CompletedAt = &now
}

// abandon marks an in-flight subtask discarded by cancellation; a late
// agent result, if it ever arrives, is dropped.
func (s *Scheduler) abandon(orch *Orchestration, st *Subtask, mu *sync.Mutex, persist func()) {
	mu.Lock()
	if !st.Status.Terminal() {
		s.finish(st, SubtaskAbandoned)
	}
	mu.Unlock()
	persist()
	s.logger.Info("subtask abandoned",
		zap.String("orchestration", orch.ID),
		zap.String("subtask", st.ID))
}

func (s *Scheduler) publish(ctx context.Context, orchID string, typ EventType, st *Subtask) {
	if s.events == nil {
		return
	}
	ev := &Event{
		OrchestrationID: orchID,
		Type:            typ,
		SubtaskID:       st.ID,
		AgentID:         st.AgentID,
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("event publish failed", zap.Error(err))
	}
}
