package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrNoCapabilities  = errors.New("agent must declare at least one capability")
	ErrInvalidEndpoint = errors.New("agent endpoint must be a valid http(s) URL")
)

// Agent is an external service that can perform subtasks of a given capability.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Endpoint     string    `json:"endpoint"`
	Capabilities []string  `json:"capabilities"`
	Reputation   float64   `json:"reputation"`
	Active       bool      `json:"active"`
	Seq          int64     `json:"seq"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasCapability reports whether the agent declares the given capability tag.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Scoring bounds reputation adjustments.
type Scoring struct {
	Default float64
	Step    float64
	Floor   float64
	Ceiling float64
}

// Persister mirrors registry mutations to durable storage.
type Persister interface {
	SaveAgent(ctx context.Context, a *Agent) error
}

// Registry holds known agents and answers capability-match queries.
// Reads are concurrent; mutations are serialized by the write lock.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	nextSeq   int64
	scoring   Scoring
	persister Persister
	logger    *zap.Logger
}

// New creates an empty registry with the given scoring bounds.
func New(scoring Scoring, logger *zap.Logger) *Registry {
	return &Registry{
		agents:  make(map[string]*Agent),
		scoring: scoring,
		logger:  logger,
	}
}

// SetPersister attaches durable storage for agent mutations.
func (r *Registry) SetPersister(p Persister) {
	r.persister = p
}

// Register validates and stores a new agent, assigning its identity,
// default reputation, and registration order.
func (r *Registry) Register(ctx context.Context, a *Agent) error {
	if len(a.Capabilities) == 0 {
		return ErrNoCapabilities
	}
	u, err := url.Parse(a.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidEndpoint
	}

	r.mu.Lock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Reputation = r.scoring.Default
	a.Active = true
	r.nextSeq++
	a.Seq = r.nextSeq
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	r.agents[a.ID] = a
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent", a.ID),
		zap.String("name", a.Name),
		zap.Strings("capabilities", a.Capabilities))
	return r.persist(ctx, a)
}

// Load restores previously persisted agents, preserving their sequence numbers.
func (r *Registry) Load(agents []*Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		r.agents[a.ID] = a
		if a.Seq > r.nextSeq {
			r.nextSeq = a.Seq
		}
	}
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

// FindByCapability returns all active agents declaring the capability tag,
// ordered by reputation descending with ties broken by registration order.
// The ordering is deterministic for a fixed registry state.
func (r *Registry) FindByCapability(tag string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, a := range r.agents {
		if a.Active && a.HasCapability(tag) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reputation != out[j].Reputation {
			return out[i].Reputation > out[j].Reputation
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// List returns all agents in registration order, optionally filtered by capability.
func (r *Registry) List(capability string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, a := range r.agents {
		if capability != "" && !a.HasCapability(capability) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Deactivate soft-disables an agent. Orchestrations already bound to it
// are unaffected.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	return r.setActive(ctx, id, false)
}

// Reactivate re-enables a previously deactivated agent.
func (r *Registry) Reactivate(ctx context.Context, id string) error {
	return r.setActive(ctx, id, true)
}

func (r *Registry) setActive(ctx context.Context, id string, active bool) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	a.Active = active
	a.UpdatedAt = time.Now()
	cp := *a
	r.mu.Unlock()

	r.logger.Info("agent active flag changed",
		zap.String("agent", id), zap.Bool("active", active))
	return r.persist(ctx, &cp)
}

// RecordOutcome adjusts an agent's reputation by the configured step,
// bounded to the floor and ceiling. Agents are never removed.
func (r *Registry) RecordOutcome(ctx context.Context, id string, success bool) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	if success {
		a.Reputation += r.scoring.Step
	} else {
		a.Reputation -= r.scoring.Step
	}
	if a.Reputation > r.scoring.Ceiling {
		a.Reputation = r.scoring.Ceiling
	}
	if a.Reputation < r.scoring.Floor {
		a.Reputation = r.scoring.Floor
	}
	a.UpdatedAt = time.Now()
	cp := *a
	r.mu.Unlock()

	r.logger.Debug("recorded agent outcome",
		zap.String("agent", id),
		zap.Bool("success", success),
		zap.Float64("reputation", cp.Reputation))
	return r.persist(ctx, &cp)
}

func (r *Registry) persist(ctx context.Context, a *Agent) error {
	if r.persister == nil {
		return nil
	}
	if err := r.persister.SaveAgent(ctx, a); err != nil {
		return fmt.Errorf("persist agent %s: %w", a.ID, err)
	}
	return nil
}
