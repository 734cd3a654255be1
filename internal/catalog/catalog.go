package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnknownWorkflow = errors.New("unknown workflow template")
	ErrCycleDetected   = errors.New("workflow dependency graph contains a cycle")
)

// SubtaskDef is one node of a workflow template graph.
type SubtaskDef struct {
	ID         string   `json:"id"`
	Capability string   `json:"capability"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// Template is a reusable task-graph definition. Subtask order is the
// declared output order used by result aggregation.
type Template struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Keywords    []string     `json:"keywords,omitempty"`
	Subtasks    []SubtaskDef `json:"subtasks"`
}

// Catalog holds registered workflow templates. Acyclicity and reference
// integrity are enforced once here, at registration, never re-checked later.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*Template
	order     []string
	logger    *zap.Logger
}

// New creates an empty catalog.
func New(logger *zap.Logger) *Catalog {
	return &Catalog{
		templates: make(map[string]*Template),
		logger:    logger,
	}
}

// Register validates and stores a template.
func (c *Catalog) Register(t *Template) error {
	if t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if len(t.Subtasks) == 0 {
		return fmt.Errorf("template %s: at least one subtask is required", t.ID)
	}
	if err := Validate(t); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.templates[t.ID]; !exists {
		c.order = append(c.order, t.ID)
	}
	c.templates[t.ID] = t
	c.logger.Info("workflow template registered",
		zap.String("template", t.ID),
		zap.Int("subtasks", len(t.Subtasks)))
	return nil
}

// Get returns the template with the given id.
func (c *Catalog) Get(id string) (*Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", id, ErrUnknownWorkflow)
	}
	return t, nil
}

// List returns all templates in registration order.
func (c *Catalog) List() []*Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Template, 0, len(c.templates))
	for _, id := range c.order {
		out = append(out, c.templates[id])
	}
	return out
}

// Validate rejects templates whose dependency graph has a cycle or a
// dangling upstream reference. Uses Kahn's algorithm: if the peel order
// cannot cover every node, a cycle remains.
func Validate(t *Template) error {
	ids := make(map[string]bool, len(t.Subtasks))
	for _, st := range t.Subtasks {
		if st.ID == "" {
			return fmt.Errorf("template %s: subtask id is required", t.ID)
		}
		if st.Capability == "" {
			return fmt.Errorf("template %s: subtask %s: capability is required", t.ID, st.ID)
		}
		if ids[st.ID] {
			return fmt.Errorf("template %s: duplicate subtask id %q", t.ID, st.ID)
		}
		ids[st.ID] = true
	}

	indegree := make(map[string]int, len(t.Subtasks))
	dependents := make(map[string][]string)
	for _, st := range t.Subtasks {
		indegree[st.ID] += 0
		for _, dep := range st.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("template %s: subtask %s depends on unknown subtask %q", t.ID, st.ID, dep)
			}
			if dep == st.ID {
				return fmt.Errorf("template %s: subtask %s: %w", t.ID, st.ID, ErrCycleDetected)
			}
			indegree[st.ID]++
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if seen != len(t.Subtasks) {
		return fmt.Errorf("template %s: %w", t.ID, ErrCycleDetected)
	}
	return nil
}
