package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/wrenlabs/bazaar/internal/orchestrator"
	"github.com/wrenlabs/bazaar/internal/registry"
	"go.uber.org/zap"
)

// newTestStore starts a PostgreSQL testcontainer and applies migrations,
// skipping when Docker is not available.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("bazaar_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}

	s, err := New(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(s.Close)

	_, thisFile, _, _ := runtime.Caller(0)
	migrations := filepath.Join(filepath.Dir(thisFile), "..", "..", "migrations")
	if err := s.Migrate(ctx, migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestAgentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	a := &registry.Agent{
		ID:           "agent-1",
		Name:         "extractor",
		Description:  "pulls source material",
		Endpoint:     "http://agents.local/extract",
		Capabilities: []string{"extract", "search"},
		Reputation:   100,
		Active:       true,
		Seq:          1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.SaveAgent(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != a.Name || got.Endpoint != a.Endpoint || got.Reputation != 100 {
		t.Errorf("got %+v", got)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != "extract" {
		t.Errorf("capabilities = %v", got.Capabilities)
	}

	// Upsert: reputation and active flag move, identity stays.
	a.Reputation = 85
	a.Active = false
	if err := s.SaveAgent(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetAgent(ctx, "agent-1")
	if got.Reputation != 85 || got.Active {
		t.Errorf("after update: reputation=%v active=%v", got.Reputation, got.Active)
	}

	list, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("list = %d agents, want 1", len(list))
	}
}

func TestOrchestrationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	started := now.Add(time.Second)
	o := &orchestrator.Orchestration{
		ID:           "orch-1",
		Request:      "write a blog article",
		WorkflowHint: "content",
		WorkflowID:   "content",
		Status:       orchestrator.StatusRunning,
		Subtasks: []*orchestrator.Subtask{
			{
				ID: "extract", Capability: "extract",
				Status:  orchestrator.SubtaskSucceeded,
				AgentID: "agent-1", TriedAgents: []string{"agent-1"}, Attempts: 1,
				Result: json.RawMessage(`{"text":"sources"}`), StartedAt: &started,
			},
			{
				ID: "copywrite", Capability: "copywrite", DependsOn: []string{"extract"},
				Status:    orchestrator.SubtaskFailed,
				AgentID:   "agent-2", TriedAgents: []string{"agent-2", "agent-3"}, Attempts: 2,
				ErrorKind: orchestrator.KindAgentTimeout, ErrorMsg: "agent-3 timed out",
			},
			{
				ID: "seo", Capability: "seo", DependsOn: []string{"extract"},
				Status: orchestrator.SubtaskPending,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveOrchestration(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetOrchestration(ctx, "orch-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Request != o.Request || got.WorkflowHint != "content" || got.WorkflowID != "content" {
		t.Errorf("identity fields = %+v", got)
	}
	if got.Status != orchestrator.StatusRunning {
		t.Errorf("status = %s", got.Status)
	}
	if len(got.Subtasks) != 3 {
		t.Fatalf("subtasks = %d, want 3", len(got.Subtasks))
	}

	// Subtask order follows the template-declared order, not insertion luck.
	for i, want := range []string{"extract", "copywrite", "seo"} {
		if got.Subtasks[i].ID != want {
			t.Errorf("subtask %d = %s, want %s", i, got.Subtasks[i].ID, want)
		}
	}

	cw := got.Subtask("copywrite")
	if cw.ErrorKind != orchestrator.KindAgentTimeout || len(cw.TriedAgents) != 2 {
		t.Errorf("copywrite = %+v", cw)
	}
	ex := got.Subtask("extract")
	if string(ex.Result) != `{"text":"sources"}` {
		t.Errorf("extract result = %s", ex.Result)
	}
	if len(ex.DependsOn) != 0 || len(cw.DependsOn) != 1 {
		t.Errorf("depends_on round trip: extract=%v copywrite=%v", ex.DependsOn, cw.DependsOn)
	}
}

func TestOrchestrationTerminalStateUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	o := &orchestrator.Orchestration{
		ID:        "orch-2",
		Request:   "summarize sources",
		Status:    orchestrator.StatusRunning,
		Subtasks:  []*orchestrator.Subtask{{ID: "only", Capability: "summarize", Status: orchestrator.SubtaskRunning}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveOrchestration(ctx, o); err != nil {
		t.Fatalf("save running: %v", err)
	}

	o.Status = orchestrator.StatusCompleted
	o.Subtasks[0].Status = orchestrator.SubtaskSucceeded
	o.Subtasks[0].Result = json.RawMessage(`{"summary":"done"}`)
	o.Result = &orchestrator.Aggregate{
		Entries:   []orchestrator.ResultEntry{{SubtaskID: "only", AgentID: "a1", Output: o.Subtasks[0].Result}},
		Total:     1,
		Succeeded: 1,
	}
	if err := s.SaveOrchestration(ctx, o); err != nil {
		t.Fatalf("save completed: %v", err)
	}

	got, err := s.GetOrchestration(ctx, "orch-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != orchestrator.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if got.Result == nil || got.Result.Succeeded != 1 {
		t.Fatalf("result = %+v", got.Result)
	}
	if e, ok := got.Result.Entry("only"); !ok || e.AgentID != "a1" {
		t.Errorf("entry = %+v, %v", e, ok)
	}
}

func TestListOrchestrationsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, id := range []string{"first", "second", "third"} {
		o := &orchestrator.Orchestration{
			ID:        id,
			Request:   id,
			Status:    orchestrator.StatusFailed,
			Failure:   &orchestrator.Failure{Kind: orchestrator.KindNoAgentAvailable, Message: "none"},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveOrchestration(ctx, o); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	list, err := s.ListOrchestrations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("list = %d, want 3", len(list))
	}
	for i, want := range []string{"first", "second", "third"} {
		if list[i].ID != want {
			t.Errorf("list[%d] = %s, want %s", i, list[i].ID, want)
		}
	}
	if list[0].Failure == nil || list[0].Failure.Kind != orchestrator.KindNoAgentAvailable {
		t.Errorf("failure round trip = %+v", list[0].Failure)
	}
}
