package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/wrenlabs/bazaar/internal/orchestrator"
	"github.com/wrenlabs/bazaar/internal/registry"
	"go.uber.org/zap"
)

type outcomeRecorder struct {
	mu      sync.Mutex
	results []bool
}

func (o *outcomeRecorder) RecordOutcome(_ context.Context, _ string, success bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, success)
	return nil
}

func (o *outcomeRecorder) recorded() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.results...)
}

func testAgent(endpoint string) *registry.Agent {
	return &registry.Agent{ID: "agent-1", Name: "test", Endpoint: endpoint, Capabilities: []string{"extract"}}
}

func testReq() orchestrator.DispatchRequest {
	return orchestrator.DispatchRequest{
		OrchestrationID: "orch-1",
		SubtaskID:       "extract",
		Capability:      "extract",
		Request:         "write about Go",
	}
}

func TestInvokeSuccess(t *testing.T) {
	var gotCapability string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCapability = r.Header.Get("X-Bazaar-Capability")
		var req orchestrator.DispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"summary":"done"}`))
	}))
	defer srv.Close()

	rec := &outcomeRecorder{}
	d := New(time.Second, rec, zap.NewNop())

	out, err := d.Invoke(context.Background(), testAgent(srv.URL), testReq())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(out) != `{"summary":"done"}` {
		t.Errorf("output = %s", out)
	}
	if gotCapability != "extract" {
		t.Errorf("capability header = %q, want extract", gotCapability)
	}
	if got := rec.recorded(); len(got) != 1 || !got[0] {
		t.Errorf("outcomes = %v, want one success", got)
	}
}

func TestInvokeQuotesPlainTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text answer"))
	}))
	defer srv.Close()

	d := New(time.Second, nil, zap.NewNop())
	out, err := d.Invoke(context.Background(), testAgent(srv.URL), testReq())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var s string
	if err := json.Unmarshal(out, &s); err != nil || s != "plain text answer" {
		t.Errorf("output = %s, want quoted plain text", out)
	}
}

func TestInvokeNon2xxIsAgentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &outcomeRecorder{}
	d := New(time.Second, rec, zap.NewNop())

	_, err := d.Invoke(context.Background(), testAgent(srv.URL), testReq())
	if orchestrator.KindOf(err) != orchestrator.KindAgentError {
		t.Fatalf("kind = %v, want AgentError (err: %v)", orchestrator.KindOf(err), err)
	}
	if got := rec.recorded(); len(got) != 1 || got[0] {
		t.Errorf("outcomes = %v, want one failure", got)
	}
}

func TestInvokeTimeoutIsAgentTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	rec := &outcomeRecorder{}
	d := New(20*time.Millisecond, rec, zap.NewNop())

	_, err := d.Invoke(context.Background(), testAgent(srv.URL), testReq())
	if orchestrator.KindOf(err) != orchestrator.KindAgentTimeout {
		t.Fatalf("kind = %v, want AgentTimeout (err: %v)", orchestrator.KindOf(err), err)
	}
	if got := rec.recorded(); len(got) != 1 || got[0] {
		t.Errorf("outcomes = %v, want one failure", got)
	}
}

func TestInvokeConnectionRefusedIsAgentUnreachable(t *testing.T) {
	// Reserve a port, then close it so nothing is listening.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	d := New(time.Second, nil, zap.NewNop())
	_, err := d.Invoke(context.Background(), testAgent(url), testReq())
	if orchestrator.KindOf(err) != orchestrator.KindAgentUnreachable {
		t.Fatalf("kind = %v, want AgentUnreachable (err: %v)", orchestrator.KindOf(err), err)
	}
}

func TestInvokeCancelledContextSkipsOutcome(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	rec := &outcomeRecorder{}
	d := New(5*time.Second, rec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := d.Invoke(ctx, testAgent(srv.URL), testReq())
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	// Cancellation must not be classified as an agent failure.
	if k := orchestrator.KindOf(err); k == orchestrator.KindAgentTimeout || k == orchestrator.KindAgentUnreachable {
		t.Fatalf("cancellation misclassified as %v", k)
	}
	if got := rec.recorded(); len(got) != 0 {
		t.Errorf("cancelled dispatch recorded outcomes %v, want none", got)
	}
}
