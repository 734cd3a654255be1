package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wrenlabs/bazaar/internal/orchestrator"
	"github.com/wrenlabs/bazaar/internal/registry"
	"go.uber.org/zap"
)

// Outcomes receives the result of every dispatch so reputation reflects
// live agent performance.
type Outcomes interface {
	RecordOutcome(ctx context.Context, agentID string, success bool) error
}

// HTTPDispatcher invokes agent endpoints over HTTP. Each call POSTs the
// subtask payload and enforces a per-dispatch timeout.
type HTTPDispatcher struct {
	client   *http.Client
	timeout  time.Duration
	outcomes Outcomes
	logger   *zap.Logger
}

// New creates a dispatcher with the given per-dispatch timeout.
func New(timeout time.Duration, outcomes Outcomes, logger *zap.Logger) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDispatcher{
		client:   &http.Client{},
		timeout:  timeout,
		outcomes: outcomes,
		logger:   logger,
	}
}

// maxErrorBody bounds how much of an agent error response is kept.
const maxErrorBody = 512

// Invoke performs the remote call and classifies failures as
// AgentTimeout, AgentUnreachable, or AgentError. The outcome is always
// reported to the registry, success or not, unless the orchestration
// itself was cancelled mid-call.
func (d *HTTPDispatcher) Invoke(ctx context.Context, agent *registry.Agent, req orchestrator.DispatchRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch payload: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Bazaar-Capability", req.Capability)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			// The orchestration was cancelled; the result is discarded
			// and the agent is not penalized.
			return nil, ctx.Err()
		}
		d.report(agent.ID, false)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, orchestrator.E(orchestrator.KindAgentTimeout,
				fmt.Sprintf("agent %s timed out after %s", agent.ID, d.timeout))
		}
		return nil, orchestrator.Wrap(orchestrator.KindAgentUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.report(agent.ID, false)
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, orchestrator.E(orchestrator.KindAgentError,
			fmt.Sprintf("agent %s returned %d: %s", agent.ID, resp.StatusCode, bytes.TrimSpace(snippet)))
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		d.report(agent.ID, false)
		return nil, orchestrator.Wrap(orchestrator.KindAgentUnreachable, err)
	}

	d.report(agent.ID, true)
	d.logger.Debug("agent responded",
		zap.String("agent", agent.ID),
		zap.String("subtask", req.SubtaskID),
		zap.Int("bytes", len(out)))

	if !json.Valid(out) {
		// Agents should answer JSON; tolerate plain text by quoting it.
		quoted, _ := json.Marshal(string(out))
		return quoted, nil
	}
	return out, nil
}

func (d *HTTPDispatcher) report(agentID string, success bool) {
	if d.outcomes == nil {
		return
	}
	if err := d.outcomes.RecordOutcome(context.Background(), agentID, success); err != nil {
		d.logger.Warn("record outcome failed", zap.String("agent", agentID), zap.Error(err))
	}
}
