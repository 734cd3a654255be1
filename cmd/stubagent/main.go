// Command stubagent runs a minimal marketplace agent for local testing.
// It accepts any capability, echoes the request payload, and optionally
// registers itself with a running bazaar instance.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

type taskPayload struct {
	OrchestrationID string                     `json:"orchestration_id"`
	SubtaskID       string                     `json:"subtask_id"`
	Capability      string                     `json:"capability"`
	Request         string                     `json:"request"`
	Upstream        map[string]json.RawMessage `json:"upstream,omitempty"`
}

func main() {
	port := flag.Int("port", 9090, "listen port")
	name := flag.String("name", "stub-agent", "agent name")
	caps := flag.String("capabilities", "extract", "comma-separated capability tags")
	delay := flag.Duration("delay", 0, "artificial handling delay")
	registerAt := flag.String("register", "", "bazaar base URL to self-register with (optional)")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	capList := strings.Split(*caps, ",")
	for i := range capList {
		capList[i] = strings.TrimSpace(capList[i])
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/task", func(w http.ResponseWriter, r *http.Request) {
		var task taskPayload
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if *delay > 0 {
			time.Sleep(*delay)
		}
		logger.Info("task handled",
			zap.String("orchestration", task.OrchestrationID),
			zap.String("subtask", task.SubtaskID),
			zap.String("capability", task.Capability))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"agent":      *name,
			"capability": task.Capability,
			"output":     fmt.Sprintf("%s result for: %s", task.Capability, task.Request),
			"upstream":   len(task.Upstream),
		})
	})

	endpoint := fmt.Sprintf("http://localhost:%d/task", *port)
	if *registerAt != "" {
		if err := selfRegister(*registerAt, *name, endpoint, capList); err != nil {
			logger.Fatal("self-register failed", zap.Error(err))
		}
		logger.Info("registered with bazaar", zap.String("url", *registerAt))
	}

	logger.Info("stub agent listening",
		zap.Int("port", *port),
		zap.Strings("capabilities", capList))
	if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), mux); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func selfRegister(baseURL, name, endpoint string, caps []string) error {
	body, err := json.Marshal(map[string]any{
		"name":         name,
		"endpoint":     endpoint,
		"capabilities": caps,
	})
	if err != nil {
		return err
	}
	resp, err := http.Post(strings.TrimRight(baseURL, "/")+"/api/agents", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("register returned %d", resp.StatusCode)
	}
	return nil
}
