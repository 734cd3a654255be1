package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/wrenlabs/bazaar/internal/catalog"
	"github.com/wrenlabs/bazaar/internal/orchestrator"
	"github.com/wrenlabs/bazaar/internal/registry"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine   *orchestrator.Engine
	registry *registry.Registry
	catalog  *catalog.Catalog
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(engine *orchestrator.Engine, reg *registry.Registry, cat *catalog.Catalog, logger *zap.Logger) *Handler {
	return &Handler{
		engine:   engine,
		registry: reg,
		catalog:  cat,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/orchestrations", h.submitOrchestration)
		r.Get("/orchestrations", h.listOrchestrations)
		r.Get("/orchestrations/{id}", h.getOrchestration)
		r.Post("/orchestrations/{id}/cancel", h.cancelOrchestration)

		r.Post("/agents", h.registerAgent)
		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)
		r.Post("/agents/{id}/deactivate", h.deactivateAgent)
		r.Post("/agents/{id}/reactivate", h.reactivateAgent)

		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Post("/workflows", h.registerWorkflow)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "bazaar"})
}

type submitRequest struct {
	Request      string `json:"request"`
	WorkflowHint string `json:"workflow_hint,omitempty"`
}

func (h *Handler) submitOrchestration(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	o, err := h.engine.Submit(r.Context(), req.Request, req.WorkflowHint)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	// Drive the orchestration in the background; callers poll by id.
	go func() {
		if err := h.engine.Run(context.Background(), o.ID); err != nil {
			h.logger.Warn("orchestration run ended with error",
				zap.String("orchestration", o.ID), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, o)
}

func (h *Handler) listOrchestrations(w http.ResponseWriter, r *http.Request) {
	status := orchestrator.Status(r.URL.Query().Get("status"))
	out := h.engine.List(status)
	if out == nil {
		out = []*orchestrator.Orchestration{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getOrchestration(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) cancelOrchestration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, orchestrator.ErrOrchestrationNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelling"})
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var a registry.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.registry.Register(r.Context(), &a); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.List(r.URL.Query().Get("capability"))
	if agents == nil {
		agents = []*registry.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) deactivateAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentActive(w, r, false)
}

func (h *Handler) reactivateAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentActive(w, r, true)
}

func (h *Handler) setAgentActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := chi.URLParam(r, "id")
	var err error
	if active {
		err = h.registry.Reactivate(r.Context(), id)
	} else {
		err = h.registry.Deactivate(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	a, err := h.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// workflowSummary is the list-view shape of a template.
type workflowSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Subtasks    int    `json:"subtasks"`
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	templates := h.catalog.List()
	out := make([]workflowSummary, 0, len(templates))
	for _, t := range templates {
		out = append(out, workflowSummary{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Subtasks:    len(t.Subtasks),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	t, err := h.catalog.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) registerWorkflow(w http.ResponseWriter, r *http.Request) {
	var t catalog.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.catalog.Register(&t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func statusFor(err error) int {
	switch orchestrator.KindOf(err) {
	case orchestrator.KindInvalidInput:
		return http.StatusBadRequest
	case orchestrator.KindUnknownWorkflow, orchestrator.KindNoMatchingWorkflow:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
