package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/core/ports"
	"github.com/tjfontaine/stageflow/internal/pipeline"
)

// DefaultRequestTimeout bounds non-streaming requests.
const DefaultRequestTimeout = 60 * time.Second

// maxRequestBody caps submission bodies.
const maxRequestBody = 1 << 20

// RunService is the engine surface the API needs.
type RunService interface {
	Submit(ctx context.Context, req pipeline.Request) (string, error)
	Status(id string) (domain.RunState, error)
	Subscribe(ctx context.Context, id string) (<-chan domain.RunState, error)
	Cancel(id string) (domain.RunState, error)
	ListActive() []string
	Catalog() *pipeline.Catalog
}

// Handler serves the run API.
type Handler struct {
	runs     RunService
	archive  ports.ArchiveStore
	gatherer prometheus.Gatherer
	timeout  time.Duration
	logger   *slog.Logger
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Runs RunService

	// Archive serves /v1/archive routes. Nil disables them.
	Archive ports.ArchiveStore

	// Gatherer serves /metrics. Nil disables it.
	Gatherer prometheus.Gatherer

	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Handler{
		runs:     cfg.Runs,
		archive:  cfg.Archive,
		gatherer: cfg.Gatherer,
		timeout:  cfg.RequestTimeout,
		logger:   cfg.Logger,
	}
}

// RegisterRoutes mounts the API on r. Streaming routes are exempt from the
// request timeout.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/runs/{id}/events", h.HandleEvents)
		r.Get("/runs/{id}/ws", h.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(TimeoutMiddleware(h.timeout))

			r.Post("/runs", h.HandleSubmit)
			r.Get("/runs", h.HandleListRuns)
			r.Get("/runs/{id}", h.HandleGetRun)
			r.Post("/runs/{id}/cancel", h.HandleCancel)
			r.Get("/pipelines", h.HandleListPipelines)

			if h.archive != nil {
				r.Get("/archive/runs", h.HandleListArchived)
				r.Get("/archive/runs/{id}", h.HandleGetArchived)
				r.Get("/archive/runs/{id}/events", h.HandleArchivedEvents)
			}
		})
	})
}

// SubmitResponse is returned by POST /v1/runs.
type SubmitResponse struct {
	RunID string `json:"run_id"`
}

// ListRunsResponse is returned by GET /v1/runs.
type ListRunsResponse struct {
	Runs []string `json:"runs"`
}

// PipelinesResponse is returned by GET /v1/pipelines.
type PipelinesResponse struct {
	Default   string                 `json:"default,omitempty"`
	Pipelines []*pipeline.Definition `json:"pipelines"`
	Stages    []string               `json:"stages"`
}

// HandleSubmit handles POST /v1/runs
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("Invalid request body: "+err.Error()))
		return
	}

	id, err := h.runs.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, apiErrorFor(err))
		return
	}

	AddLogField(r.Context(), "run_id", id)
	writeJSON(w, http.StatusAccepted, SubmitResponse{RunID: id})
}

// HandleListRuns handles GET /v1/runs
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListRunsResponse{Runs: h.runs.ListActive()})
}

// HandleGetRun handles GET /v1/runs/{id}
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "run_id", id)

	run, err := h.runs.Status(id)
	if err != nil {
		h.writeError(w, r, apiErrorFor(err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleCancel handles POST /v1/runs/{id}/cancel
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "run_id", id)

	run, err := h.runs.Cancel(id)
	if err != nil {
		h.writeError(w, r, apiErrorFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// HandleListPipelines handles GET /v1/pipelines
func (h *Handler) HandleListPipelines(w http.ResponseWriter, r *http.Request) {
	cat := h.runs.Catalog()
	writeJSON(w, http.StatusOK, PipelinesResponse{
		Default:   cat.DefaultPipeline(),
		Pipelines: cat.Definitions(),
		Stages:    cat.Registry().Names(),
	})
}

// HandleListArchived handles GET /v1/archive/runs
func (h *Handler) HandleListArchived(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := ports.ListOptions{
		Pipeline: q.Get("pipeline"),
		Status:   domain.RunStatus(q.Get("status")),
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("limit must be a non-negative integer"))
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("offset must be a non-negative integer"))
		return
	}

	runs, err := h.archive.ListRuns(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, apiErrorFor(err))
		return
	}
	if runs == nil {
		runs = []*domain.RunState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// HandleGetArchived handles GET /v1/archive/runs/{id}
func (h *Handler) HandleGetArchived(w http.ResponseWriter, r *http.Request) {
	run, err := h.archive.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, apiErrorFor(err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleArchivedEvents handles GET /v1/archive/runs/{id}/events
func (h *Handler) HandleArchivedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.archive.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, apiErrorFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// HandleHealth handles GET /healthz
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiErrorFor maps engine and store errors to API errors.
func apiErrorFor(err error) *domain.APIError {
	var apiErr *domain.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, pipeline.ErrUnknownPipeline):
		return domain.ErrInvalidRequest(err.Error())
	case errors.Is(err, pipeline.ErrRunNotFound), errors.Is(err, ports.ErrNotFound):
		return domain.ErrNotFound(err.Error())
	case errors.Is(err, pipeline.ErrRunTerminal):
		return domain.ErrConflict(err.Error())
	case errors.Is(err, pipeline.ErrEngineClosed):
		return domain.ErrUnavailable(err.Error())
	default:
		return domain.ErrServer(err.Error())
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, apiErr *domain.APIError) {
	AddError(r.Context(), apiErr)
	if apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("request_id", GetRequestID(r.Context())),
			slog.String("error", apiErr.Error()))
	}
	writeJSON(w, apiErr.HTTPStatusCode(), map[string]any{"error": apiErr})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
