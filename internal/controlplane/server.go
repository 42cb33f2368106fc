// Package controlplane serves the operator view of a running engine: process
// stats and every retained run, including finished ones not yet evicted.
package controlplane

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/pipeline"
)

// RunSource is the engine surface the control plane reads.
type RunSource interface {
	Runs() []domain.RunState
	Catalog() *pipeline.Catalog
}

type Server struct {
	router    *chi.Mux
	runs      RunSource
	startTime time.Time
}

func NewServer(runs RunSource) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		runs:      runs,
		startTime: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/runs", s.handleRuns)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type StatsResponse struct {
	Uptime       string       `json:"uptime"`
	GoVersion    string       `json:"go_version"`
	NumGoroutine int          `json:"num_goroutine"`
	Memory       MemoryStats  `json:"memory"`
	Runs         RunStats     `json:"runs"`
	Catalog      CatalogStats `json:"catalog"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

// RunStats counts retained runs.
type RunStats struct {
	Retained int                      `json:"retained"`
	ByStatus map[domain.RunStatus]int `json:"by_status"`
}

type CatalogStats struct {
	Stages          int    `json:"stages"`
	Pipelines       int    `json:"pipelines"`
	DefaultPipeline string `json:"default_pipeline,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	runs := s.runs.Runs()
	byStatus := make(map[domain.RunStatus]int)
	for _, run := range runs {
		byStatus[run.Status]++
	}
	cat := s.runs.Catalog()

	stats := StatsResponse{
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
		Runs: RunStats{
			Retained: len(runs),
			ByStatus: byStatus,
		},
		Catalog: CatalogStats{
			Stages:          cat.Registry().Len(),
			Pipelines:       len(cat.Definitions()),
			DefaultPipeline: cat.DefaultPipeline(),
		},
	}

	writeJSON(w, stats)
}

// handleRuns lists retained runs oldest first, optionally filtered by
// ?status= and ?pipeline=.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	status := domain.RunStatus(r.URL.Query().Get("status"))
	name := r.URL.Query().Get("pipeline")

	runs := make([]domain.RunState, 0)
	for _, run := range s.runs.Runs() {
		if status != "" && run.Status != status {
			continue
		}
		if name != "" && run.Pipeline != name {
			continue
		}
		runs = append(runs, run)
	}

	writeJSON(w, map[string]any{"runs": runs})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
