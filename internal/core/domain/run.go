// Package domain defines the run state model shared by the engine, the run
// store, the notifier and the HTTP layer.
package domain

import (
	"maps"
	"slices"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is one of the final states.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// RouteDecision records how a branch point chose its successor.
type RouteDecision struct {
	// Stage is the router stage whose output was inspected.
	Stage string `json:"stage"`
	// Value is the raw selection read from the router output.
	Value string `json:"value"`
	// Selected is the alternative that actually ran next.
	Selected string `json:"selected"`
	// Fallback is true when Value matched no alternative and the default was used.
	Fallback bool `json:"fallback"`
	// Category is CategoryRoutingAmbiguous on fallback. It never fails the run.
	Category ErrorCategory `json:"category,omitempty"`
}

// RunState is the externally visible record of one pipeline run.
// It is mutated only by the supervisor that owns the run; everyone else
// sees copies returned by Clone.
type RunState struct {
	ID              string                    `json:"id"`
	Pipeline        string                    `json:"pipeline"`
	Status          RunStatus                 `json:"status"`
	CurrentStage    string                    `json:"current_stage,omitempty"`
	CompletedStages []string                  `json:"completed_stages"`
	FailedStages    []string                  `json:"failed_stages"`
	Results         map[string]map[string]any `json:"results"`
	Routes          []RouteDecision           `json:"routes,omitempty"`
	CancelRequested bool                      `json:"cancel_requested,omitempty"`
	Category        ErrorCategory             `json:"category,omitempty"`
	Error           string                    `json:"error,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
}

// NewRunState returns a pending run with empty, non-nil collections.
func NewRunState(id, pipeline string, now time.Time) RunState {
	return RunState{
		ID:              id,
		Pipeline:        pipeline,
		Status:          RunPending,
		CompletedStages: []string{},
		FailedStages:    []string{},
		Results:         make(map[string]map[string]any),
		CreatedAt:       now,
	}
}

// Terminal reports whether the run has reached a final state.
func (r *RunState) Terminal() bool {
	return r.Status.Terminal()
}

// Clone returns a copy that shares no containers with r. Stage output
// values are copied one level deep; payload values themselves are treated
// as immutable once recorded.
func (r *RunState) Clone() RunState {
	c := *r
	c.CompletedStages = slices.Clone(r.CompletedStages)
	if c.CompletedStages == nil {
		c.CompletedStages = []string{}
	}
	c.FailedStages = slices.Clone(r.FailedStages)
	if c.FailedStages == nil {
		c.FailedStages = []string{}
	}
	c.Routes = slices.Clone(r.Routes)
	c.Results = make(map[string]map[string]any, len(r.Results))
	for stage, out := range r.Results {
		c.Results[stage] = maps.Clone(out)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Finish moves the run into a terminal status and stamps CompletedAt.
func (r *RunState) Finish(status RunStatus, now time.Time) {
	r.Status = status
	r.CurrentStage = ""
	r.CompletedAt = &now
}
