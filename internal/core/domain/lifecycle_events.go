package domain

import (
	"time"
)

// LifecycleEvent is a high-level event emitted by the engine as a run moves
// through its states. Events are handed to an EventPublisher for decoupled
// consumers (the archive, analytics, etc.).
type LifecycleEvent struct {
	Type      LifecycleEventType `json:"type"`
	RunID     string             `json:"run_id"`
	Pipeline  string             `json:"pipeline"`
	Stage     string             `json:"stage,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Data      interface{}        `json:"data,omitempty"`
}

// LifecycleEventType identifies the type of lifecycle event.
type LifecycleEventType string

const (
	LifecycleRunSubmitted  LifecycleEventType = "run.submitted"
	LifecycleRunStarted    LifecycleEventType = "run.started"
	LifecycleRunRouted     LifecycleEventType = "run.routed"
	LifecycleStageComplete LifecycleEventType = "stage.completed"
	LifecycleStageFailed   LifecycleEventType = "stage.failed"
	LifecycleRunCompleted  LifecycleEventType = "run.completed"
	LifecycleRunFailed     LifecycleEventType = "run.failed"
	LifecycleRunCancelled  LifecycleEventType = "run.cancelled"
)

// StageCompletedData contains data for stage.completed events.
type StageCompletedData struct {
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration_ns"`
}

// StageFailedData contains data for stage.failed events.
type StageFailedData struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
	Attempts int           `json:"attempts"`
}

// RunFinishedData carries the terminal snapshot for run.completed,
// run.failed and run.cancelled events.
type RunFinishedData struct {
	Run RunState `json:"run"`
}
