// Package pipeline provides the pipeline orchestration engine.
//
// A pipeline is an ordered list of named stages drawn from a Registry, with
// at most one branch point. Each submitted run gets its own supervisor
// goroutine that executes the stages one at a time through a Runner and
// records every transition in the run store, from which status pollers and
// subscribers are served.
//
// # Stages
//
// A stage is a StageFunc registered under a name together with the context
// keys it requires and produces, a per-attempt timeout and a retry policy:
//
//	StageSpec{
//		Name:      "profile",
//		Requires:  []string{"rawData"},
//		Produces:  []string{"profile"},
//		Timeout:   10 * time.Second,
//		Retryable: true,
//		Invoke:    profile,
//	}
//
// A stage receives a read-only View of the run's execution context and
// returns Success, Recoverable or Fatal. Only retryable stages are retried,
// and only on Recoverable outcomes or timeouts.
//
// Outputs are deep-copied when a stage succeeds, and every View is a deep
// copy of the context, so nested maps and slices are never shared between
// stages or with the recorded run results. Outputs should be plain data:
// unexported struct fields do not survive the copy.
//
// # Branching
//
// A Definition may name one branch stage. After it succeeds, the value of
// its output key selects the next stage from a closed set of alternatives;
// anything else falls back to the default alternative and the fallback is
// recorded on the run. Execution then continues with the stages that follow
// the branch stage.
//
// # Cancellation
//
// Cancel is cooperative. The supervisor checks for a cancel request before
// starting each stage; a stage already in flight finishes and its result is
// recorded.
//
// # Webhook Contract
//
// Webhook stages receive WebhookRequest and must return WebhookResponse:
//
//	POST <webhook_url>
//	Content-Type: application/json
//	X-Stageflow-Run-Id: <run id>
//
//	{"stage": "summarize", "run_id": "...", "inputs": {"rawData": ..., "profile": ...}}
//
// Response:
//
//	{"status": "ok" | "retry" | "error", "outputs": {...}, "error": "..."}
//
// 429 and 5xx responses and transport errors are transient; other non-2xx
// responses fail the stage.
package pipeline
