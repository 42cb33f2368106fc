/*
Package server provides the HTTP API for submitting and observing pipeline
runs, and the middleware it is served behind.

# Middleware

RequestIDMiddleware generates a UUID for each request and adds it to:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

LoggingMiddleware logs every request with slog, including request id,
status and duration. Handlers attach extra fields with AddLogField and
AddError.

TimeoutMiddleware puts a deadline on the request context. The streaming
routes (/events and /ws) are registered outside it.

# Middleware Chain Order

 1. RequestIDMiddleware (first, to generate request IDs)
 2. LoggingMiddleware (logs all requests)
 3. Recoverer (catches panics)
 4. OTel instrumentation (OpenTelemetry)
 5. TimeoutMiddleware (per route group)

# Routes

	POST /v1/runs                  submit, 202 {"run_id": ...}
	GET  /v1/runs                  active run ids
	GET  /v1/runs/{id}             latest snapshot
	POST /v1/runs/{id}/cancel      request cancellation
	GET  /v1/runs/{id}/events      snapshots as Server-Sent Events
	GET  /v1/runs/{id}/ws          snapshots over a WebSocket
	GET  /v1/pipelines             catalog
	GET  /v1/archive/runs[/{id}[/events]]  archived runs, when enabled
	GET  /healthz, /metrics

Errors are returned as {"error": {"type": ..., "message": ...}}.

# Example Usage

	srv := server.New(server.Config{Port: 8080, Logger: logger})
	server.NewHandler(server.HandlerConfig{Runs: engine}).RegisterRoutes(srv.Router)
	srv.Start()
*/
package server
