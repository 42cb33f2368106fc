package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/stageflow/internal/adapters/events/direct"
	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/pipeline"
	"github.com/tjfontaine/stageflow/internal/storage/memory"
)

type testEnv struct {
	srv     *httptest.Server
	engine  *pipeline.Engine
	archive *memory.Store
	release chan struct{}
}

// newTestEnv serves an engine with two pipelines: "quick" finishes at once
// and "gated" blocks in its first stage until release is closed.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	release := make(chan struct{})
	reg, err := pipeline.NewRegistry(
		pipeline.StageSpec{
			Name:     "ingest",
			Requires: []string{pipeline.KeyQuery},
			Produces: []string{"rawData"},
			Invoke: func(_ context.Context, in pipeline.View) pipeline.Outcome {
				return pipeline.Success(map[string]any{"rawData": "rows for " + in.String(pipeline.KeyQuery)})
			},
		},
		pipeline.StageSpec{
			Name: "wait",
			Invoke: func(context.Context, pipeline.View) pipeline.Outcome {
				<-release
				return pipeline.Success(map[string]any{"waited": true})
			},
		},
	)
	require.NoError(t, err)

	cat, err := pipeline.NewCatalog(reg, []*pipeline.Definition{
		{Name: "quick", Stages: []string{"ingest"}},
		{Name: "gated", Stages: []string{"wait", "ingest"}},
	}, "quick")
	require.NoError(t, err)

	archive := memory.New()
	publisher, err := direct.NewPublisher(archive)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := pipeline.NewEngine(pipeline.EngineConfig{
		Catalog: cat,
		Events:  publisher,
		Logger:  logger,
	})
	require.NoError(t, err)

	s := New(Config{Logger: logger})
	NewHandler(HandlerConfig{
		Runs:     engine,
		Archive:  archive,
		Gatherer: engine.Metrics().Registry,
		Logger:   logger,
	}).RegisterRoutes(s.Router)

	env := &testEnv{
		srv:     httptest.NewServer(s.Router),
		engine:  engine,
		archive: archive,
		release: release,
	}
	t.Cleanup(func() {
		env.srv.Close()
		select {
		case <-release:
		default:
			close(release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (env *testEnv) submit(t *testing.T, body string) string {
	t.Helper()
	resp, data := env.do(t, http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	var out SubmitResponse
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotEmpty(t, out.RunID)
	return out.RunID
}

func (env *testEnv) waitTerminal(t *testing.T, id string) domain.RunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := env.engine.Subscribe(ctx, id)
	require.NoError(t, err)
	var last domain.RunState
	for snap := range ch {
		last = snap
	}
	require.True(t, last.Terminal())
	return last
}

func decodeError(t *testing.T, data []byte) domain.APIError {
	t.Helper()
	var body struct {
		Error domain.APIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &body), string(data))
	return body.Error
}

func TestHandler_SubmitAndGet(t *testing.T) {
	env := newTestEnv(t)

	id := env.submit(t, `{"query": "revenue", "file_id": "sales.csv"}`)
	env.waitTerminal(t, id)

	resp, data := env.do(t, http.MethodGet, "/v1/runs/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var run domain.RunState
	require.NoError(t, json.Unmarshal(data, &run))
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, "quick", run.Pipeline)
	assert.Equal(t, "rows for revenue", run.Results["ingest"]["rawData"])
}

func TestHandler_SubmitErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantType domain.ErrorType
	}{
		{"malformed body", `{"query":`, http.StatusBadRequest, domain.ErrorTypeInvalidRequest},
		{"unknown pipeline", `{"pipeline": "nope", "query": "q"}`, http.StatusBadRequest, domain.ErrorTypeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := env.do(t, http.MethodPost, "/v1/runs", tt.body)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantType, decodeError(t, data).Type)
		})
	}
}

func TestHandler_SubmitAfterShutdown(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.engine.Shutdown(ctx))

	resp, data := env.do(t, http.MethodPost, "/v1/runs", `{"query": "q"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, domain.ErrorTypeUnavailable, decodeError(t, data).Type)
}

func TestHandler_UnknownRun(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/v1/runs/missing", "/v1/runs/missing/events", "/v1/runs/missing/ws", "/v1/archive/runs/missing"} {
		resp, data := env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, domain.ErrorTypeNotFound, decodeError(t, data).Type, path)
	}

	resp, _ := env.do(t, http.MethodPost, "/v1/runs/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_CancelAndList(t *testing.T) {
	env := newTestEnv(t)

	id := env.submit(t, `{"pipeline": "gated", "query": "q"}`)
	require.Eventually(t, func() bool {
		run, err := env.engine.Status(id)
		return err == nil && run.CurrentStage == "wait"
	}, 5*time.Second, 5*time.Millisecond)

	resp, data := env.do(t, http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListRunsResponse
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Contains(t, list.Runs, id)

	resp, data = env.do(t, http.MethodPost, "/v1/runs/"+id+"/cancel", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	var snap domain.RunState
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.True(t, snap.CancelRequested)

	close(env.release)
	run := env.waitTerminal(t, id)
	assert.Equal(t, domain.RunCancelled, run.Status)
	assert.Equal(t, []string{"wait"}, run.CompletedStages)

	resp, data = env.do(t, http.MethodPost, "/v1/runs/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, domain.ErrorTypeConflict, decodeError(t, data).Type)
}

func TestHandler_EventsStream(t *testing.T) {
	env := newTestEnv(t)

	id := env.submit(t, `{"pipeline": "gated", "query": "q"}`)

	resp, err := http.Get(env.srv.URL + "/v1/runs/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	close(env.release)

	var snaps []domain.RunState
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap domain.RunState
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap))
		snaps = append(snaps, snap)
	}

	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	assert.Equal(t, domain.RunCompleted, last.Status, "stream must end with the terminal snapshot")
	for i := 1; i < len(snaps); i++ {
		prev, cur := snaps[i-1].CompletedStages, snaps[i].CompletedStages
		require.GreaterOrEqual(t, len(cur), len(prev))
		assert.Equal(t, prev, cur[:len(prev)], "completed stages must only grow")
	}
}

func TestHandler_WebSocket(t *testing.T) {
	env := newTestEnv(t)

	id := env.submit(t, `{"pipeline": "gated", "query": "q"}`)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/runs/" + id + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	close(env.release)

	var last domain.RunState
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		require.NoError(t, json.Unmarshal(data, &last))
	}
	assert.Equal(t, domain.RunCompleted, last.Status)
	assert.Equal(t, []string{"wait", "ingest"}, last.CompletedStages)
}

func TestHandler_Pipelines(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodGet, "/v1/pipelines", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out PipelinesResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "quick", out.Default)
	assert.Equal(t, []string{"ingest", "wait"}, out.Stages)
	require.Len(t, out.Pipelines, 2)
	assert.Equal(t, "gated", out.Pipelines[0].Name)
}

func TestHandler_Archive(t *testing.T) {
	env := newTestEnv(t)

	id := env.submit(t, `{"query": "q"}`)
	env.waitTerminal(t, id)

	// Archive writes happen off the run's path.
	require.Eventually(t, func() bool {
		_, err := env.archive.GetRun(context.Background(), id)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	resp, data := env.do(t, http.MethodGet, "/v1/archive/runs/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run domain.RunState
	require.NoError(t, json.Unmarshal(data, &run))
	assert.Equal(t, domain.RunCompleted, run.Status)

	resp, data = env.do(t, http.MethodGet, "/v1/archive/runs?pipeline=quick&status=completed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Runs []domain.RunState `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, id, list.Runs[0].ID)

	resp, _ = env.do(t, http.MethodGet, "/v1/archive/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = env.do(t, http.MethodGet, "/v1/archive/runs/"+id+"/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.Contains(data, []byte(string(domain.LifecycleRunCompleted))))
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	env.waitTerminal(t, env.submit(t, `{"query": "q"}`))

	// Run metrics are recorded just after the terminal snapshot.
	require.Eventually(t, func() bool {
		resp, data := env.do(t, http.MethodGet, "/metrics", "")
		return resp.StatusCode == http.StatusOK &&
			strings.Contains(string(data), `stageflow_runs_finished_total{pipeline="quick",status="completed"} 1`)
	}, 5*time.Second, 10*time.Millisecond)

	_, data = env.do(t, http.MethodGet, "/metrics", "")
	assert.Contains(t, string(data), "stageflow_runs_submitted_total 1")
}

func TestHandler_NoArchiveRoutesWithoutStore(t *testing.T) {
	env := newTestEnv(t)

	s := New(Config{})
	NewHandler(HandlerConfig{Runs: env.engine}).RegisterRoutes(s.Router)

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/archive/runs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
