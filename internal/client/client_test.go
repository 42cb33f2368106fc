package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/pipeline"
	"github.com/tjfontaine/stageflow/internal/server"
)

func newServer(t *testing.T) (*httptest.Server, chan struct{}) {
	t.Helper()

	release := make(chan struct{})
	reg, err := pipeline.NewRegistry(
		pipeline.StageSpec{
			Name:     "ingest",
			Requires: []string{pipeline.KeyQuery},
			Invoke: func(_ context.Context, in pipeline.View) pipeline.Outcome {
				return pipeline.Success(map[string]any{"rows": in.String(pipeline.KeyQuery)})
			},
		},
		pipeline.StageSpec{
			Name: "wait",
			Invoke: func(context.Context, pipeline.View) pipeline.Outcome {
				<-release
				return pipeline.Success(map[string]any{})
			},
		},
	)
	require.NoError(t, err)
	cat, err := pipeline.NewCatalog(reg, []*pipeline.Definition{
		{Name: "quick", Stages: []string{"ingest"}},
		{Name: "gated", Stages: []string{"wait", "ingest"}},
	}, "quick")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := pipeline.NewEngine(pipeline.EngineConfig{Catalog: cat, Logger: logger})
	require.NoError(t, err)

	s := server.New(server.Config{Logger: logger})
	server.NewHandler(server.HandlerConfig{Runs: engine, Logger: logger}).RegisterRoutes(s.Router)
	srv := httptest.NewServer(s.Router)

	t.Cleanup(func() {
		srv.Close()
		select {
		case <-release:
		default:
			close(release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})
	return srv, release
}

func TestClient_SubmitWatchGet(t *testing.T) {
	srv, release := newServer(t)
	c := New(srv.URL)
	ctx := context.Background()

	id, err := c.Submit(ctx, pipeline.Request{Pipeline: "gated", Query: "q"})
	require.NoError(t, err)

	active, err := c.ListActive(ctx)
	require.NoError(t, err)
	assert.Contains(t, active, id)

	updates, err := c.Watch(ctx, id)
	require.NoError(t, err)
	close(release)

	var last domain.RunState
	for snap := range updates {
		last = snap
	}
	assert.Equal(t, domain.RunCompleted, last.Status)

	run, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "q", run.Results["ingest"]["rows"])

	_, err = c.Cancel(ctx, id)
	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.HTTPStatusCode())
}

func TestClient_Errors(t *testing.T) {
	srv, _ := newServer(t)
	c := New(srv.URL)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.True(t, IsNotFound(err), "err = %v", err)

	_, err = c.Watch(ctx, "missing")
	assert.True(t, IsNotFound(err), "err = %v", err)

	_, err = c.Submit(ctx, pipeline.Request{Pipeline: "nope"})
	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, domain.ErrorTypeInvalidRequest, apiErr.Type)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatusCode())
}

func TestClient_Pipelines(t *testing.T) {
	srv, _ := newServer(t)

	defs, err := New(srv.URL + "/").Pipelines(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "gated", defs[0].Name)
	assert.Equal(t, []string{"wait", "ingest"}, defs[0].Stages)
}

func TestDecodeError_NonJSON(t *testing.T) {
	err := decodeError(http.StatusBadGateway, []byte("upstream down\n"))

	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.HTTPStatusCode())
	assert.Contains(t, apiErr.Message, "upstream down")
}

func TestReadSnapshots(t *testing.T) {
	body := strings.Join([]string{
		": keepalive",
		"event: snapshot",
		`data: {"id":"r","status":"running",`,
		`data: "completed_stages":["a"]}`,
		"",
		"data: not json",
		"",
		`data:{"id":"r","status":"completed","completed_stages":["a","b"]}`,
		"",
		`data: {"id":"r","status":"completed"}`,
		"",
	}, "\n")

	ch := make(chan domain.RunState, 10)
	readSnapshots(context.Background(), strings.NewReader(body), ch)
	close(ch)

	var got []domain.RunState
	for snap := range ch {
		got = append(got, snap)
	}

	require.Len(t, got, 2, "malformed frames are skipped and reading stops at the terminal snapshot")
	assert.Equal(t, domain.RunRunning, got[0].Status)
	assert.Equal(t, []string{"a"}, got[0].CompletedStages)
	assert.Equal(t, []string{"a", "b"}, got[1].CompletedStages)
}
