package pipeline

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/stageflow/internal/pkg/config"
	"github.com/tjfontaine/stageflow/internal/pkg/safehttp"
	"github.com/tjfontaine/stageflow/internal/tokens"
)

// CatalogSources are the stages and pipelines registered in code. Config
// declared webhook stages and pipelines are added to them.
type CatalogSources struct {
	Stages    []StageSpec
	Pipelines []*Definition

	// HTTPClient is used by webhook stages. Defaults to a client with an
	// OpenTelemetry instrumented transport.
	HTTPClient *http.Client
}

// NewCatalogFromConfig builds a catalog from the code-registered sources
// plus the stages and pipelines declared in cfg.
func NewCatalogFromConfig(cfg *config.Config, src CatalogSources) (*Catalog, error) {
	specs := make([]StageSpec, 0, len(src.Stages)+len(cfg.Stages))
	specs = append(specs, src.Stages...)

	client := src.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	for _, stageCfg := range cfg.Stages {
		spec, err := newStageFromConfig(stageCfg, client)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stageCfg.Name, err)
		}
		specs = append(specs, spec)
	}

	reg, err := NewRegistry(specs...)
	if err != nil {
		return nil, err
	}

	defs := make([]*Definition, 0, len(src.Pipelines)+len(cfg.Pipelines))
	defs = append(defs, src.Pipelines...)
	for _, p := range cfg.Pipelines {
		defs = append(defs, definitionFromConfig(p))
	}

	return NewCatalog(reg, defs, cfg.Runs.DefaultPipeline)
}

func newStageFromConfig(cfg config.StageConfig, client *http.Client) (StageSpec, error) {
	if cfg.BlockPrivate {
		client = &http.Client{Transport: otelhttp.NewTransport(safehttp.NewTransport())}
	}

	var counter tokens.Counter
	if cfg.MaxInputTokens > 0 {
		c, err := tokens.NewTiktokenCounter(cfg.Encoding)
		if err != nil {
			return StageSpec{}, err
		}
		counter = c
	}

	stage, err := NewWebhookStage(WebhookStageConfig{
		Name:           cfg.Name,
		URL:            cfg.URL,
		Requires:       cfg.Requires,
		Headers:        cfg.Headers,
		Client:         client,
		MaxInputTokens: cfg.MaxInputTokens,
		Counter:        counter,
	})
	if err != nil {
		return StageSpec{}, err
	}

	return stage.Spec(StageSpec{
		Produces:   cfg.Produces,
		Timeout:    cfg.Timeout,
		Retryable:  cfg.Retryable,
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.Backoff,
	}), nil
}

func definitionFromConfig(p config.PipelineConfig) *Definition {
	d := &Definition{Name: p.Name, Stages: p.Stages}
	if p.Branch != nil {
		d.Branch = &BranchPoint{
			Stage:        p.Branch.Stage,
			Key:          p.Branch.Key,
			Alternatives: p.Branch.Alternatives,
			Default:      p.Branch.Default,
		}
	}
	return d
}
