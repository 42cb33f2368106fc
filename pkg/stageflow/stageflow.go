// Package stageflow provides the public API for embedding the pipeline
// engine and its HTTP server. This is the stable API for external consumers.
package stageflow

import (
	"github.com/tjfontaine/stageflow/internal/client"
	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/pipeline"
	"github.com/tjfontaine/stageflow/internal/pkg/config"
	"github.com/tjfontaine/stageflow/internal/runtime"
)

// Service runs the engine behind the HTTP API.
// See internal/runtime.Service for full documentation.
type Service = runtime.Service

// Option is a functional option for configuring a Service.
type Option = runtime.Option

// New creates a new Service with the given options.
// Example:
//
//	svc, err := stageflow.New(
//	    stageflow.WithFileConfig("config.yaml"),
//	    stageflow.WithStages(stageflow.StageSpec{
//	        Name:     "ingest",
//	        Requires: []string{stageflow.KeyQuery, stageflow.KeyFileID},
//	        Produces: []string{"rawData"},
//	        Invoke:   ingest,
//	    }),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Archive and events
	WithSQLite         = runtime.WithSQLite
	WithMemoryArchive  = runtime.WithMemoryArchive
	WithArchive        = runtime.WithArchive
	WithDirectEvents   = runtime.WithDirectEvents
	WithEventPublisher = runtime.WithEventPublisher

	// Stages and pipelines registered in code
	WithStages    = runtime.WithStages
	WithPipelines = runtime.WithPipelines

	// Advanced options
	WithHTTPClient = runtime.WithHTTPClient
	WithListener   = runtime.WithListener
	WithLogger     = runtime.WithLogger
)

// Config is the server configuration read from YAML and STAGEFLOW_
// environment variables.
type Config = config.Config

// LoadConfig reads a config file; ParseConfig reads raw YAML. Both apply
// environment overrides and defaults.
var (
	LoadConfig  = config.Load
	ParseConfig = config.Parse
)

// Stage authoring types.
type (
	StageSpec   = pipeline.StageSpec
	StageFunc   = pipeline.StageFunc
	Outcome     = pipeline.Outcome
	View        = pipeline.View
	Definition  = pipeline.Definition
	BranchPoint = pipeline.BranchPoint
	Request     = pipeline.Request
)

// Stage outcomes.
var (
	Success     = pipeline.Success
	Recoverable = pipeline.Recoverable
	Fatal       = pipeline.Fatal
)

// Seeded context keys.
const (
	KeyQuery  = pipeline.KeyQuery
	KeyFileID = pipeline.KeyFileID
)

// Run observation types.
type (
	RunState      = domain.RunState
	RunStatus     = domain.RunStatus
	ErrorCategory = domain.ErrorCategory
)

// Client talks to a running server.
type Client = client.Client

// NewClient creates a client for the server at baseURL.
var NewClient = client.New
