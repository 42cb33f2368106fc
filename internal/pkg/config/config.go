package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. Nested keys are
// separated by a double underscore: STAGEFLOW_RUNS__MAX_CONCURRENT.
const EnvPrefix = "STAGEFLOW_"

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Runs      RunsConfig       `koanf:"runs"`
	Storage   StorageConfig    `koanf:"storage"`
	Telemetry TelemetryConfig  `koanf:"telemetry"`
	Log       LogConfig        `koanf:"log"`
	Stages    []StageConfig    `koanf:"stages"`
	Pipelines []PipelineConfig `koanf:"pipelines"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// RunsConfig controls run execution and retention.
type RunsConfig struct {
	Retention           time.Duration `koanf:"retention"`
	SweepInterval       time.Duration `koanf:"sweep_interval"`
	MaxConcurrent       int           `koanf:"max_concurrent"`
	DefaultStageTimeout time.Duration `koanf:"default_stage_timeout"`
	RetryBackoff        time.Duration `koanf:"retry_backoff"`
	DefaultPipeline     string        `koanf:"default_pipeline"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

// StageConfig declares a webhook stage: the stage POSTs the keys it
// requires to URL and merges the keys it produces from the JSON response.
type StageConfig struct {
	Name           string            `koanf:"name"`
	Type           string            `koanf:"type"` // webhook
	URL            string            `koanf:"url"`
	Headers        map[string]string `koanf:"headers"`
	Requires       []string          `koanf:"requires"`
	Produces       []string          `koanf:"produces"`
	Timeout        time.Duration     `koanf:"timeout"`
	Retryable      bool              `koanf:"retryable"`
	MaxRetries     int               `koanf:"max_retries"`
	Backoff        time.Duration     `koanf:"backoff"`
	MaxInputTokens int               `koanf:"max_input_tokens"` // Optional: reject requests whose text inputs exceed this many tokens
	Encoding       string            `koanf:"encoding"`         // Tokenizer encoding for max_input_tokens (default cl100k_base)
	BlockPrivate   bool              `koanf:"block_private"`    // Refuse to connect to loopback/private addresses
}

// PipelineConfig declares a pipeline definition by stage name.
type PipelineConfig struct {
	Name   string        `koanf:"name"`
	Stages []string      `koanf:"stages"`
	Branch *BranchConfig `koanf:"branch"`
}

type BranchConfig struct {
	Stage        string   `koanf:"stage"`
	Key          string   `koanf:"key"`
	Alternatives []string `koanf:"alternatives"`
	Default      string   `koanf:"default"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the YAML file at path (missing files are fine), applies
// STAGEFLOW_ environment overrides and fills in defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	return finish(k)
}

// Parse builds a config from raw YAML plus environment overrides.
func Parse(data []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawBytes(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finish(k)
}

func finish(k *koanf.Koanf) (*Config, error) {
	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Stages {
		cfg.Stages[i].URL = substituteEnvVars(cfg.Stages[i].URL)
		for name, value := range cfg.Stages[i].Headers {
			cfg.Stages[i].Headers[name] = substituteEnvVars(value)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                8080,
		"server.request_timeout":     "60s",
		"runs.retention":             "1h",
		"runs.sweep_interval":        "1m",
		"runs.max_concurrent":        64,
		"runs.default_stage_timeout": "30s",
		"runs.retry_backoff":         "200ms",
		"storage.type":               "none",
		"storage.sqlite.path":        "stageflow.db",
		"telemetry.service_name":     "stageflow",
		"log.level":                  "info",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

// Validate checks field-level constraints. Cross references between stages
// and pipelines are checked when the catalog is built.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Runs.MaxConcurrent <= 0 {
		return fmt.Errorf("runs.max_concurrent must be positive")
	}
	switch c.Storage.Type {
	case "none", "memory", "sqlite":
	default:
		return fmt.Errorf("storage.type %q not supported", c.Storage.Type)
	}
	for i, st := range c.Stages {
		if st.Name == "" {
			return fmt.Errorf("stages[%d]: name is required", i)
		}
		if st.Type != "" && st.Type != "webhook" {
			return fmt.Errorf("stage %s: type %q not supported", st.Name, st.Type)
		}
		if st.URL == "" {
			return fmt.Errorf("stage %s: url is required", st.Name)
		}
		if st.MaxRetries < 0 {
			return fmt.Errorf("stage %s: max_retries must not be negative", st.Name)
		}
	}
	for i, p := range c.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("pipelines[%d]: name is required", i)
		}
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// rawBytes is a koanf provider over an in-memory document.
type rawBytes []byte

func (b rawBytes) ReadBytes() ([]byte, error) { return b, nil }

func (b rawBytes) Read() (map[string]interface{}, error) {
	return nil, fmt.Errorf("rawBytes provider does not support Read")
}
