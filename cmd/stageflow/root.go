package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/stageflow/internal/client"
	"github.com/tjfontaine/stageflow/internal/core/domain"
)

const defaultServer = "http://localhost:8080"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	server  string
	timeout time.Duration
	json    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "stageflow",
		Short: "Pipeline orchestration server and client",
		Long: `stageflow runs multi-stage analysis pipelines. "serve" starts the
server; the other commands submit, inspect and cancel runs on a running
server.`,
		SilenceUsage: true,
	}

	server := os.Getenv("STAGEFLOW_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "server base URL (env STAGEFLOW_SERVER)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print runs as JSON")

	root.AddCommand(
		newServeCmd(),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newWatchCmd(opts),
		newListCmd(opts),
		newPipelinesCmd(opts),
	)
	return root
}

func (o *globalOptions) client() *client.Client {
	return client.New(o.server, client.WithTimeout(o.timeout))
}

// parseLevel maps a config log level to slog. Unknown values mean info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printRun(w io.Writer, run domain.RunState, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	fmt.Fprintf(w, "Run: %s\n", run.ID)
	fmt.Fprintf(w, "Pipeline: %s\n", run.Pipeline)
	fmt.Fprintf(w, "Status: %s\n", run.Status)
	if run.CurrentStage != "" {
		fmt.Fprintf(w, "Current: %s\n", run.CurrentStage)
	}
	if len(run.CompletedStages) > 0 {
		fmt.Fprintf(w, "Completed: %s\n", strings.Join(run.CompletedStages, ", "))
	}
	if len(run.FailedStages) > 0 {
		fmt.Fprintf(w, "Failed: %s\n", strings.Join(run.FailedStages, ", "))
	}
	for _, route := range run.Routes {
		note := ""
		if route.Fallback {
			note = " (fallback)"
		}
		fmt.Fprintf(w, "Route: %s -> %s%s\n", route.Stage, route.Selected, note)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error: [%s] %s\n", run.Category, run.Error)
	}
	return nil
}

// printTransition writes one line per observed snapshot while watching.
func printTransition(w io.Writer, run domain.RunState) {
	switch {
	case run.Terminal() && run.Error != "":
		fmt.Fprintf(w, "%s %s: [%s] %s\n", run.ID, run.Status, run.Category, run.Error)
	case run.Terminal():
		fmt.Fprintf(w, "%s %s (%d stages)\n", run.ID, run.Status, len(run.CompletedStages))
	case run.CurrentStage != "":
		fmt.Fprintf(w, "%s %s: %s\n", run.ID, run.Status, run.CurrentStage)
	default:
		fmt.Fprintf(w, "%s %s\n", run.ID, run.Status)
	}
}
