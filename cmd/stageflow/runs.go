package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/pipeline"
)

// errRunFailed makes the process exit non-zero when a watched run does not
// complete.
var errRunFailed = errors.New("run did not complete")

func newSubmitCmd(opts *globalOptions) *cobra.Command {
	var (
		req   pipeline.Request
		seeds []string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a pipeline run",
		Long: `Submit a run and print its id. With --watch, follow the run until it
finishes and exit non-zero unless it completed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := parseSeeds(seeds)
			if err != nil {
				return err
			}
			req.Seed = seed

			c := opts.client()
			id, err := c.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}

			if !watch {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			return watchRun(cmd, opts, id)
		},
	}

	cmd.Flags().StringVarP(&req.Pipeline, "pipeline", "p", "", "pipeline name (default: server default)")
	cmd.Flags().StringVarP(&req.Query, "query", "q", "", "analysis question")
	cmd.Flags().StringVarP(&req.FileID, "file", "f", "", "uploaded file id")
	cmd.Flags().StringArrayVar(&seeds, "seed", nil, "extra context entry as key=value (repeatable)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the run until it finishes")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := opts.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), *run, opts.json)
		},
	}
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
		Long: `Request cancellation. A run that has not started is cancelled at once;
otherwise it stops before its next stage.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := opts.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), *run, opts.json)
		},
	}
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchRun(cmd, opts, args[0])
		},
	}
}

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := opts.client().ListActive(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newPipelinesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List the server's pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := opts.client().Pipelines(cmd.Context())
			if err != nil {
				return err
			}
			for _, d := range defs {
				line := d.Name + ": " + strings.Join(d.Stages, " -> ")
				if d.Branch != nil {
					line += fmt.Sprintf(" [branch after %s on %s: %s]",
						d.Branch.Stage, d.Branch.Key, strings.Join(d.Branch.Alternatives, "|"))
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

// watchRun streams snapshots until the run is terminal and prints the
// final state.
func watchRun(cmd *cobra.Command, opts *globalOptions, id string) error {
	// Watching has no deadline of its own; interrupting the command ends it.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	snapshots, err := opts.client().Watch(ctx, id)
	if err != nil {
		return err
	}

	var last *domain.RunState
	for run := range snapshots {
		last = &run
		if !opts.json {
			printTransition(cmd.ErrOrStderr(), run)
		}
	}

	if last == nil || !last.Terminal() {
		return fmt.Errorf("stream for run %s ended before it finished", id)
	}
	if err := printRun(cmd.OutOrStdout(), *last, opts.json); err != nil {
		return err
	}
	if last.Status != domain.RunCompleted {
		return errRunFailed
	}
	return nil
}

// parseSeeds turns key=value flags into a seed map.
func parseSeeds(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	seed := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid seed %q, want key=value", p)
		}
		seed[k] = v
	}
	return seed, nil
}
