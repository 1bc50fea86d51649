package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petrijr/taskflow/internal/app"
	"github.com/petrijr/taskflow/internal/config"
	"github.com/petrijr/taskflow/internal/graph"
	"github.com/petrijr/taskflow/internal/logging"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "taskflow",
		Short:         "Route work items through workflow task graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to taskflow.yaml (default: ./taskflow.yaml or ./config/taskflow.yaml)")

	root.AddCommand(newServeCmd(&configPath), newValidateCmd())
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error("store_close_failed", "error", err)
				}
			}()
			return a.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate PATH...",
		Short: "Check workflow graph files and list what they declare",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateGraphs(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
}

func validateGraphs(ctx context.Context, out io.Writer, paths []string) error {
	reg := graph.NewRegistry()
	if err := reg.LoadFiles(paths); err != nil {
		return err
	}
	workflows := reg.Workflows()
	for _, wf := range workflows {
		begin, err := reg.GetBeginTask(ctx, wf.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s v%d: %d tasks, %d routes, begins at %s\n",
			wf.ID, wf.Version, len(wf.Tasks), len(wf.Routes), begin.ID)
	}
	fmt.Fprintf(out, "ok: %d workflow(s)\n", len(workflows))
	return nil
}
