package command

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adamavenir/codeindex/internal/mcp"
)

// NewServeCmd creates the serve command.
func NewServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the index_project and semantic_search tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := GetContext(cmd, false)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			if addr := a.Config.MetricsAddr; addr != "" {
				g.Go(func() error { return a.ServeMetrics(ctx, addr) })
			}
			g.Go(func() error {
				defer stop()
				return mcp.NewServer(version, a.Tools(), a.Logger.Logger).Run(ctx)
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return writeCommandError(cmd, err)
			}
			return nil
		},
	}

	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	return cmd
}
