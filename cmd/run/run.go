// Package run implements the long-running console command.
package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tphakala/sentinel-console/internal/console"
	"github.com/tphakala/sentinel-console/internal/logger"
)

// Command creates the run command: follow the backend and serve the API until
// interrupted.
func Command(ctx *console.Context) *cobra.Command {
	var noAPI bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the console engine and HTTP API",
		Long:  "Connect to the backend, keep the live state reconciled and serve it over the local HTTP API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(sigCtx, ctx, !noAPI)
		},
	}

	cmd.Flags().BoolVar(&noAPI, "no-api", false, "Do not start the HTTP API")
	return cmd
}

// Run assembles the console and blocks until runCtx is canceled.
func Run(runCtx context.Context, ctx *console.Context, withAPI bool) error {
	c, err := console.New(ctx.Logger, ctx.Settings, ctx.Build, console.Options{
		Push:   true,
		API:    withAPI,
		Notify: true,
	})
	if err != nil {
		return err
	}

	ctx.Logger.Info("starting sentinel console",
		logger.String("version", ctx.Build.GetVersion()),
		logger.String("transport", ctx.Settings.Backend.Transport))
	return c.Run(runCtx)
}
