package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/sentinel-console/cmd/blackout"
	"github.com/tphakala/sentinel-console/cmd/config"
	"github.com/tphakala/sentinel-console/cmd/run"
	"github.com/tphakala/sentinel-console/cmd/status"
	"github.com/tphakala/sentinel-console/internal/console"
)

// RootCommand creates and returns the root command
func RootCommand(ctx *console.Context) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "sentinel",
		Short:         "Sentinel operator console",
		Long:          "Follows a sentinel backend over REST and push, keeps a live view of nodes and detections, and coordinates blackouts.",
		Version:       ctx.Build.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, &configFile); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		run.Command(ctx),
		status.Command(ctx),
		blackout.Command(ctx),
		config.Command(ctx),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Settings are loaded after flag parsing so flags take precedence
		// over the file and the environment.
		var logTo io.Writer
		if cmd.Name() != "run" {
			logTo = cmd.ErrOrStderr()
		}
		return ctx.Init(configFile, logTo)
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return ctx.Close()
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface and
// binds them to their viper keys.
func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configFile, "config", "c", "", "Path to config.yaml (default: search ., user config dir, /etc/sentinel)")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.String("backend-rest", "", "Backend REST base URL")
	flags.String("backend-push", "", "Backend WebSocket push URL")
	flags.String("transport", "", "Push transport (websocket or mqtt)")

	bindings := map[string]string{
		"debug":             "debug",
		"backend.resturl":   "backend-rest",
		"backend.pushurl":   "backend-push",
		"backend.transport": "transport",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}
