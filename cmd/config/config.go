// Package config implements the command that prints effective settings.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/sentinel-console/internal/conf"
	"github.com/tphakala/sentinel-console/internal/console"
)

// Command creates the config command.
func Command(ctx *console.Context) *cobra.Command {
	var defaults bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective settings as YAML",
		Long:  "Print the settings after merging defaults, the config file, environment variables and flags. Secrets are masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if defaults {
				_, err := fmt.Fprint(cmd.OutOrStdout(), conf.DefaultConfigYAML())
				return err
			}
			out, err := Marshal(ctx.Settings)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().BoolVar(&defaults, "defaults", false, "Print the built-in default config.yaml instead")
	return cmd
}

// Marshal renders settings as YAML with secrets masked.
func Marshal(settings *conf.Settings) ([]byte, error) {
	redacted := settings.Redacted()
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("error marshaling settings: %w", err)
	}
	return out, nil
}
