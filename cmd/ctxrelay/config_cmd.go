package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dan-solli/ctxrelay/pkg/config"
)

func newConfigCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(out, cfg)
			}
			color.New(color.FgGreen).Fprint(out, "✓ ")
			fmt.Fprintln(out, "configuration is valid")
			fmt.Fprintf(out, "  store:      %s\n", describeStore(cfg.Store))
			fmt.Fprintf(out, "  embeddings: %s %s\n", cfg.Embeddings.Provider, cfg.Embeddings.Model)
			fmt.Fprintf(out, "  http:       %s\n", cfg.Server.HTTPAddr)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(config.Default())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	return cmd
}
