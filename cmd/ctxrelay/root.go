package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dan-solli/ctxrelay/pkg/config"
)

// Exit codes.
const (
	exitFailure      = 1
	exitCommandError = 2
)

// commandError marks failures caused by bad invocation or configuration.
type commandError struct {
	msg string
	err error
}

func (e *commandError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *commandError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ce *commandError
	if errors.As(err, &ce) {
		return exitCommandError
	}
	return exitFailure
}

// rootOptions holds global flags.
type rootOptions struct {
	ConfigPath string
	Format     string // text | json
}

var validFormats = []string{"text", "json"}

// load reads the configured file. Without --config or CTXRELAY_CONFIG the
// defaults are used.
func (o *rootOptions) load() (*config.Config, error) {
	path := o.ConfigPath
	if path == "" {
		path = os.Getenv("CTXRELAY_CONFIG")
	}
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &commandError{msg: "failed to load config", err: err}
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ctxrelay",
		Short:         "Context evolution engine for multi-agent workflows",
		Long:          "ctxrelay keeps shared context packets for cooperating agents: relay, merge, prune and version them over HTTP.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return &commandError{msg: fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats)}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (yaml or toml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))
	cmd.AddCommand(newVersionsCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))

	return cmd
}
