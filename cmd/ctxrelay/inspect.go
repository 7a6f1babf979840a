package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dan-solli/ctxrelay/pkg/config"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

// openStore loads config and opens the store for read-only commands.
func openStore(opts *rootOptions) (store.ContextStore, *config.Config, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Backend == config.BackendMemory {
		return nil, nil, &commandError{msg: "the memory backend keeps nothing between runs; configure sqlite or badger"}
	}
	st, err := cfg.OpenStore()
	if err != nil {
		return nil, nil, &commandError{msg: "failed to open store", err: err}
	}
	return st, cfg, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInspectCommand(rootOpts *rootOptions) *cobra.Command {
	var showContent bool

	cmd := &cobra.Command{
		Use:   "inspect <context-id>",
		Short: "Show a stored context packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			p, err := st.Get(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return &commandError{msg: fmt.Sprintf("context %s not found", args[0])}
			}
			if err != nil {
				return err
			}

			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), p)
			}
			printPacket(cmd.OutOrStdout(), p, showContent)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showContent, "content", false, "print fragment content")
	return cmd
}

func printPacket(w io.Writer, p *store.ContextPacket, showContent bool) {
	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)

	bold.Fprintf(w, "%s", p.ContextID)
	gray.Fprintf(w, "  session=%s version=%d updated=%s\n", p.SessionID, p.Version, p.UpdatedAt.Format(time.RFC3339))

	fmt.Fprintf(w, "\nFragments (%d)\n", len(p.Fragments))
	for _, f := range p.Fragments {
		fmt.Fprintf(w, "  %s  %-8s importance=%.2f confidence=%.2f", f.FragmentID, f.Metadata.Type, f.Metadata.Importance, f.Metadata.Confidence)
		if f.Metadata.SourceAgent != "" {
			gray.Fprintf(w, " from=%s", f.Metadata.SourceAgent)
		}
		fmt.Fprintln(w)
		if showContent {
			fmt.Fprintf(w, "    %s\n", truncate(f.Text(), 200))
		}
	}

	fmt.Fprintf(w, "\nDecisions (%d)\n", len(p.DecisionTrace))
	for _, d := range p.DecisionTrace {
		gray.Fprintf(w, "  %s ", d.Timestamp.Format(time.RFC3339))
		color.New(color.FgCyan).Fprintf(w, "%s", d.Agent)
		if d.Operation != "" {
			fmt.Fprintf(w, " [%s]", d.Operation)
		}
		fmt.Fprintf(w, " %s\n", d.Decision)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

func newVersionsCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <context-id>",
		Short: "List version snapshots of a context, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			snaps, err := st.ListSnapshots(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				if snaps == nil {
					snaps = []*store.VersionSnapshot{}
				}
				return writeJSON(out, snaps)
			}
			if len(snaps) == 0 {
				fmt.Fprintf(out, "No versions for context: %s\n", args[0])
				return nil
			}
			for _, s := range snaps {
				color.New(color.FgGreen).Fprintf(out, "v%-4d", s.VersionNumber)
				fmt.Fprintf(out, " %s  %s", s.VersionID, s.Timestamp.Format(time.RFC3339))
				if s.Label != "" {
					color.New(color.FgYellow).Fprintf(out, "  [%s]", s.Label)
				}
				fmt.Fprintf(out, "\n      %s\n", s.Summary)
			}
			return nil
		},
	}
}

func newListCommand(rootOpts *rootOptions) *cobra.Command {
	var listOpts store.ListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored contexts, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			summaries, err := st.List(cmd.Context(), listOpts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				if summaries == nil {
					summaries = []store.ContextSummary{}
				}
				return writeJSON(out, summaries)
			}
			for _, s := range summaries {
				fmt.Fprintf(out, "%s  session=%s version=%d fragments=%d updated=%s\n",
					s.ContextID, s.SessionID, s.Version, s.FragmentCount, s.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listOpts.SessionID, "session", "", "only contexts of this session")
	cmd.Flags().IntVar(&listOpts.Limit, "limit", 20, "maximum number of contexts (0 for all)")
	return cmd
}
