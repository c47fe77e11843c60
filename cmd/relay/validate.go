package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danshapiro/relay/internal/relay/decision"
)

func newValidateDecisionCmd(root *rootOptions) *cobra.Command {
	var (
		strict bool
		allow  []string
	)
	cmd := &cobra.Command{
		Use:   "validate-decision [file|-]",
		Short: "Check a dispatcher decision the way the engine would",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "-"
			if len(args) == 1 {
				src = args[0]
			}
			var (
				data []byte
				err  error
			)
			if src == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(src)
			}
			if err != nil {
				return err
			}
			d, err := decision.Parse(string(data), decision.Options{Strict: strict, AllowedArtifacts: allow})
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			printDecision(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "require a bare JSON object with no unknown fields")
	cmd.Flags().StringSliceVar(&allow, "allow", nil, "allowed patch artifact globs (default *.md, specs/**/*.md)")
	return cmd
}

func printDecision(w io.Writer, d *decision.Decision) {
	fmt.Fprintf(w, "ok target=%s\n", d.Target)
	if d.Change != "" {
		fmt.Fprintf(w, "change=%s\n", d.Change)
	}
	if d.Task != "" {
		fmt.Fprintf(w, "task=%s\n", d.Task)
	}
	if len(d.Scope) > 0 {
		fmt.Fprintf(w, "scope=%s\n", strings.Join(d.Scope, ","))
	}
	if len(d.Patches) > 0 {
		fmt.Fprintf(w, "patches=%d\n", len(d.Patches))
	}
	if d.HasPlanUpdate() {
		fmt.Fprintln(w, "plan_update=yes")
	}
	if d.Human != nil {
		ids := make([]string, 0, len(d.Human.Options))
		for _, o := range d.Human.Options {
			ids = append(ids, o.ID)
		}
		fmt.Fprintf(w, "human=%s options=%s\n", d.Human.Title, strings.Join(ids, ","))
	}
}
