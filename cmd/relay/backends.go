package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danshapiro/relay/internal/relay/adapter"
	"github.com/danshapiro/relay/internal/relay/engine"
)

func newBackendsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List agent CLI backends and whether they are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			var cfg *engine.RunConfigFile
			if c, err := engine.LoadRunConfigFile(root.configPath); err == nil {
				cfg = c
			}
			listBackends(ctx, cmd.OutOrStdout(), adapter.DefaultRegistry(), cfg)
			return nil
		},
	}
}

// listBackends probes every registered backend. With a config, the exec
// backend and each role's named backend get their configured settings.
func listBackends(ctx context.Context, w io.Writer, reg *adapter.Registry, cfg *engine.RunConfigFile) {
	configs := map[string]adapter.Config{}
	if cfg != nil {
		for _, bc := range []engine.BackendConfig{cfg.Backends.Worker, cfg.Backends.Dispatcher} {
			configs[bc.Name] = cfg.AdapterConfig(bc)
		}
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tEXECUTABLE\tSTATUS")
	for _, name := range reg.Names() {
		b, err := reg.New(name, configs[name])
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\tunusable: %v\n", name, err)
			continue
		}
		status := "available"
		if err := reg.Available(ctx, b); err != nil {
			status = "unavailable: " + err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, b.Executable(), status)
	}
	_ = tw.Flush()
	if cfg != nil {
		fmt.Fprintf(w, "dispatcher=%s\nworker=%s\n", cfg.Backends.Dispatcher.Name, cfg.Backends.Worker.Name)
	}
}
