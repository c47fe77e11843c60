package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "relay",
		Short: "Relay - durable dispatcher/worker loop for agent CLIs",
		Long: `Relay drives external agent CLIs through a dispatch, work and review loop.
All run state lives on a file blackboard, so a run can be interrupted at any
point and resumed from its last checkpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors:      true,
		SilenceUsage:       true,
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "relay.yaml", "run config file (yaml or json)")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newResetCmd(opts))
	root.AddCommand(newBackendsCmd(opts))
	root.AddCommand(newValidateDecisionCmd(opts))
	return root
}

// exitCode maps an error from Execute to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func main() {
	err := newRootCmd().Execute()
	var ee *exitError
	if err != nil && (!errors.As(err, &ee) || ee.err != nil) {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}
