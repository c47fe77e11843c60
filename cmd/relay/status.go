package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/danshapiro/relay/internal/relay/engine"
	"github.com/danshapiro/relay/internal/relay/runstate"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	var (
		boardRoot string
		asJSON    bool
		tail      int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the run on the blackboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if boardRoot == "" {
				cfg, err := engine.LoadRunConfigFile(root.configPath)
				if err != nil {
					return err
				}
				boardRoot = cfg.Blackboard.Root
			}
			snap, err := runstate.LoadSnapshot(boardRoot, tail)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&boardRoot, "blackboard", "", "blackboard directory (default from --config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	cmd.Flags().IntVar(&tail, "tail", 10, "operator log lines to include")
	return cmd
}

func printSnapshot(w io.Writer, s *runstate.Snapshot) {
	state := string(s.State)
	switch s.State {
	case runstate.StateSuccess:
		state = color.GreenString(state)
	case runstate.StateFail:
		state = color.RedString(state)
	case runstate.StateHalted, runstate.StateInterrupted, runstate.StateAwaitingHuman:
		state = color.YellowString(state)
	}
	fmt.Fprintf(w, "blackboard=%s\n", s.Root)
	fmt.Fprintf(w, "state=%s\n", state)
	if s.RunID != "" {
		fmt.Fprintf(w, "run_id=%s\n", s.RunID)
	}
	fmt.Fprintf(w, "iteration=%d\n", s.Iteration)
	if s.Phase != "" {
		fmt.Fprintf(w, "phase=%s\n", s.Phase)
	}
	if s.Target != "" {
		fmt.Fprintf(w, "target=%s\n", s.Target)
	}
	if s.LastTransition != "" {
		fmt.Fprintf(w, "last_transition=%s\n", s.LastTransition)
	}
	if !s.LastEventAt.IsZero() {
		fmt.Fprintf(w, "last_event_at=%s\n", s.LastEventAt.Format(time.RFC3339))
	}
	if s.FailureReason != "" {
		fmt.Fprintf(w, "reason=%s\n", s.FailureReason)
	}
	if s.DispatcherSession != "" {
		fmt.Fprintf(w, "dispatcher_session=%s\n", s.DispatcherSession)
	}
	if s.DispatcherTokens > 0 {
		fmt.Fprintf(w, "dispatcher_context_tokens=%d\n", s.DispatcherTokens)
	}
	if s.WorkerSession != "" {
		fmt.Fprintf(w, "worker_session=%s\n", s.WorkerSession)
	}
	if s.PID > 0 {
		fmt.Fprintf(w, "pid=%d\npid_alive=%t\n", s.PID, s.PIDAlive)
	}
	if s.PendingQuestion != "" {
		fmt.Fprintf(w, "pending_question=%s\n", s.PendingQuestion)
	}
	if len(s.LogTail) > 0 {
		fmt.Fprintln(w, "--- operator log ---")
		for _, line := range s.LogTail {
			fmt.Fprintln(w, line)
		}
	}
}
