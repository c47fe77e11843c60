package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danshapiro/relay/internal/relay/adapter"
	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/control"
	"github.com/danshapiro/relay/internal/relay/engine"
	"github.com/danshapiro/relay/internal/relay/oplog"
	"github.com/danshapiro/relay/internal/relay/procutil"
	"github.com/danshapiro/relay/internal/relay/runtime"
)

type runOptions struct {
	newTask    string
	autoAnswer bool
	quiet      bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start or resume a run in the foreground",
		Long: `Run starts at the next uncommitted iteration, or resumes from the
checkpoint left by an interrupted run. Exit status: 0 success, 1 failure,
2 halted, 3 interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(cmd.Context(), root.configPath, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.newTask, "new-task", "", "replace the goal, retire the current plan, and start fresh")
	cmd.Flags().BoolVar(&opts.autoAnswer, "auto-answer", false, "answer human questions with the recommended option")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "do not echo the operator log to stderr")
	return cmd
}

func runForeground(parent context.Context, configPath string, opts *runOptions, stdout io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	s, err := openSession(configPath, consoleFor(opts.quiet))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	stop := interruptOnSignal(cancel, s.handle, s.log)
	defer stop()

	runners, err := s.runners(ctx, adapter.DefaultRegistry())
	if err != nil {
		return err
	}
	var iv control.Interviewer = &control.FileInterviewer{Board: s.board, Log: s.log}
	if opts.autoAnswer {
		iv = control.AutoInterviewer{}
	}
	e, err := s.engine(runners, iv)
	if err != nil {
		return err
	}
	if goal := strings.TrimSpace(opts.newTask); goal != "" {
		if err := e.NewTask(goal); err != nil {
			return err
		}
	} else if g, _ := s.board.ReadString(blackboard.GoalFile); strings.TrimSpace(g) == "" {
		return fmt.Errorf("%s is empty; start with --new-task \"<goal>\"", s.board.Path(blackboard.GoalFile))
	}

	fo, runErr := e.Run(ctx)
	if fo == nil {
		return runErr
	}
	printOutcome(stdout, s.board, fo)
	if code := fo.Status.ExitCode(); code != 0 {
		return &exitError{code: code, err: runErr}
	}
	return nil
}

func printOutcome(w io.Writer, b *blackboard.Board, fo *runtime.FinalOutcome) {
	fmt.Fprintf(w, "run_id=%s\n", fo.RunID)
	fmt.Fprintf(w, "status=%s\n", fo.Status)
	fmt.Fprintf(w, "iteration=%d\n", fo.Iteration)
	fmt.Fprintf(w, "final=%s\n", b.Path(blackboard.FinalFile))
	if fo.FailureReason != "" {
		fmt.Fprintf(w, "reason=%s\n", fo.FailureReason)
	}
	if fo.ReportPath != "" {
		fmt.Fprintf(w, "report=%s\n", fo.ReportPath)
	}
}

// interruptOnSignal turns SIGINT/SIGTERM into an operator interrupt: the run
// context is cancelled and the live subprocess is terminated.
func interruptOnSignal(cancel context.CancelCauseFunc, handle *procutil.Handle, log *oplog.Log) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			log.Warn("signal received, interrupting", oplog.Fields{"signal": sig.String(), "pid": handle.PID()})
			cancel(control.ErrInterrupted)
			if err := handle.Terminate(); err != nil {
				log.Error("terminate subprocess", oplog.Fields{"error": err.Error()})
			}
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

var _ control.Target = (*engine.Engine)(nil)
