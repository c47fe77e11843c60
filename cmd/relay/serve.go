package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/relay/internal/relay/adapter"
	"github.com/danshapiro/relay/internal/relay/control"
)

const serveHelp = `commands:
  start                 start or resume the run
  new <goal>            start a new task with goal
  interrupt             stop the run in progress (resumable)
  reset                 drop the checkpoint and last outcome
  answer <option> [txt] answer the pending human question
  question              show the pending human question
  quit                  interrupt anything running and exit`

func newServeCmd(root *rootOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept control commands on stdin",
		Long:  "Serve keeps a controller open and reads one command per line from stdin.\n\n" + serveHelp,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openSession(root.configPath, consoleFor(quiet))
			if err != nil {
				return err
			}
			defer s.Close()
			runners, err := s.runners(ctx, adapter.DefaultRegistry())
			if err != nil {
				return err
			}
			iv := control.NewChannelInterviewer()
			e, err := s.engine(runners, iv)
			if err != nil {
				return err
			}
			return serveLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), control.New(s.log, s.handle), iv, e)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not echo the operator log to stderr")
	return cmd
}

// serveLoop reads commands from in until quit, EOF or ctx is done. On EOF it
// waits for accepted commands to finish; quit and ctx interrupt them.
func serveLoop(ctx context.Context, in io.Reader, out io.Writer, ctl *control.Controller, iv *control.ChannelInterviewer, t control.Target) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- ctl.Serve(serveCtx, t) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-serveCtx.Done():
				return
			}
		}
	}()

	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	outstanding := 0
	announced := ""
	draining := false
	input := lines
	for {
		if draining && outstanding == 0 {
			cancel()
			<-served
			return nil
		}
		select {
		case <-ctx.Done():
			if ctl.Busy() {
				_, _ = ctl.Submit(control.KindInterrupt, "")
			}
			draining = true
			input = nil
			if outstanding == 0 {
				cancel()
				<-served
				return nil
			}
		case line, ok := <-input:
			if !ok {
				draining = true
				input = nil
				continue
			}
			accepted, quit := handleServeLine(out, line, ctl, iv)
			outstanding += accepted
			if quit {
				if ctl.Busy() {
					_, _ = ctl.Submit(control.KindInterrupt, "")
				}
				draining = true
				input = nil
			}
		case r := <-ctl.Results():
			outstanding--
			if r.Err != nil {
				fmt.Fprintf(out, "result %s %s: %v\n", r.Command.Kind, r.Command.ID, r.Err)
			} else {
				fmt.Fprintf(out, "result %s %s: ok\n", r.Command.Kind, r.Command.ID)
			}
		case <-tick.C:
			if q, ok := iv.Pending(); ok && q.ID != announced {
				announced = q.ID
				printQuestion(out, q)
			}
		}
	}
}

// handleServeLine executes one command line. accepted is 1 when a command
// that will publish a result was queued.
func handleServeLine(out io.Writer, line string, ctl *control.Controller, iv *control.ChannelInterviewer) (accepted int, quit bool) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	submit := func(kind control.Kind, goal string) int {
		cmd, err := ctl.Submit(kind, goal)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return 0
		}
		fmt.Fprintf(out, "accepted %s %s\n", cmd.Kind, cmd.ID)
		if kind == control.KindInterrupt {
			return 0
		}
		return 1
	}
	switch strings.ToLower(verb) {
	case "":
	case "start":
		return submit(control.KindStart, ""), false
	case "new":
		return submit(control.KindStartNewTask, rest), false
	case "interrupt":
		return submit(control.KindInterrupt, ""), false
	case "reset":
		return submit(control.KindReset, ""), false
	case "answer":
		option, text, _ := strings.Cut(rest, " ")
		if err := iv.Answer(option, strings.TrimSpace(text)); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return 0, false
		}
		fmt.Fprintf(out, "answered %s\n", option)
	case "question":
		if q, ok := iv.Pending(); ok {
			printQuestion(out, q)
		} else {
			fmt.Fprintln(out, "no question is pending")
		}
	case "help":
		fmt.Fprintln(out, serveHelp)
	case "quit", "exit":
		return 0, true
	default:
		fmt.Fprintf(out, "error: unknown command %q (try help)\n", verb)
	}
	return 0, false
}

func printQuestion(out io.Writer, q control.Question) {
	fmt.Fprintf(out, "question %s: %s\n", q.ID, q.Title)
	if q.Text != "" {
		fmt.Fprintf(out, "  %s\n", q.Text)
	}
	for _, o := range q.Options {
		mark := " "
		if o.ID == q.Recommendation {
			mark = "*"
		}
		fmt.Fprintf(out, " %s %s: %s\n", mark, o.ID, o.Label)
	}
}
