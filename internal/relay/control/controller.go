// Package control accepts operator commands from a front end, validates them
// against the engine's busy/idle state, and runs them one at a time.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danshapiro/relay/internal/relay/oplog"
	"github.com/danshapiro/relay/internal/relay/procutil"
)

type Kind string

const (
	KindStart        Kind = "start"
	KindStartNewTask Kind = "start_new_task"
	KindInterrupt    Kind = "interrupt"
	KindReset        Kind = "reset"
)

type Command struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Goal        string    `json:"goal,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Result reports how a queued command finished.
type Result struct {
	Command Command
	Err     error
}

// ErrInterrupted is the cancellation cause for operator interrupts.
var ErrInterrupted = errors.New("interrupted by operator")

// Target is what the controller drives; the engine implements it.
type Target interface {
	Start(ctx context.Context) error
	StartNewTask(ctx context.Context, goal string) error
	Reset() error
}

// Controller owns the command queue and the only cross-goroutine state: the
// busy flag and the cancel function of the run in progress. An interrupt
// that arrives while the run is still queued is held in pending until Serve
// picks the run up.
type Controller struct {
	log    *oplog.Log
	handle *procutil.Handle
	queue  chan Command

	mu      sync.Mutex
	busy    bool
	cancel  context.CancelCauseFunc
	pending bool

	results chan Result
}

// New creates a controller. handle is the subprocess handle the engine's
// runners register with; interrupt terminates whatever it tracks.
func New(log *oplog.Log, handle *procutil.Handle) *Controller {
	return &Controller{
		log:     log,
		handle:  handle,
		queue:   make(chan Command, 8),
		results: make(chan Result, 16),
	}
}

// Results delivers one Result per completed start, start_new_task or reset.
func (c *Controller) Results() <-chan Result { return c.results }

// Busy reports whether a run is queued or in progress.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Submit validates cmd against the current state and queues it. Interrupt
// takes effect immediately instead of queueing.
func (c *Controller) Submit(kind Kind, goal string) (Command, error) {
	cmd := Command{ID: uuid.NewString(), Kind: kind, Goal: strings.TrimSpace(goal), SubmittedAt: time.Now().UTC()}
	c.mu.Lock()
	switch kind {
	case KindStart, KindStartNewTask, KindReset:
		if c.busy {
			c.mu.Unlock()
			return Command{}, fmt.Errorf("%s rejected: a run is in progress", kind)
		}
		if kind == KindStartNewTask && cmd.Goal == "" {
			c.mu.Unlock()
			return Command{}, fmt.Errorf("%s rejected: goal text is required", kind)
		}
		if kind != KindReset {
			c.busy = true
		}
	case KindInterrupt:
		if !c.busy {
			c.mu.Unlock()
			return Command{}, fmt.Errorf("interrupt rejected: nothing is running")
		}
		cancel := c.cancel
		if cancel == nil {
			c.pending = true
		}
		c.mu.Unlock()
		c.log.Warn("interrupt requested", oplog.Fields{"command": cmd.ID, "pid": c.handle.PID(), "queued": cancel == nil})
		if cancel != nil {
			cancel(ErrInterrupted)
		}
		if err := c.handle.Terminate(); err != nil {
			c.log.Error("terminate subprocess", oplog.Fields{"error": err.Error()})
		}
		return cmd, nil
	default:
		c.mu.Unlock()
		return Command{}, fmt.Errorf("unknown command %q", kind)
	}
	c.mu.Unlock()

	select {
	case c.queue <- cmd:
	default:
		c.mu.Lock()
		if kind != KindReset {
			c.busy = false
		}
		c.mu.Unlock()
		return Command{}, fmt.Errorf("%s rejected: command queue is full", kind)
	}
	c.log.Info("command accepted", oplog.Fields{"command": cmd.ID, "kind": string(kind)})
	return cmd, nil
}

// Serve executes queued commands sequentially until ctx is done.
func (c *Controller) Serve(ctx context.Context, t Target) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-c.queue:
			c.publish(Result{Command: cmd, Err: c.execute(ctx, t, cmd)})
		}
	}
}

func (c *Controller) execute(ctx context.Context, t Target, cmd Command) error {
	if cmd.Kind == KindReset {
		err := t.Reset()
		c.logResult(cmd, err)
		return err
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	c.mu.Lock()
	c.cancel = cancel
	interrupted := c.pending
	c.pending = false
	c.mu.Unlock()
	defer func() {
		cancel(nil)
		c.mu.Lock()
		c.busy = false
		c.cancel = nil
		c.mu.Unlock()
	}()
	if interrupted {
		err := fmt.Errorf("%s dropped before it started: %w", cmd.Kind, ErrInterrupted)
		c.logResult(cmd, err)
		return err
	}

	var err error
	if cmd.Kind == KindStartNewTask {
		err = t.StartNewTask(runCtx, cmd.Goal)
	} else {
		err = t.Start(runCtx)
	}
	c.logResult(cmd, err)
	return err
}

func (c *Controller) logResult(cmd Command, err error) {
	fields := oplog.Fields{"command": cmd.ID, "kind": string(cmd.Kind)}
	if err != nil {
		fields["error"] = err.Error()
		c.log.Warn("command finished with error", fields)
		return
	}
	c.log.Info("command finished", fields)
}

func (c *Controller) publish(r Result) {
	select {
	case c.results <- r:
	default:
		c.log.Warn("result dropped, nobody is listening", oplog.Fields{"command": r.Command.ID})
	}
}
