// Package engine runs the relay loop: each iteration the dispatcher decides
// what happens next, and the engine routes to a worker, a human, or
// termination. All state lives on the blackboard so a run can stop at any
// point and resume from its last checkpoint.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/relay/internal/relay/adapter"
	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/control"
	"github.com/danshapiro/relay/internal/relay/decision"
	"github.com/danshapiro/relay/internal/relay/failure"
	"github.com/danshapiro/relay/internal/relay/oplog"
	"github.com/danshapiro/relay/internal/relay/procutil"
	"github.com/danshapiro/relay/internal/relay/resume"
	"github.com/danshapiro/relay/internal/relay/retry"
	"github.com/danshapiro/relay/internal/relay/runtime"
)

// Runner is the part of *adapter.Runner the engine drives.
type Runner interface {
	Run(ctx context.Context, req adapter.Request) (*adapter.RunResult, error)
	RunCompacted(ctx context.Context, req adapter.Request) (*adapter.RunResult, error)
}

// Runners are per role. The dispatcher keeps one session across
// iterations; the worker starts fresh for every worker, review and summary
// stage.
type Runners struct {
	Dispatcher Runner
	Worker     Runner
}

type Options struct {
	Config      *RunConfigFile
	Board       *blackboard.Board
	Runners     Runners
	Interviewer control.Interviewer
	Prompts     PromptBuilder
	Readiness   Readiness
	Log         *oplog.Log
	// Sleep overrides the stage retry sleep (tests).
	Sleep func(context.Context, time.Duration) bool
}

type Engine struct {
	cfg         *RunConfigFile
	board       *blackboard.Board
	ledger      *blackboard.Ledger
	resume      *resume.Manager
	validator   *decision.Validator
	detector    retry.Detector
	policy      retry.Policy
	runners     Runners
	interviewer control.Interviewer
	prompts     PromptBuilder
	readiness   Readiness
	log         *oplog.Log
	now         func() time.Time

	runID string
}

// New validates opts. Runners and an interviewer are only needed by Run;
// NewTask and Reset work without them.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("engine: config is required")
	}
	if opts.Board == nil {
		return nil, fmt.Errorf("engine: blackboard is required")
	}
	v, err := decision.NewValidator(opts.Config.DecisionOptions())
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:         opts.Config,
		board:       opts.Board,
		ledger:      opts.Board.Ledger(),
		resume:      resume.NewManager(opts.Board),
		validator:   v,
		detector:    opts.Config.Detector(),
		policy:      opts.Config.RetryPolicy(),
		runners:     opts.Runners,
		interviewer: opts.Interviewer,
		prompts:     opts.Prompts,
		readiness:   opts.Readiness,
		log:         opts.Log,
		now:         time.Now,
	}
	e.policy.Sleep = opts.Sleep
	if e.prompts == nil {
		e.prompts = DefaultPrompts{}
	}
	if e.readiness == nil {
		e.readiness = ChecklistReadiness{}
	}
	return e, nil
}

func (e *Engine) Board() *blackboard.Board { return e.board }

// Run starts at the next uncommitted iteration, or resumes from resume.json,
// and loops until the run terminates, halts, fails or is interrupted. The
// outcome is also written to final.json. The error is non-nil for failed and
// interrupted runs.
func (e *Engine) Run(ctx context.Context) (*runtime.FinalOutcome, error) {
	if e.runners.Dispatcher == nil || e.runners.Worker == nil {
		return nil, fmt.Errorf("engine: dispatcher and worker runners are required")
	}
	if e.interviewer == nil {
		return nil, fmt.Errorf("engine: interviewer is required")
	}
	release, err := e.lock()
	if err != nil {
		return nil, err
	}
	defer release()

	e.runID = ulid.Make().String()
	if err := e.board.Remove(blackboard.FinalFile); err != nil {
		return nil, err
	}
	e.log.Info("run started", oplog.Fields{"run_id": e.runID, "blackboard": e.board.Root()})

	n, st, err := e.startPosition()
	if err != nil {
		return e.fail(n, err)
	}
	for {
		if limit := e.cfg.Engine.MaxIterations; limit > 0 && n > limit {
			reason := fmt.Sprintf("max_iterations %d reached", limit)
			if err := e.record(n-1, blackboard.TransitionHalt, "", "", map[string]any{"reason": reason}); err != nil {
				return e.fail(n-1, err)
			}
			return e.finish(n-1, runtime.FinalHalted, reason)
		}
		it, err := e.iteration(ctx, n, st)
		st = nil
		if err != nil {
			return e.fail(n, err)
		}
		if it.stop {
			return e.finish(n, it.status, it.reason)
		}
		n++
	}
}

// startPosition loads and verifies the checkpoint. A checkpoint for an
// iteration the ledger already committed is stale and dropped.
func (e *Engine) startPosition() (int, *resume.State, error) {
	last, err := e.ledger.LastCommittedIteration()
	if err != nil {
		return 0, nil, err
	}
	st, err := e.resume.Load()
	if err != nil {
		return last + 1, nil, err
	}
	if st == nil {
		return last + 1, nil, nil
	}
	if st.Iteration <= last {
		e.log.Warn("dropping stale checkpoint", oplog.Fields{"iteration": st.Iteration, "committed": last})
		if err := e.resume.Clear(); err != nil {
			return last + 1, nil, err
		}
		return last + 1, nil, nil
	}
	e.log.Info("resuming", oplog.Fields{"iteration": st.Iteration, "phase": string(st.Phase), "target": st.Target})
	err = e.record(st.Iteration, blackboard.TransitionResume, decision.Target(st.Target), "", map[string]any{"phase": string(st.Phase)})
	return st.Iteration, st, err
}

func (e *Engine) fail(n int, cause error) (*runtime.FinalOutcome, error) {
	status := runtime.FinalFail
	class := failure.ClassOf(cause)
	if class == failure.ClassInterrupted {
		status = runtime.FinalInterrupted
	}
	e.log.Error("run stopped", oplog.Fields{"iteration": n, "class": string(class), "error": cause.Error()})
	fo, err := e.writeFinal(n, status, cause.Error(), string(class))
	if err != nil {
		return fo, errors.Join(cause, err)
	}
	return fo, cause
}

// finish concludes a run that ended normally (success or halted). The
// checkpoint is cleared; failed and interrupted runs keep theirs.
func (e *Engine) finish(n int, status runtime.FinalStatus, reason string) (*runtime.FinalOutcome, error) {
	if err := e.resume.Clear(); err != nil {
		return nil, err
	}
	fields := oplog.Fields{"iteration": n, "status": string(status)}
	if reason != "" {
		fields["reason"] = reason
	}
	if status == runtime.FinalSuccess {
		e.log.Info("run finished", fields)
	} else {
		e.log.Warn("run finished", fields)
	}
	return e.writeFinal(n, status, reason, "")
}

func (e *Engine) writeFinal(n int, status runtime.FinalStatus, reason, class string) (*runtime.FinalOutcome, error) {
	fo := &runtime.FinalOutcome{
		Timestamp:     e.now().UTC(),
		Status:        status,
		RunID:         e.runID,
		Iteration:     n,
		FailureReason: reason,
		FailureClass:  class,
	}
	if e.board.Exists(blackboard.UnresolvedFile) && status == runtime.FinalHalted {
		fo.ReportPath = e.board.Path(blackboard.UnresolvedFile)
	}
	if err := fo.Save(e.board.Path(blackboard.FinalFile)); err != nil {
		return fo, fmt.Errorf("write final outcome: %w", err)
	}
	return fo, nil
}

// lock claims run.pid. A live pid other than ours refuses the run.
func (e *Engine) lock() (func(), error) {
	if err := e.checkNotRunning(); err != nil {
		return nil, err
	}
	path := e.board.Path(blackboard.PIDFile)
	if err := runtime.WriteFileAtomic(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", blackboard.PIDFile, err)
	}
	return func() { _ = e.board.Remove(blackboard.PIDFile) }, nil
}

func (e *Engine) checkNotRunning() error {
	pid := procutil.ReadPIDFile(e.board.Path(blackboard.PIDFile))
	if pid > 0 && pid != os.Getpid() && procutil.PIDAlive(pid) {
		return fmt.Errorf("another relay run is active (pid %d)", pid)
	}
	return nil
}

// Start implements control.Target. Anything short of success is an error.
func (e *Engine) Start(ctx context.Context) error {
	fo, err := e.Run(ctx)
	if err != nil {
		return err
	}
	if fo.Status != runtime.FinalSuccess {
		return fmt.Errorf("run %s: %s", fo.Status, fo.FailureReason)
	}
	return nil
}

// StartNewTask replaces the goal and starts a run for it.
func (e *Engine) StartNewTask(ctx context.Context, goal string) error {
	if err := e.NewTask(goal); err != nil {
		return err
	}
	return e.Start(ctx)
}

// NewTask writes goal.md, retires the current plan through the stage/commit
// path (so it is backed up), and discards per-iteration files and any
// checkpoint. Iteration numbering continues.
func (e *Engine) NewTask(goal string) error {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return fmt.Errorf("goal text is required")
	}
	if err := e.checkNotRunning(); err != nil {
		return err
	}
	last, err := e.ledger.LastCommittedIteration()
	if err != nil {
		return err
	}
	if e.resume.Exists() {
		e.log.Warn("new task discards checkpoint", oplog.Fields{"committed": last})
	}
	if err := e.board.WriteAtomic(blackboard.GoalFile, []byte(goal+"\n")); err != nil {
		return err
	}
	backup := ""
	if e.board.Exists(blackboard.PlanFile) {
		if err := e.board.StagePlan(""); err != nil {
			return err
		}
		if backup, err = e.board.CommitPlan(last); err != nil {
			return err
		}
	}
	if err := e.clearIterationFiles(true); err != nil {
		return err
	}
	return e.record(last, blackboard.TransitionNewTask, "", "", map[string]any{"goal": goal, "plan_backup": backup})
}

// Reset drops the checkpoint and the last outcome so the next start begins
// at the next uncommitted iteration.
func (e *Engine) Reset() error {
	if err := e.checkNotRunning(); err != nil {
		return err
	}
	last, err := e.ledger.LastCommittedIteration()
	if err != nil {
		return err
	}
	if err := e.clearIterationFiles(false); err != nil {
		return err
	}
	if err := e.board.Remove(blackboard.FinalFile); err != nil {
		return err
	}
	return e.record(last, blackboard.TransitionReset, "", "", nil)
}

func (e *Engine) clearIterationFiles(all bool) error {
	files := []string{blackboard.ResumeFile, blackboard.PatchJournalFile, blackboard.HumanRequestFile, blackboard.HumanAnswerFile}
	if all {
		files = append(files, blackboard.DecisionFile, blackboard.FinishReviewFile, blackboard.ReportFile, blackboard.UnresolvedFile)
	}
	for _, rel := range files {
		if err := e.board.Remove(rel); err != nil {
			return err
		}
	}
	return nil
}

// record appends one ledger entry and logs the transition.
func (e *Engine) record(n int, transition string, target decision.Target, blocker string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	if e.runID != "" {
		detail["run_id"] = e.runID
	}
	if _, err := e.ledger.Append(blackboard.LedgerEntry{
		Iteration:  n,
		Transition: transition,
		Target:     string(target),
		Blocker:    blocker,
		Detail:     detail,
	}); err != nil {
		return fmt.Errorf("ledger %s: %w", transition, err)
	}
	fields := oplog.Fields{"iteration": n, "transition": transition}
	if target != "" {
		fields["target"] = string(target)
	}
	e.log.Info("transition", fields)
	return nil
}
