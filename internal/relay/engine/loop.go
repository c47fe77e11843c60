package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/control"
	"github.com/danshapiro/relay/internal/relay/decision"
	"github.com/danshapiro/relay/internal/relay/failure"
	"github.com/danshapiro/relay/internal/relay/oplog"
	"github.com/danshapiro/relay/internal/relay/resume"
	"github.com/danshapiro/relay/internal/relay/retry"
	"github.com/danshapiro/relay/internal/relay/runtime"
)

type step string

const (
	stepEscalate     step = "escalate"
	stepDispatch     step = "dispatch"
	stepFinishReview step = "finish_review"
	stepRecheck      step = "recheck"
	stepRoute        step = "route"
	stepAwaitHuman   step = "await_human"
	stepWorker       step = "worker"
	stepSummarize    step = "summarize"
	stepTerminate    step = "terminate"
	stepComplete     step = "complete"
	stepDone         step = "done"
)

// iterState carries one iteration's state between steps.
type iterState struct {
	n             int
	decision      *decision.Decision
	sessions      blackboard.Sessions
	workerSession string
	review        string
	question      *control.Question

	stop   bool
	status runtime.FinalStatus
	reason string
}

func (it *iterState) halt(status runtime.FinalStatus, reason string) {
	it.stop = true
	it.status = status
	it.reason = reason
}

func (e *Engine) iteration(ctx context.Context, n int, st *resume.State) (*iterState, error) {
	sessions, err := e.board.LoadSessions()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	it := &iterState{n: n, sessions: sessions}
	next := stepEscalate
	if st != nil {
		if next, err = e.resumeStep(it, st); err != nil {
			return nil, err
		}
	} else if e.board.Exists(blackboard.PatchJournalFile) {
		// Journaled before a checkpoint that was never written; the
		// patches were not applied and this iteration dispatches again.
		e.log.Warn("discarding uncheckpointed patch journal", oplog.Fields{"iteration": n})
		if err := e.board.Remove(blackboard.PatchJournalFile); err != nil {
			return nil, err
		}
	}
	e.log.Info("iteration started", oplog.Fields{"iteration": n, "step": string(next), "resumed": st != nil})

	for next != stepDone {
		if err := failure.Interrupted(ctx, string(next)); err != nil {
			return nil, err
		}
		switch next {
		case stepEscalate:
			next, err = e.escalate(it)
		case stepDispatch:
			next, err = e.dispatch(ctx, it)
		case stepFinishReview:
			next, err = e.finishReview(ctx, it)
		case stepRecheck:
			next, err = e.recheck(ctx, it)
		case stepRoute:
			next, err = route(it.decision)
		case stepAwaitHuman:
			next, err = e.awaitHuman(ctx, it)
		case stepWorker:
			next, err = e.work(ctx, it)
		case stepSummarize:
			next, err = e.summarize(ctx, it)
		case stepTerminate:
			next, err = e.terminate(it)
		case stepComplete:
			next, err = e.complete(it)
		default:
			err = fmt.Errorf("unknown step %q", next)
		}
		if err != nil {
			return nil, err
		}
	}
	return it, nil
}

// resumeStep rebuilds the iteration from a verified checkpoint and returns
// the step to continue with.
func (e *Engine) resumeStep(it *iterState, st *resume.State) (step, error) {
	if st.DispatcherSession != "" {
		it.sessions.DispatcherSessionID = st.DispatcherSession
	}
	text, err := e.board.ReadString(blackboard.DecisionFile)
	if err != nil {
		return "", err
	}
	d, err := e.validator.Parse(text)
	if err != nil {
		return "", fmt.Errorf("resume: %w", err)
	}
	if string(d.Target) != st.Target {
		return "", failure.Violation(failure.KindResumeState, blackboard.ResumeFile,
			fmt.Sprintf("checkpoint target %q but decision.json target %q", st.Target, d.Target))
	}
	it.decision = d
	if st.Phase == resume.AfterDispatch {
		if err := e.finishPatches(it.n); err != nil {
			return "", fmt.Errorf("resume: %w", err)
		}
	}

	switch st.Phase {
	case resume.AfterWorker:
		it.workerSession = st.WorkerSession
		return stepSummarize, nil
	case resume.AwaitingHuman:
		var q control.Question
		if err := runtime.ReadJSONFile(e.board.Path(blackboard.HumanRequestFile), &q); err != nil {
			return "", fmt.Errorf("resume: %w", err)
		}
		it.question = &q
		return stepAwaitHuman, nil
	}
	if d.Target == decision.TargetDone {
		rechecked, err := e.hasTransition(it.n, blackboard.TransitionRecheck)
		if err != nil {
			return "", err
		}
		if !rechecked {
			return stepFinishReview, nil
		}
	}
	return route(d)
}

func route(d *decision.Decision) (step, error) {
	if d == nil {
		return "", fmt.Errorf("route: no decision")
	}
	switch d.Target {
	case decision.TargetWorker:
		return stepWorker, nil
	case decision.TargetHuman:
		return stepAwaitHuman, nil
	case decision.TargetDone:
		return stepTerminate, nil
	}
	return "", fmt.Errorf("route: unknown target %q", d.Target)
}

// escalate inspects the previous worker iteration. A match replaces this
// iteration's dispatch with a synthesized human decision.
func (e *Engine) escalate(it *iterState) (step, error) {
	last, ok, err := e.ledger.LastCompleted()
	if err != nil {
		return "", err
	}
	if !ok || last.Target != string(decision.TargetWorker) {
		return stepDispatch, nil
	}
	report, err := e.board.ReadString(blackboard.ReportFile)
	if err != nil {
		return "", err
	}
	decisions, err := e.ledger.RecentDecisions(e.detector.LoopWindow)
	if err != nil {
		return "", err
	}
	blockers, err := e.ledger.RecentBlockers(e.detector.BlockerRepeat)
	if err != nil {
		return "", err
	}
	esc := e.detector.Inspect(report, retry.History{Decisions: decisions, Blockers: blockers})
	if esc == nil {
		return stepDispatch, nil
	}
	e.log.Warn("escalating to human", oplog.Fields{"iteration": it.n, "kind": string(esc.Kind), "reason": esc.Reason})
	d := esc.Decision()
	if err := e.board.WriteJSON(blackboard.DecisionFile, d); err != nil {
		return "", err
	}
	it.decision = d
	if err := e.record(it.n, blackboard.TransitionEscalation, d.Target, "", map[string]any{
		"kind":     string(esc.Kind),
		"reason":   esc.Reason,
		"evidence": esc.Evidence,
	}); err != nil {
		return "", err
	}
	if err := e.checkpoint(it, resume.AfterDispatch); err != nil {
		return "", err
	}
	return stepAwaitHuman, nil
}

func (e *Engine) dispatch(ctx context.Context, it *iterState) (step, error) {
	notice, err := e.notice(it.n)
	if err != nil {
		return "", err
	}
	d, err := e.runDispatcher(ctx, it, blackboard.TransitionDispatch, func(level int) (string, error) {
		in, err := e.dispatchInput(it.n, level)
		if err != nil {
			return "", err
		}
		in.Notice = notice
		return e.prompts.Dispatch(in), nil
	})
	if err != nil {
		return "", err
	}
	if err := e.commitDecision(it, blackboard.TransitionDispatch, d); err != nil {
		return "", err
	}
	if d.Target == decision.TargetDone {
		return stepFinishReview, nil
	}
	return stepRoute, nil
}

func (e *Engine) finishReview(ctx context.Context, it *iterState) (step, error) {
	in, err := e.dispatchInput(it.n, e.cfg.Engine.ContextLevels[0])
	if err != nil {
		return "", err
	}
	in.Decision = it.decision
	in.OutputFile = e.board.Path(blackboard.FinishReviewFile)
	res, err := e.runWorkerStage(ctx, blackboard.TransitionFinishReview, blackboard.FinishReviewFile, e.prompts.FinishReview(in), "")
	if err != nil {
		return "", err
	}
	it.review = res.Text
	if err := e.record(it.n, blackboard.TransitionFinishReview, "", "", map[string]any{"session": res.SessionID}); err != nil {
		return "", err
	}
	return stepRecheck, nil
}

func (e *Engine) recheck(ctx context.Context, it *iterState) (step, error) {
	if it.review == "" {
		review, err := e.board.ReadString(blackboard.FinishReviewFile)
		if err != nil {
			return "", err
		}
		it.review = review
	}
	notice, err := e.notice(it.n)
	if err != nil {
		return "", err
	}
	d, err := e.runDispatcher(ctx, it, blackboard.TransitionRecheck, func(level int) (string, error) {
		in, err := e.dispatchInput(it.n, level)
		if err != nil {
			return "", err
		}
		in.Review = it.review
		in.Notice = notice
		return e.prompts.Recheck(in), nil
	})
	if err != nil {
		return "", err
	}
	if err := e.commitDecision(it, blackboard.TransitionRecheck, d); err != nil {
		return "", err
	}
	return route(d)
}

// commitDecision records the decision and checkpoints it before any change
// artifact is written. Patches are journaled first so an iteration resumed
// after a crash finishes them exactly once instead of dispatching again.
func (e *Engine) commitDecision(it *iterState, transition string, d *decision.Decision) error {
	cs, err := decision.Prepare(e.board, d)
	if err != nil {
		return err
	}
	if d.HasPlanUpdate() {
		if err := e.board.StagePlan(*d.PlanUpdate); err != nil {
			return fmt.Errorf("stage plan: %w", err)
		}
		backup, err := e.board.CommitPlan(it.n)
		if err != nil {
			return err
		}
		if err := e.record(it.n, blackboard.TransitionPlanCommit, "", "", map[string]any{"backup": backup}); err != nil {
			return err
		}
	}
	it.decision = d
	detail := map[string]any{"session": it.sessions.DispatcherSessionID}
	if d.Change != "" {
		detail["change"] = d.Change
	}
	if d.Task != "" {
		detail["task"] = d.Task
	}
	if d.Reason != "" {
		detail["reason"] = d.Reason
	}
	if cs != nil {
		detail["patched"] = cs.Paths()
		cs.Iteration = it.n
		if err := e.board.WriteJSON(blackboard.PatchJournalFile, cs); err != nil {
			return fmt.Errorf("journal patches: %w", err)
		}
	}
	if err := e.record(it.n, transition, d.Target, "", detail); err != nil {
		return err
	}
	if err := e.checkpoint(it, resume.AfterDispatch); err != nil {
		return err
	}
	return e.finishPatches(it.n)
}

// finishPatches applies the journaled changeset of iteration n, skipping
// files already at their patched content, then removes the journal.
func (e *Engine) finishPatches(n int) error {
	data, ok, err := e.board.Read(blackboard.PatchJournalFile)
	if err != nil || !ok {
		return err
	}
	var cs decision.Changeset
	if err := json.Unmarshal(data, &cs); err != nil {
		return fmt.Errorf("read %s: %w", blackboard.PatchJournalFile, err)
	}
	if cs.Iteration != n {
		e.log.Warn("discarding patch journal of another iteration", oplog.Fields{"iteration": n, "journal": cs.Iteration})
		return e.board.Remove(blackboard.PatchJournalFile)
	}
	written, err := cs.Apply(e.board)
	if err != nil {
		return err
	}
	if len(written) > 0 {
		e.log.Info("patches applied", oplog.Fields{"iteration": n, "files": strings.Join(written, ",")})
	}
	return e.board.Remove(blackboard.PatchJournalFile)
}

func (e *Engine) awaitHuman(ctx context.Context, it *iterState) (step, error) {
	q := it.question
	if q == nil {
		h := it.decision.Human
		if h == nil {
			return "", failure.Violation(failure.KindDecision, blackboard.DecisionFile, "human target without a human request")
		}
		q = &control.Question{
			ID:             control.NewQuestionID(),
			Iteration:      it.n,
			Title:          h.Title,
			Text:           h.Question,
			Recommendation: h.Recommendation,
			AskedAt:        e.now().UTC().Format(time.RFC3339),
		}
		for _, o := range h.Options {
			q.Options = append(q.Options, control.Option{ID: o.ID, Label: o.Label, Description: o.Description})
		}
		if err := e.board.Remove(blackboard.HumanAnswerFile); err != nil {
			return "", err
		}
		if err := e.board.WriteJSON(blackboard.HumanRequestFile, q); err != nil {
			return "", err
		}
		if err := e.record(it.n, blackboard.TransitionAwaitHuman, decision.TargetHuman, "", map[string]any{"question": q.ID, "title": q.Title}); err != nil {
			return "", err
		}
		if err := e.checkpoint(it, resume.AwaitingHuman); err != nil {
			return "", err
		}
		it.question = q
	}

	e.log.Warn("waiting for human decision", oplog.Fields{"iteration": it.n, "question": q.ID, "title": q.Title})
	ans, err := e.interviewer.Ask(ctx, *q)
	if err != nil {
		if ierr := failure.Interrupted(ctx, string(stepAwaitHuman)); ierr != nil {
			return "", ierr
		}
		return "", fmt.Errorf("await human: %w", err)
	}
	if !q.HasOption(ans.OptionID) {
		return "", fmt.Errorf("await human: answer %q is not an option of question %s", ans.OptionID, q.ID)
	}
	if err := e.record(it.n, blackboard.TransitionHumanAnswer, decision.TargetHuman, "", map[string]any{
		"question": q.ID,
		"title":    q.Title,
		"option":   ans.OptionID,
		"text":     ans.Text,
	}); err != nil {
		return "", err
	}
	if ans.OptionID == retry.AnswerAbort {
		reason := fmt.Sprintf("human chose %s: %s", retry.AnswerAbort, q.Title)
		if err := e.record(it.n, blackboard.TransitionHalt, "", "", map[string]any{"reason": reason}); err != nil {
			return "", err
		}
		it.halt(runtime.FinalHalted, reason)
	}
	return stepComplete, nil
}

func (e *Engine) work(ctx context.Context, it *iterState) (step, error) {
	goal, err := e.board.ReadString(blackboard.GoalFile)
	if err != nil {
		return "", err
	}
	prompt, _, err := fitPrompt(string(stepWorker), []int{1}, 0, e.cfg.Engine.MaxPromptBytes, func(int) (string, error) {
		return e.prompts.Worker(PromptInput{
			Iteration:  it.n,
			Goal:       goal,
			Decision:   it.decision,
			OutputFile: e.board.Path(blackboard.ReportFile),
		}), nil
	})
	if err != nil {
		return "", err
	}
	res, err := e.runWorkerStage(ctx, blackboard.TransitionWorker, blackboard.ReportFile, prompt, "")
	if err != nil {
		return "", err
	}
	it.workerSession = res.SessionID
	kind, blocker := retry.Blocker(res.Text)
	detail := map[string]any{
		"change":  it.decision.Change,
		"session": res.SessionID,
	}
	if kind != "" {
		detail["blocker_type"] = kind
	}
	if err := e.record(it.n, blackboard.TransitionWorker, decision.TargetWorker, blocker, detail); err != nil {
		return "", err
	}
	if it.workerSession == "" {
		e.log.Warn("worker reported no session id, after_worker checkpoint skipped", oplog.Fields{"iteration": it.n})
		return stepSummarize, nil
	}
	if err := e.checkpoint(it, resume.AfterWorker); err != nil {
		return "", err
	}
	return stepSummarize, nil
}

func (e *Engine) summarize(ctx context.Context, it *iterState) (step, error) {
	report, err := e.board.ReadString(blackboard.ReportFile)
	if err != nil {
		return "", err
	}
	rel := blackboard.SummaryFile(it.n)
	prompt, _, err := fitPrompt(string(stepSummarize), []int{1}, 0, e.cfg.Engine.MaxPromptBytes, func(int) (string, error) {
		return e.prompts.Summarize(PromptInput{
			Iteration:  it.n,
			Decision:   it.decision,
			Report:     report,
			OutputFile: e.board.Path(rel),
		}), nil
	})
	if err != nil {
		return "", err
	}
	res, err := e.runWorkerStage(ctx, blackboard.TransitionSummarize, rel, prompt, "")
	if err != nil {
		return "", err
	}
	if err := e.record(it.n, blackboard.TransitionSummarize, "", "", map[string]any{"file": rel, "session": res.SessionID}); err != nil {
		return "", err
	}
	return stepComplete, nil
}

// terminate honors a confirmed done decision only when nothing is
// outstanding. Repeated premature requests force a halt with a report of
// what was left.
func (e *Engine) terminate(it *iterState) (step, error) {
	change, err := e.activeChange()
	if err != nil {
		return "", err
	}
	outstanding, err := e.readiness.Outstanding(e.board, change)
	if err != nil {
		return "", fmt.Errorf("readiness: %w", err)
	}
	if len(outstanding) == 0 {
		if err := e.record(it.n, blackboard.TransitionTerminate, decision.TargetDone, "", map[string]any{"ready": true, "reason": it.decision.Reason}); err != nil {
			return "", err
		}
		it.halt(runtime.FinalSuccess, "")
		return stepComplete, nil
	}

	rejected, err := e.rejectedTerminations()
	if err != nil {
		return "", err
	}
	attempt := rejected + 1
	if err := e.record(it.n, blackboard.TransitionTerminate, decision.TargetDone, "", map[string]any{
		"ready":       false,
		"attempt":     attempt,
		"outstanding": outstanding,
	}); err != nil {
		return "", err
	}
	e.log.Warn("termination rejected", oplog.Fields{"iteration": it.n, "attempt": attempt, "outstanding": len(outstanding)})
	if attempt < e.cfg.Engine.MaxTerminationAttempts {
		return stepComplete, nil
	}

	reason := fmt.Sprintf("termination not ready after %d attempts, %d items outstanding", attempt, len(outstanding))
	if err := e.board.WriteAtomic(blackboard.UnresolvedFile, []byte(unresolvedReport(it, outstanding))); err != nil {
		return "", err
	}
	if err := e.record(it.n, blackboard.TransitionHalt, "", "", map[string]any{"reason": reason, "report": blackboard.UnresolvedFile}); err != nil {
		return "", err
	}
	it.halt(runtime.FinalHalted, reason)
	return stepComplete, nil
}

func unresolvedReport(it *iterState, outstanding []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Unresolved items\n\nThe run was halted at iteration %d because termination was requested while work remained.\n\n", it.n)
	if it.decision != nil && it.decision.Reason != "" {
		fmt.Fprintf(&b, "Dispatcher reason: %s\n\n", it.decision.Reason)
	}
	for _, item := range outstanding {
		fmt.Fprintf(&b, "- [ ] %s\n", item)
	}
	return b.String()
}

// complete commits the iteration: ledger first, then the checkpoint is
// cleared, then per-iteration files are retired.
func (e *Engine) complete(it *iterState) (step, error) {
	target := decision.Target("")
	if it.decision != nil {
		target = it.decision.Target
	}
	if err := e.record(it.n, blackboard.TransitionIterationComplete, target, "", nil); err != nil {
		return "", err
	}
	if err := e.resume.Clear(); err != nil {
		return "", err
	}
	for _, rel := range []string{blackboard.HumanRequestFile, blackboard.HumanAnswerFile} {
		if err := e.board.Remove(rel); err != nil {
			return "", err
		}
	}
	it.sessions.Iteration = it.n
	if err := e.board.SaveSessions(it.sessions); err != nil {
		return "", fmt.Errorf("save sessions: %w", err)
	}
	return stepDone, nil
}

func (e *Engine) checkpoint(it *iterState, phase resume.Phase) error {
	s := resume.Sessions{Dispatcher: it.sessions.DispatcherSessionID}
	if phase == resume.AfterWorker {
		s.Worker = it.workerSession
	}
	if _, err := e.resume.Write(it.n, phase, string(it.decision.Target), s); err != nil {
		return err
	}
	return nil
}

func (e *Engine) hasTransition(n int, transition string) (bool, error) {
	entries, err := e.ledger.Entries()
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.Iteration == n && entry.Transition == transition {
			return true, nil
		}
	}
	return false, nil
}

// rejectedTerminations counts not-ready termination requests since the
// current task began.
func (e *Engine) rejectedTerminations() (int, error) {
	entries, err := e.ledger.Entries()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		switch entry.Transition {
		case blackboard.TransitionNewTask:
			count = 0
		case blackboard.TransitionTerminate:
			if ready, _ := entry.Detail["ready"].(bool); !ready {
				count++
			}
		}
	}
	return count, nil
}

// activeChange is the change named by the most recent routing decision.
func (e *Engine) activeChange() (string, error) {
	recs, err := e.ledger.RecentDecisions(0)
	if err != nil {
		return "", err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Change != "" {
			return recs[i].Change, nil
		}
	}
	return "", nil
}

// notice tells the dispatcher what happened at the end of the previous
// iteration that is not visible in the plan.
func (e *Engine) notice(n int) (string, error) {
	entries, err := e.ledger.Entries()
	if err != nil {
		return "", err
	}
	var lines []string
	for _, entry := range entries {
		if entry.Iteration != n-1 {
			continue
		}
		switch entry.Transition {
		case blackboard.TransitionTerminate:
			if ready, _ := entry.Detail["ready"].(bool); ready {
				continue
			}
			lines = append(lines, fmt.Sprintf("Your request to finish was rejected; outstanding items: %s", joinDetail(entry.Detail["outstanding"])))
		case blackboard.TransitionHumanAnswer:
			line := fmt.Sprintf("Human answered %q to %q", entry.Detail["option"], entry.Detail["title"])
			if text, _ := entry.Detail["text"].(string); text != "" {
				line += ": " + text
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func joinDetail(v any) string {
	switch t := v.(type) {
	case []string:
		return strings.Join(t, "; ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, "; ")
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
