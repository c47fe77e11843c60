package engine

import (
	"context"
	"fmt"

	"github.com/danshapiro/relay/internal/relay/adapter"
	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/decision"
	"github.com/danshapiro/relay/internal/relay/oplog"
	"github.com/danshapiro/relay/internal/relay/retry"
)

// runDispatcher sizes and sends a dispatcher prompt, guarded and retried,
// and returns the validated decision. plan.md is outside the guard set; it
// is checked on its own so a direct edit reports as a plan mutation.
func (e *Engine) runDispatcher(ctx context.Context, it *iterState, label string, build func(level int) (string, error)) (*decision.Decision, error) {
	planBytes := 0
	if plan, ok, err := e.board.Read(blackboard.PlanFile); err != nil {
		return nil, err
	} else if ok {
		planBytes = len(plan)
	}
	levels := e.cfg.Engine.ContextLevels
	start := contextLevelIndex(levels, e.ledger.Size()+int64(planBytes), it.n, e.cfg.Engine.ShrinkEveryBytes, e.cfg.Engine.ShrinkEveryIterations)
	prompt, level, err := fitPrompt(label, levels, start, e.cfg.Engine.MaxPromptBytes, build)
	if err != nil {
		return nil, err
	}

	planBefore, err := e.board.PlanHash()
	if err != nil {
		return nil, err
	}
	compact := e.cfg.Adapter.CompactThresholdTokens > 0 &&
		it.sessions.DispatcherSessionID != "" &&
		it.sessions.DispatcherTokens > e.cfg.Adapter.CompactThresholdTokens
	e.log.Info("dispatching", oplog.Fields{
		"iteration":     it.n,
		"stage":         label,
		"context_level": level,
		"prompt_bytes":  len(prompt),
		"compact":       compact,
	})

	guard := blackboard.Guard{Board: e.board, Exclude: []string{blackboard.DecisionFile, blackboard.PlanFile}}
	var res *adapter.RunResult
	runErr := retry.Stage(ctx, e.policy, e.log, label, func(ctx context.Context, a retry.Attempt) error {
		session := it.sessions.DispatcherSessionID
		if a.SessionID != "" {
			session = a.SessionID
		}
		return guard.Run(ctx, label, func(ctx context.Context) error {
			req := adapter.Request{
				Stage:         label,
				Prompt:        prompt,
				SessionID:     session,
				OutputFile:    e.board.Path(blackboard.DecisionFile),
				ContextTokens: it.sessions.DispatcherTokens,
			}
			var err error
			if compact && a.Number == 1 {
				res, err = e.runners.Dispatcher.RunCompacted(ctx, req)
			} else {
				res, err = e.runners.Dispatcher.Run(ctx, req)
			}
			return err
		})
	})
	if err := e.board.VerifyPlanUnchanged(planBefore); err != nil {
		return nil, err
	}
	if runErr != nil {
		return nil, runErr
	}

	if res.SessionID != "" {
		it.sessions.DispatcherSessionID = res.SessionID
	}
	if res.Telemetry.Context > 0 {
		it.sessions.DispatcherTokens = res.Telemetry.Context
	}
	it.sessions.Iteration = it.n
	if err := e.board.SaveSessions(it.sessions); err != nil {
		return nil, fmt.Errorf("save sessions: %w", err)
	}

	d, err := e.validator.Parse(res.Text)
	if err != nil {
		e.log.Error("decision rejected", oplog.Fields{"iteration": it.n, "stage": label, "error": err.Error()})
		return nil, err
	}
	return d, nil
}

// runWorkerStage runs one worker-role stage whose only permitted blackboard
// write is output.
func (e *Engine) runWorkerStage(ctx context.Context, label, output, prompt, session string) (*adapter.RunResult, error) {
	guard := blackboard.Guard{Board: e.board, Exclude: []string{output}}
	var res *adapter.RunResult
	err := retry.Stage(ctx, e.policy, e.log, label, func(ctx context.Context, a retry.Attempt) error {
		s := session
		if a.SessionID != "" {
			s = a.SessionID
		}
		return guard.Run(ctx, label, func(ctx context.Context) error {
			var err error
			res, err = e.runners.Worker.Run(ctx, adapter.Request{
				Stage:      label,
				Prompt:     prompt,
				SessionID:  s,
				OutputFile: e.board.Path(output),
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// dispatchInput gathers the shared context for dispatcher-facing prompts at
// the given level: level*4 ledger lines and up to level summaries.
func (e *Engine) dispatchInput(n, level int) (PromptInput, error) {
	goal, err := e.board.ReadString(blackboard.GoalFile)
	if err != nil {
		return PromptInput{}, err
	}
	plan, err := e.board.ReadString(blackboard.PlanFile)
	if err != nil {
		return PromptInput{}, err
	}
	entries, err := e.ledger.Entries()
	if err != nil {
		return PromptInput{}, err
	}
	var summaries []string
	for i := n - 1; i >= 1 && len(summaries) < level; i-- {
		text, ok, err := e.board.Read(blackboard.SummaryFile(i))
		if err != nil {
			return PromptInput{}, err
		}
		if ok {
			summaries = append([]string{string(text)}, summaries...)
		}
	}
	return PromptInput{
		Iteration: n,
		Goal:      goal,
		Plan:      plan,
		History:   blackboard.Render(entries, level*4),
		Summaries: summaries,
	}, nil
}
