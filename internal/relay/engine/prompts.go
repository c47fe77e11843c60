package engine

import (
	"fmt"
	"strings"

	"github.com/danshapiro/relay/internal/relay/decision"
)

// PromptInput is everything a stage prompt may draw on. Fields irrelevant to
// a stage are left empty.
type PromptInput struct {
	Iteration int
	Goal      string
	Plan      string
	// History is the rendered ledger tail; Summaries are the most recent
	// iteration summaries, oldest first. Both are sized by the context level.
	History   string
	Summaries []string
	// Notice carries engine feedback the dispatcher must see, such as a
	// rejected termination or the last human answer.
	Notice     string
	Decision   *decision.Decision
	Review     string
	Report     string
	OutputFile string
}

// PromptBuilder renders the text sent to each stage.
type PromptBuilder interface {
	Dispatch(in PromptInput) string
	FinishReview(in PromptInput) string
	Recheck(in PromptInput) string
	Worker(in PromptInput) string
	Summarize(in PromptInput) string
}

// DefaultPrompts is a minimal builder so the binary runs without a template
// pack.
type DefaultPrompts struct{}

const decisionContract = `Reply with exactly one JSON object and nothing else:
  {"target":"worker","task":"...","change":"<change-id>","scope":["path", ...],
   "patches":[{"op":"append|replace|insert","artifact":"tasks.md","content":"...","old":"...","anchor":"..."}],
   "plan_update":"<optional full plan text>","notes":"..."}
  {"target":"human","human":{"title":"...","question":"...","options":[{"id":"a","label":"..."},{"id":"b","label":"..."}],"recommendation":"a"}}
  {"target":"done","reason":"..."}
Never edit plan.md directly; propose a new plan through plan_update.`

func (DefaultPrompts) Dispatch(in PromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the dispatcher for iteration %d. Decide what happens next.\n\n", in.Iteration)
	section(&b, "Goal", in.Goal)
	section(&b, "Plan", in.Plan)
	section(&b, "Recent history", in.History)
	for i, s := range in.Summaries {
		section(&b, fmt.Sprintf("Summary %d/%d", i+1, len(in.Summaries)), s)
	}
	section(&b, "Notice", in.Notice)
	b.WriteString(decisionContract)
	b.WriteString("\n")
	return b.String()
}

func (DefaultPrompts) FinishReview(in PromptInput) string {
	var b strings.Builder
	b.WriteString("The dispatcher believes the goal is complete. Review the work critically and list anything unfinished, broken or untested.\n\n")
	section(&b, "Goal", in.Goal)
	section(&b, "Plan", in.Plan)
	section(&b, "Recent history", in.History)
	if in.Decision != nil {
		section(&b, "Dispatcher reason", in.Decision.Reason)
	}
	fmt.Fprintf(&b, "Write your review to %s. Do not modify any other file under the blackboard.\n", in.OutputFile)
	return b.String()
}

func (DefaultPrompts) Recheck(in PromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d: you asked to finish. A reviewer responded below. Confirm with target done, or route more work.\n\n", in.Iteration)
	section(&b, "Goal", in.Goal)
	section(&b, "Plan", in.Plan)
	section(&b, "Finish review", in.Review)
	section(&b, "Notice", in.Notice)
	b.WriteString(decisionContract)
	b.WriteString("\n")
	return b.String()
}

func (DefaultPrompts) Worker(in PromptInput) string {
	var b strings.Builder
	d := in.Decision
	fmt.Fprintf(&b, "You are the worker for iteration %d.\n\n", in.Iteration)
	if d != nil {
		section(&b, "Task", d.Task)
		section(&b, "Change", d.Change)
		if len(d.Scope) > 0 {
			section(&b, "Scope", "- "+strings.Join(d.Scope, "\n- "))
		}
		section(&b, "Notes", d.Notes)
	}
	section(&b, "Goal", in.Goal)
	fmt.Fprintf(&b, "When finished, write a report to %s. If you are blocked, include the lines\n", in.OutputFile)
	b.WriteString("BLOCKER_TYPE: permission|environment|other\nBLOCKER: <one line description>\n")
	b.WriteString("Do not modify any other file under the blackboard.\n")
	return b.String()
}

func (DefaultPrompts) Summarize(in PromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize iteration %d in a few lines for future dispatchers: what was attempted, what changed, what remains.\n\n", in.Iteration)
	if in.Decision != nil {
		section(&b, "Task", in.Decision.Task)
	}
	section(&b, "Worker report", in.Report)
	fmt.Fprintf(&b, "Write the summary to %s. Do not modify any other file under the blackboard.\n", in.OutputFile)
	return b.String()
}

func section(b *strings.Builder, title, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n%s\n\n", title, body)
}
