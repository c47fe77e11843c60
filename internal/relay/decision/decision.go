// Package decision parses and validates the dispatcher's structured routing
// decision and applies the artifact patches it carries.
package decision

import (
	"fmt"

	"github.com/danshapiro/relay/internal/relay/failure"
)

type Target string

const (
	TargetDone   Target = "done"
	TargetWorker Target = "worker"
	TargetHuman  Target = "human"
)

type Op string

const (
	OpAppend  Op = "append"
	OpReplace Op = "replace"
	OpInsert  Op = "insert"
)

// Patch edits one artifact under changes/<change>/.
type Patch struct {
	Op       Op     `json:"op"`
	Artifact string `json:"artifact"`
	Content  string `json:"content,omitempty"`
	Old      string `json:"old,omitempty"`
	Anchor   string `json:"anchor,omitempty"`
}

type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

type HumanRequest struct {
	Title          string   `json:"title"`
	Question       string   `json:"question"`
	Options        []Option `json:"options"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// Decision is a validated routing decision.
type Decision struct {
	Target     Target        `json:"target"`
	Task       string        `json:"task,omitempty"`
	Change     string        `json:"change,omitempty"`
	Scope      []string      `json:"scope,omitempty"`
	Patches    []Patch       `json:"patches,omitempty"`
	PlanUpdate *string       `json:"plan_update,omitempty"`
	Notes      string        `json:"notes,omitempty"`
	Human      *HumanRequest `json:"human,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// HasPlanUpdate reports whether the decision proposes a new plan.
func (d *Decision) HasPlanUpdate() bool { return d != nil && d.PlanUpdate != nil }

// ValidationError names the offending field. Field uses dotted/indexed
// notation ("patches[0].op"); it is empty for document-level problems.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid decision: " + e.Reason
	}
	return fmt.Sprintf("invalid decision field %q: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &failure.InvariantViolation{
		Kind: failure.KindDecision,
		Err:  &ValidationError{Field: field, Reason: reason},
	}
}

func invalidf(field, format string, args ...any) error {
	return invalid(field, fmt.Sprintf(format, args...))
}
