// Package failure defines the error taxonomy shared by every relay component.
//
// Four classes exist: temporary (retryable, optionally resumable from a
// captured session), permanent (never retried), interrupted (operator
// cancellation, always wins over any other classification), and invariant
// violations (guard, decision, plan, resume and context-size breaches; always
// fatal).
package failure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Class string

const (
	ClassTemporary   Class = "temporary"
	ClassPermanent   Class = "permanent"
	ClassInterrupted Class = "interrupted"
	ClassInvariant   Class = "invariant"
)

// TemporaryError is raised for failures that may succeed when retried. When
// SessionID is set the retry should resume that session.
type TemporaryError struct {
	Stage       string
	SessionID   string
	Reason      string
	Diagnostics map[string]any
}

func (e *TemporaryError) Error() string {
	var b strings.Builder
	b.WriteString("temporary failure")
	if e.Stage != "" {
		b.WriteString(" in ")
		b.WriteString(e.Stage)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.SessionID != "" {
		b.WriteString(" (session ")
		b.WriteString(e.SessionID)
		b.WriteString(")")
	}
	if d := formatDiagnostics(e.Diagnostics); d != "" {
		b.WriteString(" [")
		b.WriteString(d)
		b.WriteString("]")
	}
	return b.String()
}

type PermanentError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	msg := "permanent failure"
	if e.Stage != "" {
		msg += " in " + e.Stage
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermanentError) Unwrap() error { return e.Err }

type InterruptedError struct {
	Stage string
	Cause error
}

func (e *InterruptedError) Error() string {
	msg := "interrupted"
	if e.Stage != "" {
		msg += " during " + e.Stage
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *InterruptedError) Unwrap() error { return e.Cause }

type ViolationKind string

const (
	KindGuard           ViolationKind = "guard"
	KindDecision        ViolationKind = "decision"
	KindPlanMutation    ViolationKind = "plan_mutation"
	KindResumeDigest    ViolationKind = "resume_digest"
	KindResumeState     ViolationKind = "resume_state"
	KindContextOverflow ViolationKind = "context_overflow"
)

// InvariantViolation marks a defect rather than infrastructure noise. It is
// never retried.
type InvariantViolation struct {
	Kind   ViolationKind
	Path   string
	Detail string
	Err    error
}

func (e *InvariantViolation) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" violation")
	if e.Path != "" {
		b.WriteString(": ")
		b.WriteString(e.Path)
	}
	if e.Detail != "" {
		b.WriteString(" (")
		b.WriteString(e.Detail)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *InvariantViolation) Unwrap() error { return e.Err }

// Violation is a shorthand constructor.
func Violation(kind ViolationKind, path, detail string) *InvariantViolation {
	return &InvariantViolation{Kind: kind, Path: path, Detail: detail}
}

// ClassOf reports the class of err. Cancellation takes priority over every
// other class; unknown errors are permanent.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var ie *InterruptedError
	if errors.As(err, &ie) || errors.Is(err, context.Canceled) {
		return ClassInterrupted
	}
	var iv *InvariantViolation
	if errors.As(err, &iv) {
		return ClassInvariant
	}
	var te *TemporaryError
	if errors.As(err, &te) {
		return ClassTemporary
	}
	return ClassPermanent
}

func IsTemporary(err error) bool { return ClassOf(err) == ClassTemporary }

func IsInterrupted(err error) bool { return ClassOf(err) == ClassInterrupted }

// SessionOf returns the session id carried by a temporary failure, if any.
func SessionOf(err error) string {
	var te *TemporaryError
	if errors.As(err, &te) {
		return te.SessionID
	}
	return ""
}

// Interrupted converts a cancelled context into an InterruptedError carrying
// the cancellation cause. It returns nil when ctx is still live.
func Interrupted(ctx context.Context, stage string) error {
	if ctx == nil || ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	return &InterruptedError{Stage: stage, Cause: cause}
}

func formatDiagnostics(d map[string]any) string {
	if len(d) == 0 {
		return ""
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d[k]))
	}
	return strings.Join(parts, " ")
}
