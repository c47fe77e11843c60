package retry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/decision"
)

type EscalationKind string

const (
	EscalatePermission  EscalationKind = "permission"
	EscalateEnvironment EscalationKind = "environment"
	EscalateLoop        EscalationKind = "loop"
	EscalateBlocker     EscalationKind = "repeated_blocker"
)

// Human answers offered by every synthesized escalation.
const (
	AnswerFix   = "fix"
	AnswerSkip  = "skip"
	AnswerAbort = "abort"
)

var (
	blockerTypeRE = regexp.MustCompile(`(?im)^\s*[*_-]*\s*BLOCKER_TYPE\s*:\s*([a-z_]+)`)
	blockerRE     = regexp.MustCompile(`(?im)^\s*[*_-]*\s*BLOCKER\s*:\s*(.+?)\s*$`)
)

// Escalation is a reason to stop routing automatically and ask a human.
type Escalation struct {
	Kind     EscalationKind
	Reason   string
	Evidence string
}

// History is what the detector knows about earlier iterations.
type History struct {
	Decisions []blackboard.DecisionRecord
	// Blockers holds the blocker text of recent worker reports, oldest
	// first, including the report being inspected.
	Blockers []string
}

// Detector recognizes blockers a machine cannot clear and routing loops.
type Detector struct {
	Permission    []string
	Environment   []string
	LoopWindow    int
	BlockerRepeat int
}

func DefaultDetector() Detector {
	return Detector{
		Permission: []string{
			"permission denied",
			"access denied",
			"operation not permitted",
			"not authorized",
			"unauthorized",
			"requires approval",
			"requires sudo",
			"eacces",
		},
		Environment: []string{
			"command not found",
			"not installed",
			"missing dependency",
			"module not found",
			"could not resolve host",
			"network is unreachable",
			"docker daemon",
			"environment variable",
			"no space left on device",
		},
		LoopWindow:    6,
		BlockerRepeat: 3,
	}
}

// Blocker extracts the "BLOCKER_TYPE:" tag and "BLOCKER:" text from a
// report. Either may be empty.
func Blocker(report string) (kind string, text string) {
	if m := blockerTypeRE.FindStringSubmatch(report); len(m) > 1 {
		kind = strings.ToLower(m[1])
	}
	if m := blockerRE.FindStringSubmatch(report); len(m) > 1 {
		text = strings.TrimSpace(m[1])
	}
	return kind, text
}

// Inspect returns an escalation for report and history, or nil. Keyword
// matching only looks at the reported blocker so ordinary progress notes
// that mention an error do not escalate.
func (d Detector) Inspect(report string, h History) *Escalation {
	kind, text := Blocker(report)
	switch EscalationKind(kind) {
	case EscalatePermission, EscalateEnvironment:
		return &Escalation{Kind: EscalationKind(kind), Reason: "worker reported a " + kind + " blocker", Evidence: text}
	}
	if text != "" {
		lower := strings.ToLower(text)
		if kw := firstContained(lower, d.Permission); kw != "" {
			return &Escalation{Kind: EscalatePermission, Reason: fmt.Sprintf("blocker mentions %q", kw), Evidence: text}
		}
		if kw := firstContained(lower, d.Environment); kw != "" {
			return &Escalation{Kind: EscalateEnvironment, Reason: fmt.Sprintf("blocker mentions %q", kw), Evidence: text}
		}
	}
	if period := loopPeriod(h.Decisions, d.LoopWindow); period > 0 {
		last := h.Decisions[len(h.Decisions)-1]
		return &Escalation{
			Kind:     EscalateLoop,
			Reason:   fmt.Sprintf("last %d decisions repeat with period %d", d.LoopWindow, period),
			Evidence: last.Signature(),
		}
	}
	if b := repeatedBlocker(h.Blockers, d.BlockerRepeat); b != "" {
		return &Escalation{
			Kind:     EscalateBlocker,
			Reason:   fmt.Sprintf("same blocker reported %d times in a row", d.BlockerRepeat),
			Evidence: b,
		}
	}
	return nil
}

func firstContained(s string, keywords []string) string {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(s, kw) {
			return kw
		}
	}
	return ""
}

// loopPeriod returns the smallest period p such that the last window
// decisions are the same p-length sequence repeated at least twice, or 0.
func loopPeriod(decisions []blackboard.DecisionRecord, window int) int {
	if window < 2 || len(decisions) < window {
		return 0
	}
	w := decisions[len(decisions)-window:]
	sigs := make([]string, len(w))
	for i, r := range w {
		sigs[i] = r.Signature()
	}
	for p := 1; p <= window/2; p++ {
		repeating := true
		for i := p; i < len(sigs); i++ {
			if sigs[i] != sigs[i-p] {
				repeating = false
				break
			}
		}
		if repeating {
			return p
		}
	}
	return 0
}

func repeatedBlocker(blockers []string, k int) string {
	if k < 2 || len(blockers) < k {
		return ""
	}
	tail := blockers[len(blockers)-k:]
	first := normalizeBlocker(tail[0])
	if first == "" {
		return ""
	}
	for _, b := range tail[1:] {
		if normalizeBlocker(b) != first {
			return ""
		}
	}
	return strings.TrimSpace(tail[len(tail)-1])
}

func normalizeBlocker(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Decision synthesizes the human decision that replaces dispatch.
func (e *Escalation) Decision() *decision.Decision {
	title := map[EscalationKind]string{
		EscalatePermission:  "Permission blocker",
		EscalateEnvironment: "Environment blocker",
		EscalateLoop:        "Routing loop detected",
		EscalateBlocker:     "Repeated blocker",
	}[e.Kind]
	if title == "" {
		title = "Escalation"
	}
	question := e.Reason
	if e.Evidence != "" {
		question += ": " + e.Evidence
	}
	return &decision.Decision{
		Target: decision.TargetHuman,
		Reason: e.Reason,
		Human: &decision.HumanRequest{
			Title:    title,
			Question: question,
			Options: []decision.Option{
				{ID: AnswerFix, Label: "I fixed it, continue", Description: "Resolve the problem outside the run, then resume normal dispatch."},
				{ID: AnswerSkip, Label: "Skip this step", Description: "Tell the dispatcher to route around the blocked work."},
				{ID: AnswerAbort, Label: "Abort the run", Description: "Stop now with a halted outcome."},
			},
			Recommendation: AnswerFix,
		},
	}
}
