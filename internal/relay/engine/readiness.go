package engine

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/decision"
)

// Readiness decides whether a termination request may be honored.
type Readiness interface {
	// Outstanding lists unfinished work items; none means ready.
	Outstanding(b *blackboard.Board, activeChange string) ([]string, error)
}

// TasksFile is the per-change checklist the default readiness check reads.
const TasksFile = "tasks.md"

var uncheckedRE = regexp.MustCompile(`^\s*[-*+]\s+\[ \]\s+(.+?)\s*$`)

// ChecklistReadiness counts unchecked "- [ ]" items in plan.md and in the
// active change's tasks.md.
type ChecklistReadiness struct{}

func (ChecklistReadiness) Outstanding(b *blackboard.Board, activeChange string) ([]string, error) {
	files := []string{blackboard.PlanFile}
	if activeChange != "" {
		files = append(files, decision.ArtifactPath(activeChange, TasksFile))
	}
	var out []string
	for _, rel := range files {
		text, err := b.ReadString(rel)
		if err != nil {
			return nil, err
		}
		for _, item := range uncheckedItems(text) {
			out = append(out, rel+": "+item)
		}
	}
	return out, nil
}

func uncheckedItems(text string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if m := uncheckedRE.FindStringSubmatch(sc.Text()); m != nil {
			out = append(out, m[1])
		}
	}
	return out
}
