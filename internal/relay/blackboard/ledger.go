package blackboard

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Transition names recorded in the history ledger.
const (
	TransitionDispatch          = "dispatch"
	TransitionFinishReview      = "finish_review"
	TransitionRecheck           = "recheck"
	TransitionWorker            = "worker"
	TransitionSummarize         = "summarize"
	TransitionAwaitHuman        = "await_human"
	TransitionHumanAnswer       = "human_answer"
	TransitionEscalation        = "escalation"
	TransitionPlanCommit        = "plan_commit"
	TransitionIterationComplete = "iteration_complete"
	TransitionTerminate         = "terminate"
	TransitionHalt              = "halt"
	TransitionResume            = "resume"
	TransitionNewTask           = "new_task"
	TransitionReset             = "reset"
)

// LedgerEntry is one ledger line.
type LedgerEntry struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"ts"`
	Iteration  int            `json:"iteration"`
	Transition string         `json:"transition"`
	Target     string         `json:"target,omitempty"`
	Blocker    string         `json:"blocker,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Ledger is the append-only history.ndjson. Each append rewrites the file
// atomically so a crash never leaves a torn line.
type Ledger struct {
	board *Board
	now   func() time.Time
	mu    sync.Mutex
}

func (b *Board) Ledger() *Ledger {
	return &Ledger{board: b, now: time.Now}
}

// Append stamps e with an id and timestamp (when unset) and appends it.
func (l *Ledger) Append(e LedgerEntry) (LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(e)
	if err != nil {
		return e, err
	}
	existing, _, err := l.board.Read(HistoryFile)
	if err != nil {
		return e, err
	}
	buf := make([]byte, 0, len(existing)+len(line)+1)
	buf = append(buf, existing...)
	if len(buf) > 0 && buf[len(buf)-1] != '\n' {
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if err := l.board.WriteAtomic(HistoryFile, buf); err != nil {
		return e, fmt.Errorf("append history: %w", err)
	}
	return e, nil
}

// Entries reads every ledger entry in order. Unparseable lines are skipped.
func (l *Ledger) Entries() ([]LedgerEntry, error) {
	data, _, err := l.board.Read(HistoryFile)
	if err != nil {
		return nil, err
	}
	var out []LedgerEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e LedgerEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// Size is the ledger's byte length, used for context sizing.
func (l *Ledger) Size() int64 {
	data, _, _ := l.board.Read(HistoryFile)
	return int64(len(data))
}

// LastCommittedIteration is the highest iteration with a completion entry,
// or 0.
func (l *Ledger) LastCommittedIteration() (int, error) {
	entries, err := l.Entries()
	if err != nil {
		return 0, err
	}
	last := 0
	for _, e := range entries {
		if e.Transition == TransitionIterationComplete && e.Iteration > last {
			last = e.Iteration
		}
	}
	return last, nil
}

// DecisionRecord is a routing decision as remembered by the ledger.
type DecisionRecord struct {
	Iteration int
	Target    string
	Change    string
	Task      string
}

// Signature identifies a decision for loop detection: same target, change
// and task text (whitespace-insensitive).
func (r DecisionRecord) Signature() string {
	return r.Target + "|" + r.Change + "|" + strings.Join(strings.Fields(r.Task), " ")
}

// RecentDecisions returns the last k routing decisions (dispatch, recheck
// and synthesized escalations), oldest first.
func (l *Ledger) RecentDecisions(k int) ([]DecisionRecord, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	var out []DecisionRecord
	for _, e := range entries {
		switch e.Transition {
		case TransitionDispatch, TransitionRecheck, TransitionEscalation:
		default:
			continue
		}
		if e.Target == "" {
			continue
		}
		rec := DecisionRecord{Iteration: e.Iteration, Target: e.Target}
		rec.Change, _ = e.Detail["change"].(string)
		rec.Task, _ = e.Detail["task"].(string)
		out = append(out, rec)
	}
	if k > 0 && len(out) > k {
		out = out[len(out)-k:]
	}
	return out, nil
}

// RecentBlockers returns the blocker texts recorded by the last k worker
// entries, oldest first. Workers that reported no blocker contribute "".
func (l *Ledger) RecentBlockers(k int) ([]string, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	var blockers []string
	for _, e := range entries {
		if e.Transition == TransitionWorker {
			blockers = append(blockers, e.Blocker)
		}
	}
	if k > 0 && len(blockers) > k {
		blockers = blockers[len(blockers)-k:]
	}
	return blockers, nil
}

// Render formats the last n entries as compact text for prompts.
func Render(entries []LedgerEntry, n int) string {
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%d] %s", e.Iteration, e.Transition)
		if e.Target != "" {
			fmt.Fprintf(&b, " -> %s", e.Target)
		}
		if task, ok := e.Detail["task"].(string); ok && task != "" {
			fmt.Fprintf(&b, ": %s", oneLine(task, 160))
		}
		if e.Blocker != "" {
			fmt.Fprintf(&b, " (blocker: %s)", oneLine(e.Blocker, 160))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// LastCompleted returns the most recent iteration-complete entry.
func (l *Ledger) LastCompleted() (LedgerEntry, bool, error) {
	entries, err := l.Entries()
	if err != nil {
		return LedgerEntry{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Transition == TransitionIterationComplete {
			return entries[i], true, nil
		}
	}
	return LedgerEntry{}, false, nil
}
