// Package runstate builds a read-only view of a relay run from the files it
// leaves on the blackboard. It never takes the run lock and never validates
// the resume digest.
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/oplog"
	"github.com/danshapiro/relay/internal/relay/procutil"
	"github.com/danshapiro/relay/internal/relay/runtime"
)

type State string

const (
	StateUnknown       State = "unknown"
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateAwaitingHuman State = "awaiting_human"
	StateSuccess       State = "success"
	StateHalted        State = "halted"
	StateFail          State = "fail"
	StateInterrupted   State = "interrupted"
)

// OperatorLogFile is where the engine writes its operator log.
var OperatorLogFile = filepath.Join(blackboard.LogsDir, "operator.log")

type Snapshot struct {
	Root  string
	RunID string
	State State

	Iteration      int
	Phase          string
	Target         string
	LastTransition string
	LastEventAt    time.Time
	FailureReason  string

	DispatcherSession string
	WorkerSession     string
	DispatcherTokens  int

	PID      int
	PIDAlive bool

	PendingQuestion string
	LogTail         []string
}

type resumeDoc struct {
	Iteration         int    `json:"iteration"`
	Phase             string `json:"phase"`
	Target            string `json:"target"`
	DispatcherSession string `json:"dispatcher_session"`
	WorkerSession     string `json:"worker_session"`
}

type questionDoc struct {
	Title    string `json:"title"`
	Question string `json:"question"`
}

// LoadSnapshot reads run artifacts under root. tail is the number of operator
// log lines to include.
func LoadSnapshot(root string, tail int) (*Snapshot, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("blackboard root is required")
	}
	s := &Snapshot{Root: root, State: StateUnknown}

	if err := applyFinalOutcome(s); err != nil {
		return nil, err
	}
	terminal := s.State != StateUnknown

	// A terminal final.json is authoritative; the checkpoint and ledger only
	// fill in position.
	if err := applyLedger(s); err != nil {
		return nil, err
	}
	if err := applySessions(s); err != nil {
		return nil, err
	}
	if !terminal {
		if err := applyResume(s); err != nil {
			return nil, err
		}
	}
	if err := applyPIDFile(s, terminal); err != nil {
		return nil, err
	}
	if !terminal {
		switch {
		case s.Phase == "awaiting_human":
			s.State = StateAwaitingHuman
		case s.PIDAlive:
			s.State = StateRunning
		case s.LastTransition != "" || s.Phase != "":
			s.State = StateIdle
		}
	}
	s.LogTail = oplog.Tail(filepath.Join(root, OperatorLogFile), tail)
	return s, nil
}

func applyFinalOutcome(s *Snapshot) error {
	fo, err := runtime.LoadFinalOutcome(filepath.Join(s.Root, blackboard.FinalFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	s.RunID = strings.TrimSpace(fo.RunID)
	s.Iteration = fo.Iteration
	s.FailureReason = strings.TrimSpace(fo.FailureReason)
	if !fo.Timestamp.IsZero() {
		s.LastEventAt = fo.Timestamp
	}
	switch fo.Status {
	case runtime.FinalSuccess:
		s.State = StateSuccess
	case runtime.FinalHalted:
		s.State = StateHalted
	case runtime.FinalFail:
		s.State = StateFail
	case runtime.FinalInterrupted:
		s.State = StateInterrupted
	}
	return nil
}

func applyResume(s *Snapshot) error {
	path := filepath.Join(s.Root, blackboard.ResumeFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var doc resumeDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	s.Iteration = doc.Iteration
	s.Phase = doc.Phase
	s.Target = doc.Target
	s.WorkerSession = doc.WorkerSession
	if doc.DispatcherSession != "" {
		s.DispatcherSession = doc.DispatcherSession
	}
	if doc.Phase == "awaiting_human" {
		var q questionDoc
		if err := readJSON(filepath.Join(s.Root, blackboard.HumanRequestFile), &q); err == nil {
			s.PendingQuestion = strings.TrimSpace(q.Title + ": " + q.Question)
		}
	}
	return nil
}

func applySessions(s *Snapshot) error {
	var doc blackboard.Sessions
	if err := readJSON(filepath.Join(s.Root, blackboard.SessionsFile), &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	s.DispatcherSession = doc.DispatcherSessionID
	s.DispatcherTokens = doc.DispatcherTokens
	return nil
}

// applyLedger takes the last complete history line.
func applyLedger(s *Snapshot) error {
	path := filepath.Join(s.Root, blackboard.HistoryFile)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	last := ""
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if last == "" {
		return nil
	}
	var e blackboard.LedgerEntry
	if err := json.Unmarshal([]byte(last), &e); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	s.LastTransition = e.Transition
	if s.Iteration == 0 {
		s.Iteration = e.Iteration
	}
	if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil && s.LastEventAt.IsZero() {
		s.LastEventAt = ts
	}
	if rid, ok := e.Detail["run_id"].(string); ok && s.RunID == "" {
		s.RunID = rid
	}
	return nil
}

func applyPIDFile(s *Snapshot, terminal bool) error {
	path := filepath.Join(s.Root, blackboard.PIDFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		if terminal || raw == "" {
			return nil
		}
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = procutil.PIDAlive(pid)
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
