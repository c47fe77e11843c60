// Package resume persists the crash-recovery checkpoint written after every
// durable transition, and refuses to resume from one whose files no longer
// match.
package resume

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/failure"
)

const SchemaVersion = 1

type Phase string

const (
	AfterDispatch Phase = "after_dispatch"
	AfterWorker   Phase = "after_worker"
	AwaitingHuman Phase = "awaiting_human"
)

// State is resume.json.
type State struct {
	SchemaVersion     int    `json:"schema_version"`
	Iteration         int    `json:"iteration"`
	Phase             Phase  `json:"phase"`
	Target            string `json:"target"`
	DispatcherSession string `json:"dispatcher_session,omitempty"`
	WorkerSession     string `json:"worker_session,omitempty"`
	Digest            string `json:"digest"`
	UpdatedAt         string `json:"updated_at"`
}

// Sessions are the captured external session ids at a checkpoint.
type Sessions struct {
	Dispatcher string
	Worker     string
}

type Manager struct {
	board *blackboard.Board
	now   func() time.Time
}

func NewManager(b *blackboard.Board) *Manager {
	return &Manager{board: b, now: time.Now}
}

// Files lists the blackboard paths whose digest a checkpoint records.
func Files(phase Phase) []string {
	files := []string{blackboard.GoalFile, blackboard.PlanFile, blackboard.DecisionFile}
	switch phase {
	case AfterWorker:
		files = append(files, blackboard.ReportFile)
	case AwaitingHuman:
		files = append(files, blackboard.HumanRequestFile)
	}
	return files
}

// Write checkpoints the given transition.
func (m *Manager) Write(iteration int, phase Phase, target string, s Sessions) (State, error) {
	st := State{
		SchemaVersion:     SchemaVersion,
		Iteration:         iteration,
		Phase:             phase,
		Target:            target,
		DispatcherSession: s.Dispatcher,
		WorkerSession:     s.Worker,
		UpdatedAt:         m.now().UTC().Format(time.RFC3339Nano),
	}
	if err := validate(st); err != nil {
		return State{}, err
	}
	digest, err := m.board.DigestFiles(Files(phase))
	if err != nil {
		return State{}, fmt.Errorf("resume digest: %w", err)
	}
	st.Digest = digest
	if err := m.board.WriteJSON(blackboard.ResumeFile, st); err != nil {
		return State{}, fmt.Errorf("write resume state: %w", err)
	}
	return st, nil
}

// Load reads and verifies resume.json. It returns (nil, nil) when no
// checkpoint exists. A schema mismatch, an inconsistent phase/target pair,
// or a digest that no longer matches the files is an invariant violation.
func (m *Manager) Load() (*State, error) {
	data, ok, err := m.board.Read(blackboard.ResumeFile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &failure.InvariantViolation{Kind: failure.KindResumeState, Path: blackboard.ResumeFile, Detail: "unreadable", Err: err}
	}
	if st.SchemaVersion != SchemaVersion {
		return nil, failure.Violation(failure.KindResumeState, blackboard.ResumeFile,
			fmt.Sprintf("schema_version %d, want %d", st.SchemaVersion, SchemaVersion))
	}
	if err := validate(st); err != nil {
		return nil, err
	}
	digest, err := m.board.DigestFiles(Files(st.Phase))
	if err != nil {
		return nil, fmt.Errorf("resume digest: %w", err)
	}
	if digest != st.Digest {
		return nil, failure.Violation(failure.KindResumeDigest, blackboard.ResumeFile,
			fmt.Sprintf("blackboard changed since %s checkpoint of iteration %d", st.Phase, st.Iteration))
	}
	return &st, nil
}

// Clear removes the checkpoint; a missing file is fine.
func (m *Manager) Clear() error {
	return m.board.Remove(blackboard.ResumeFile)
}

func (m *Manager) Exists() bool {
	return m.board.Exists(blackboard.ResumeFile)
}

func validate(st State) error {
	bad := func(detail string) error {
		return failure.Violation(failure.KindResumeState, blackboard.ResumeFile, detail)
	}
	if st.Iteration < 1 {
		return bad(fmt.Sprintf("iteration %d must be positive", st.Iteration))
	}
	switch st.Phase {
	case AfterDispatch:
		switch st.Target {
		case "worker", "human", "done":
		default:
			return bad(fmt.Sprintf("phase %s with unknown target %q", st.Phase, st.Target))
		}
	case AfterWorker:
		if st.Target != "worker" {
			return bad(fmt.Sprintf("phase %s requires target worker, got %q", st.Phase, st.Target))
		}
		if strings.TrimSpace(st.WorkerSession) == "" {
			return bad(fmt.Sprintf("phase %s requires a worker session", st.Phase))
		}
	case AwaitingHuman:
		if st.Target != "human" {
			return bad(fmt.Sprintf("phase %s requires target human, got %q", st.Phase, st.Target))
		}
	default:
		return bad(fmt.Sprintf("unknown phase %q", st.Phase))
	}
	if strings.TrimSpace(st.WorkerSession) != "" && st.Phase != AfterWorker {
		return bad(fmt.Sprintf("worker session recorded for phase %s", st.Phase))
	}
	return nil
}
