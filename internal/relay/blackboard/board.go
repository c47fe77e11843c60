// Package blackboard owns the shared, file-based state of a relay run: which
// files are tracked, how they are hashed, how they are written, and how
// unauthorized writes by an external process are detected.
package blackboard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/relay/internal/relay/runtime"
)

// Well-known blackboard paths, relative to the board root (slash separated).
const (
	GoalFile         = "goal.md"
	PlanFile         = "plan.md"
	StagedPlanFile   = "plan.staged.md"
	DecisionFile     = "decision.json"
	FinishReviewFile = "finish_review.md"
	ReportFile       = "report.md"
	HumanRequestFile = "human_request.json"
	HumanAnswerFile  = "human_answer.json"
	HistoryFile      = "history.ndjson"
	SessionsFile     = "sessions.json"
	ResumeFile       = "resume.json"
	PatchJournalFile = "patches.pending.json"
	UnresolvedFile   = "unresolved.md"
	FinalFile        = "final.json"
	PIDFile          = "run.pid"
	LogsDir          = "logs"
	BackupsDir       = "backups"
	SummariesDir     = "summaries"
	ChangesDir       = "changes"
)

// DefaultTrackedGlobs covers every file on the board.
var DefaultTrackedGlobs = []string{"**"}

// runtimeGlobs are never tracked: they change while an external process runs
// for reasons unrelated to it.
var runtimeGlobs = []string{
	LogsDir + "/**",
	FinalFile,
	PIDFile,
	"**/.*.tmp-*",
}

type Board struct {
	root    string
	tracked []string
	exclude []string
}

// Open prepares the board rooted at root, creating the directory if needed.
// Invalid glob patterns are rejected up front.
func Open(root string, tracked, exclude []string) (*Board, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("blackboard root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	if len(tracked) == 0 {
		tracked = DefaultTrackedGlobs
	}
	for _, g := range append(append([]string{}, tracked...), exclude...) {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid blackboard glob %q", g)
		}
	}
	return &Board{
		root:    abs,
		tracked: append([]string{}, tracked...),
		exclude: append(append([]string{}, exclude...), runtimeGlobs...),
	}, nil
}

func (b *Board) Root() string { return b.root }

// Path converts a board-relative slash path to an absolute filesystem path.
func (b *Board) Path(rel string) string {
	return filepath.Join(b.root, filepath.FromSlash(rel))
}

// SummaryFile is the summarize stage's output for one iteration.
func SummaryFile(iteration int) string {
	return path.Join(SummariesDir, fmt.Sprintf("%04d.md", iteration))
}

// Files lists every tracked, non-excluded regular file as sorted relative
// slash paths.
func (b *Board) Files() ([]string, error) {
	fsys := os.DirFS(b.root)
	seen := map[string]bool{}
	for _, pattern := range b.tracked {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if b.excluded(m) {
				continue
			}
			seen[m] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Tracks reports whether rel falls inside the tracked set, whether or not it
// currently exists.
func (b *Board) Tracks(rel string) bool {
	if b.excluded(rel) {
		return false
	}
	for _, pattern := range b.tracked {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (b *Board) excluded(rel string) bool {
	for _, pattern := range b.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Read returns the content of rel; a missing file yields ok=false and no error.
func (b *Board) Read(rel string) (data []byte, ok bool, err error) {
	data, err = os.ReadFile(b.Path(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// ReadString is Read for text files; a missing file reads as "".
func (b *Board) ReadString(rel string) (string, error) {
	data, _, err := b.Read(rel)
	return string(data), err
}

// WriteAtomic replaces rel with data via temp file and rename.
func (b *Board) WriteAtomic(rel string, data []byte) error {
	return runtime.WriteFileAtomic(b.Path(rel), data, 0o644)
}

func (b *Board) WriteJSON(rel string, v any) error {
	return runtime.WriteJSONAtomicFile(b.Path(rel), v)
}

func (b *Board) Remove(rel string) error {
	err := os.Remove(b.Path(rel))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *Board) Exists(rel string) bool {
	_, err := os.Stat(b.Path(rel))
	return err == nil
}
