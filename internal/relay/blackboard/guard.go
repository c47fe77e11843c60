package blackboard

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/relay/internal/relay/failure"
)

// Entry is one path in a GuardSnapshot. Hash is empty when the file is absent.
type Entry struct {
	Path string
	Hash string
}

// GuardSnapshot is an ordered path -> hash-or-absent mapping.
type GuardSnapshot []Entry

func (s GuardSnapshot) Map() map[string]string {
	m := make(map[string]string, len(s))
	for _, e := range s {
		m[e.Path] = e.Hash
	}
	return m
}

// ChangeKind describes how a guarded file differs between two snapshots.
type ChangeKind string

const (
	Created  ChangeKind = "created"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
)

type Change struct {
	Path string
	Kind ChangeKind
}

// Snapshot hashes paths in sorted order.
func (b *Board) Snapshot(paths []string) (GuardSnapshot, error) {
	sorted := append([]string{}, paths...)
	sort.Strings(sorted)
	hashes, err := b.HashPaths(sorted)
	if err != nil {
		return nil, err
	}
	out := make(GuardSnapshot, 0, len(sorted))
	for _, p := range sorted {
		out = append(out, Entry{Path: p, Hash: hashes[p]})
	}
	return out, nil
}

// Compare lists every difference between before and after, sorted by path.
func Compare(before, after GuardSnapshot) []Change {
	bm, am := before.Map(), after.Map()
	var changes []Change
	for p, bh := range bm {
		ah, ok := am[p]
		switch {
		case bh == "" && ah == "":
		case !ok || (bh != "" && ah == ""):
			changes = append(changes, Change{Path: p, Kind: Deleted})
		case bh == "" && ah != "":
			changes = append(changes, Change{Path: p, Kind: Created})
		case bh != ah:
			changes = append(changes, Change{Path: p, Kind: Modified})
		}
	}
	for p, ah := range am {
		if _, ok := bm[p]; !ok && ah != "" {
			changes = append(changes, Change{Path: p, Kind: Created})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// Guard detects writes by an external process to blackboard files it does
// not own. Exclude holds the stage's own output (and anything else the stage
// may legitimately touch) as doublestar patterns.
type Guard struct {
	Board   *Board
	Exclude []string
}

func (g Guard) excluded(rel string) bool {
	for _, pattern := range g.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (g Guard) guardedFiles(known []string) ([]string, error) {
	files, err := g.Board.Files()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, p := range append(files, known...) {
		if seen[p] || g.excluded(p) || !g.Board.Tracks(p) {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// Run snapshots the guarded file set, runs fn, and re-checks the set. Any
// created, modified or deleted file yields a guard violation, which takes
// precedence over fn's own error. Files are not rolled back.
func (g Guard) Run(ctx context.Context, stage string, fn func(context.Context) error) error {
	paths, err := g.guardedFiles(nil)
	if err != nil {
		return fmt.Errorf("guard %s: %w", stage, err)
	}
	before, err := g.Board.Snapshot(paths)
	if err != nil {
		return fmt.Errorf("guard %s: %w", stage, err)
	}

	runErr := fn(ctx)

	afterPaths, err := g.guardedFiles(paths)
	if err != nil {
		return fmt.Errorf("guard %s: %w", stage, err)
	}
	after, err := g.Board.Snapshot(afterPaths)
	if err != nil {
		return fmt.Errorf("guard %s: %w", stage, err)
	}
	if changes := Compare(before, after); len(changes) > 0 {
		return violationFor(stage, changes, runErr)
	}
	return runErr
}

func violationFor(stage string, changes []Change, runErr error) error {
	first := changes[0]
	detail := string(first.Kind) + " during " + stage
	if len(changes) > 1 {
		rest := make([]string, 0, len(changes)-1)
		for _, c := range changes[1:] {
			rest = append(rest, fmt.Sprintf("%s %s", c.Path, c.Kind))
		}
		detail += "; also " + strings.Join(rest, ", ")
	}
	return &failure.InvariantViolation{
		Kind:   failure.KindGuard,
		Path:   first.Path,
		Detail: detail,
		Err:    runErr,
	}
}
