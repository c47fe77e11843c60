package decision

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/failure"
)

func itoa(i int) string { return strconv.Itoa(i) }

// ArtifactPath is the board-relative path of a change artifact.
func ArtifactPath(change, artifact string) string {
	return path.Join(blackboard.ChangesDir, change, artifact)
}

// FileWrite is one whole-file replacement computed from a decision's
// patches. Before is the hash of the file it was computed from ("" when the
// file did not exist) and After the hash of Content.
type FileWrite struct {
	Path    string `json:"path"`
	Before  string `json:"before,omitempty"`
	After   string `json:"after"`
	Content string `json:"content"`
}

// Changeset is the set of file writes a decision's patches produce.
type Changeset struct {
	Iteration int         `json:"iteration"`
	Writes    []FileWrite `json:"writes"`
}

func (cs *Changeset) Paths() []string {
	if cs == nil {
		return nil
	}
	out := make([]string, 0, len(cs.Writes))
	for _, w := range cs.Writes {
		out = append(out, w.Path)
	}
	return out
}

// Prepare computes d's patches in memory without writing anything. It
// returns nil when d has no patches.
func Prepare(b *blackboard.Board, d *Decision) (*Changeset, error) {
	if d == nil || len(d.Patches) == 0 {
		return nil, nil
	}
	contents := map[string]string{}
	exists := map[string]bool{}
	before := map[string]string{}
	var order []string
	for i, p := range d.Patches {
		rel := ArtifactPath(d.Change, p.Artifact)
		cur, loaded := contents[rel]
		if !loaded {
			data, ok, err := b.Read(rel)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", rel, err)
			}
			cur = string(data)
			exists[rel] = ok
			if ok {
				before[rel] = blackboard.HashBytes(data)
			}
			order = append(order, rel)
		}
		next, err := applyPatch(cur, exists[rel] || loaded, p)
		if err != nil {
			return nil, &failure.InvariantViolation{
				Kind: failure.KindDecision,
				Path: rel,
				Err:  &ValidationError{Field: "patches[" + itoa(i) + "]", Reason: err.Error()},
			}
		}
		contents[rel] = next
	}
	cs := &Changeset{}
	for _, rel := range order {
		cs.Writes = append(cs.Writes, FileWrite{
			Path:    rel,
			Before:  before[rel],
			After:   blackboard.HashBytes([]byte(contents[rel])),
			Content: contents[rel],
		})
	}
	return cs, nil
}

// Apply writes every file that is not yet at its patched content and
// returns the paths it wrote. Running it again after a partial or complete
// run writes nothing twice. A file that matches neither hash was changed by
// someone else and is refused.
func (cs *Changeset) Apply(b *blackboard.Board) ([]string, error) {
	if cs == nil {
		return nil, nil
	}
	var written []string
	for _, w := range cs.Writes {
		cur, _, err := blackboard.HashFile(b.Path(w.Path))
		if err != nil {
			return written, err
		}
		switch cur {
		case w.After:
			continue
		case w.Before:
		default:
			return written, failure.Violation(failure.KindResumeDigest, w.Path, "changed since its patches were prepared")
		}
		if err := b.WriteAtomic(w.Path, []byte(w.Content)); err != nil {
			return written, fmt.Errorf("write %s: %w", w.Path, err)
		}
		written = append(written, w.Path)
	}
	return written, nil
}

// Apply applies d's patches to the board. All patches are computed in memory
// first; nothing is written unless every patch applies. Each touched file is
// then replaced atomically. It returns the touched board paths in order.
func Apply(b *blackboard.Board, d *Decision) ([]string, error) {
	cs, err := Prepare(b, d)
	if err != nil || cs == nil {
		return nil, err
	}
	if _, err := cs.Apply(b); err != nil {
		return nil, err
	}
	return cs.Paths(), nil
}

func applyPatch(cur string, exists bool, p Patch) (string, error) {
	switch p.Op {
	case OpAppend:
		if cur != "" && !strings.HasSuffix(cur, "\n") {
			cur += "\n"
		}
		return cur + withNewline(p.Content), nil
	case OpReplace:
		if !exists {
			return "", fmt.Errorf("artifact %s does not exist", p.Artifact)
		}
		if n := strings.Count(cur, p.Old); n != 1 {
			return "", fmt.Errorf("old text must occur exactly once, found %d", n)
		}
		return strings.Replace(cur, p.Old, p.Content, 1), nil
	case OpInsert:
		if !exists {
			return "", fmt.Errorf("artifact %s does not exist", p.Artifact)
		}
		if n := strings.Count(cur, p.Anchor); n != 1 {
			return "", fmt.Errorf("anchor must occur exactly once, found %d", n)
		}
		idx := strings.Index(cur, p.Anchor) + len(p.Anchor)
		if nl := strings.IndexByte(cur[idx:], '\n'); nl >= 0 {
			idx += nl + 1
			return cur[:idx] + withNewline(p.Content) + cur[idx:], nil
		}
		return cur + "\n" + withNewline(p.Content), nil
	default:
		return "", fmt.Errorf("unknown op %q", p.Op)
	}
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
