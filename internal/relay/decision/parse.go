package decision

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// legacyFields belong to retired decision formats and are rejected outright.
var legacyFields = []string{
	"agent",
	"human_question",
	"instruction",
	"instructions",
	"next",
	"next_agent",
	"plan_patch",
	"scope_files",
	"task_file",
}

var changeIDRE = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// DefaultAllowedArtifacts applies when Options.AllowedArtifacts is empty.
// Patterns are matched against the path below changes/<change>/.
var DefaultAllowedArtifacts = []string{"*.md", "specs/**/*.md"}

type Options struct {
	// Strict requires the whole text to be one JSON object and rejects
	// unknown fields. Otherwise the largest balanced object is extracted from
	// surrounding prose.
	Strict           bool
	AllowedArtifacts []string
}

// Validator holds a compiled schema; it is safe for concurrent use.
type Validator struct {
	opts   Options
	schema *jsonschema.Schema
}

func NewValidator(opts Options) (*Validator, error) {
	if len(opts.AllowedArtifacts) == 0 {
		opts.AllowedArtifacts = DefaultAllowedArtifacts
	}
	for _, p := range opts.AllowedArtifacts {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.New("invalid artifact pattern " + p)
		}
	}
	s, err := compileSchema(opts.Strict)
	if err != nil {
		return nil, err
	}
	return &Validator{opts: opts, schema: s}, nil
}

// Parse is a one-shot convenience around NewValidator and Validator.Parse.
func Parse(text string, opts Options) (*Decision, error) {
	v, err := NewValidator(opts)
	if err != nil {
		return nil, err
	}
	return v.Parse(text)
}

// Parse turns raw agent output into a validated Decision. Every failure is a
// decision invariant violation wrapping a *ValidationError.
func (v *Validator) Parse(text string) (*Decision, error) {
	raw, err := v.extract(text)
	if err != nil {
		return nil, err
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, invalidf("", "malformed JSON: %v", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, invalid("", "decision must be a JSON object")
	}
	if err := rejectLegacy(obj); err != nil {
		return nil, err
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, schemaError(err)
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, invalidf("", "decode: %v", err)
	}
	if err := v.check(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (v *Validator) extract(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, invalid("", "empty decision")
	}
	if v.opts.Strict {
		dec := json.NewDecoder(strings.NewReader(trimmed))
		var probe json.RawMessage
		if err := dec.Decode(&probe); err != nil {
			return nil, invalidf("", "malformed JSON: %v", err)
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return nil, invalid("", "trailing content after JSON object")
		}
		return probe, nil
	}
	obj, ok := largestObject(trimmed)
	if !ok {
		return nil, invalid("", "no JSON object found")
	}
	return []byte(obj), nil
}

// largestObject finds every balanced top-level {...} span (string and escape
// aware) and returns the longest one that is valid JSON, falling back to the
// longest span so the caller reports a syntax error.
func largestObject(s string) (string, bool) {
	var spans []string
	depth, start := 0, -1
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if depth > 0 && inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					spans = append(spans, s[start:i+1])
				}
			}
		}
	}
	if len(spans) == 0 {
		return "", false
	}
	sort.SliceStable(spans, func(i, j int) bool { return len(spans[i]) > len(spans[j]) })
	for _, span := range spans {
		if json.Valid([]byte(span)) {
			return span, true
		}
	}
	return spans[0], true
}

func rejectLegacy(obj map[string]any) error {
	for _, f := range legacyFields {
		if _, ok := obj[f]; ok {
			return invalid(f, "legacy field is no longer accepted")
		}
	}
	return nil
}

func (v *Validator) check(d *Decision) error {
	switch d.Target {
	case TargetWorker:
		if strings.TrimSpace(d.Task) == "" {
			return invalid("task", "required for target worker")
		}
		if err := checkChangeID(d.Change); err != nil {
			return err
		}
		if len(d.Scope) == 0 {
			return invalid("scope", "required for target worker")
		}
		seen := map[string]bool{}
		for i, s := range d.Scope {
			field := "scope[" + itoa(i) + "]"
			s = strings.TrimSpace(s)
			if s == "" {
				return invalid(field, "must not be empty")
			}
			if seen[s] {
				return invalidf(field, "duplicate entry %q", s)
			}
			seen[s] = true
		}
	case TargetHuman:
		if err := checkHuman(d.Human); err != nil {
			return err
		}
	case TargetDone:
	case "":
		return invalid("target", "must not be empty")
	default:
		return invalidf("target", "unknown target %q (want done, worker or human)", d.Target)
	}
	if d.PlanUpdate != nil && strings.TrimSpace(*d.PlanUpdate) == "" {
		return invalid("plan_update", "must not be blank when present")
	}
	if len(d.Patches) > 0 {
		if d.Target != TargetWorker {
			if err := checkChangeID(d.Change); err != nil {
				return err
			}
		}
		for i, p := range d.Patches {
			if err := v.checkPatch(i, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkChangeID(id string) error {
	if id == "" {
		return invalid("change", "required")
	}
	if !changeIDRE.MatchString(id) {
		return invalidf("change", "%q must match %s", id, changeIDRE.String())
	}
	return nil
}

func checkHuman(h *HumanRequest) error {
	if h == nil {
		return invalid("human", "required for target human")
	}
	if strings.TrimSpace(h.Title) == "" {
		return invalid("human.title", "must not be empty")
	}
	if strings.TrimSpace(h.Question) == "" {
		return invalid("human.question", "must not be empty")
	}
	if len(h.Options) < 2 {
		return invalid("human.options", "at least two options are required")
	}
	ids := map[string]bool{}
	for i, o := range h.Options {
		field := "human.options[" + itoa(i) + "]"
		if strings.TrimSpace(o.ID) == "" {
			return invalid(field+".id", "must not be empty")
		}
		if ids[o.ID] {
			return invalidf(field+".id", "duplicate option id %q", o.ID)
		}
		ids[o.ID] = true
		if strings.TrimSpace(o.Label) == "" {
			return invalid(field+".label", "must not be empty")
		}
	}
	if h.Recommendation != "" && !ids[h.Recommendation] {
		return invalidf("human.recommendation", "%q is not one of the option ids", h.Recommendation)
	}
	return nil
}

func (v *Validator) checkPatch(i int, p Patch) error {
	field := "patches[" + itoa(i) + "]"
	a := p.Artifact
	switch {
	case strings.TrimSpace(a) == "":
		return invalid(field+".artifact", "must not be empty")
	case strings.HasPrefix(a, "/") || strings.HasPrefix(a, "\\") || (len(a) > 1 && a[1] == ':'):
		return invalidf(field+".artifact", "%q must be relative", a)
	case strings.Contains(a, "\\"):
		return invalidf(field+".artifact", "%q must use forward slashes", a)
	case path.Clean(a) != a || a == "." || hasDotDot(a):
		return invalidf(field+".artifact", "%q must be a clean path inside the change", a)
	case strings.HasPrefix(a, "changes/"):
		return invalidf(field+".artifact", "%q must be relative to the change directory", a)
	}
	if !v.artifactAllowed(a) {
		return invalidf(field+".artifact", "%q is not an allowed artifact", a)
	}
	if p.Content == "" {
		return invalid(field+".content", "must not be empty")
	}
	switch p.Op {
	case OpReplace:
		if p.Old == "" {
			return invalid(field+".old", "required for replace")
		}
	case OpInsert:
		if p.Anchor == "" {
			return invalid(field+".anchor", "required for insert")
		}
	case OpAppend:
	default:
		return invalidf(field+".op", "unknown op %q", p.Op)
	}
	return nil
}

func (v *Validator) artifactAllowed(a string) bool {
	for _, pattern := range v.opts.AllowedArtifacts {
		if ok, _ := doublestar.Match(pattern, a); ok {
			return true
		}
	}
	return false
}

func hasDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
