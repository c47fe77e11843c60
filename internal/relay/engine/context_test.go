package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/failure"
)

func TestContextLevelIndex(t *testing.T) {
	levels := []int{12, 8, 4, 2, 1}
	cases := []struct {
		accumulated int64
		iteration   int
		want        int
	}{
		{0, 1, 0},
		{1023, 1, 0},
		{1024, 1, 1},
		{0, 11, 1},
		{2048, 11, 3},
		{1 << 30, 1, 4},
	}
	for _, tc := range cases {
		if got := contextLevelIndex(levels, tc.accumulated, tc.iteration, 1024, 10); got != tc.want {
			t.Fatalf("contextLevelIndex(%d, %d)=%d, want %d", tc.accumulated, tc.iteration, got, tc.want)
		}
	}
	if got := contextLevelIndex(levels, 1<<30, 500, 0, 0); got != 0 {
		t.Fatalf("disabled shrinking should stay at 0, got %d", got)
	}
}

func TestFitPrompt_StepsDownUntilItFits(t *testing.T) {
	var tried []int
	build := func(level int) (string, error) {
		tried = append(tried, level)
		return strings.Repeat("x", level*100), nil
	}
	prompt, level, err := fitPrompt("dispatch", []int{12, 8, 4, 2, 1}, 1, 450, build)
	if err != nil {
		t.Fatal(err)
	}
	if level != 4 || len(prompt) != 400 {
		t.Fatalf("level=%d len=%d", level, len(prompt))
	}
	if len(tried) != 2 || tried[0] != 8 {
		t.Fatalf("tried=%v, want start at index 1", tried)
	}
}

func TestFitPrompt_OverflowAtMinimumLevel(t *testing.T) {
	_, _, err := fitPrompt("recheck", []int{2, 1}, 0, 10, func(level int) (string, error) {
		return strings.Repeat("y", 50), nil
	})
	var iv *failure.InvariantViolation
	if !errors.As(err, &iv) || iv.Kind != failure.KindContextOverflow {
		t.Fatalf("err=%v", err)
	}
	if !strings.Contains(iv.Detail, "recheck prompt is 50 bytes at minimum context level 1, limit 10") {
		t.Fatalf("detail=%q", iv.Detail)
	}
}

func TestChecklistReadiness(t *testing.T) {
	b, err := blackboard.Open(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := ChecklistReadiness{}
	if out, err := r.Outstanding(b, "missing-change"); err != nil || len(out) != 0 {
		t.Fatalf("empty board: %v %v", out, err)
	}
	if err := b.WriteAtomic(blackboard.PlanFile, []byte("# Plan\n- [x] scaffold\n- [ ] wire config\n  * [ ] nested item \n- [X] also done\n")); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteAtomic("changes/c1/tasks.md", []byte("1. intro\n+ [ ] write tests\n")); err != nil {
		t.Fatal(err)
	}
	out, err := r.Outstanding(b, "c1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"plan.md: wire config", "plan.md: nested item", "changes/c1/tasks.md: write tests"}
	if strings.Join(out, "|") != strings.Join(want, "|") {
		t.Fatalf("outstanding=%q", out)
	}
}
