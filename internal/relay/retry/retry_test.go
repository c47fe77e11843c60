package retry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/failure"
	"github.com/danshapiro/relay/internal/relay/oplog"
)

func TestDelay_NoJitter_ConstantFactorOne(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Factor: 1.0, Max: time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := b.Delay(attempt, "seed"); got != 10*time.Millisecond {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, 10*time.Millisecond)
		}
	}
}

func TestDelay_NoJitter_ExponentialAndCapped(t *testing.T) {
	b := Backoff{Initial: 50 * time.Millisecond, Factor: 10.0, Max: 200 * time.Millisecond}
	if got := b.Delay(1, "seed"); got != 50*time.Millisecond {
		t.Fatalf("attempt 1: got %v", got)
	}
	// 500ms capped at 200ms.
	if got := b.Delay(2, "seed"); got != 200*time.Millisecond {
		t.Fatalf("attempt 2: got %v", got)
	}
	if got := b.Delay(3, "seed"); got != 200*time.Millisecond {
		t.Fatalf("attempt 3: got %v", got)
	}
}

func TestDelay_NonDecreasing(t *testing.T) {
	b := DefaultBackoff()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := b.Delay(attempt, "x")
		if d < prev {
			t.Fatalf("attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
	if prev != b.Max {
		t.Fatalf("expected cap %v, got %v", b.Max, prev)
	}
}

func TestDelay_Jitter_DeterministicPerSeedAndWithinRange(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Factor: 1.0, Max: time.Second, Jitter: true}
	d1 := b.Delay(1, "seed-a")
	if d1 != b.Delay(1, "seed-a") {
		t.Fatal("expected deterministic delay for same seed")
	}
	lo, hi := 50*time.Millisecond, 150*time.Millisecond
	if d1 < lo || d1 > hi {
		t.Fatalf("delay out of jitter range: %v", d1)
	}
	d2 := b.Delay(1, "seed-b")
	if d2 == d1 || d2 < lo || d2 > hi {
		t.Fatalf("seed-b delay %v (seed-a %v)", d2, d1)
	}
}

type sleepRecorder struct{ delays []time.Duration }

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	s.delays = append(s.delays, d)
	return ctx.Err() == nil
}

func openLog(t *testing.T) (*oplog.Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "operator.log")
	l, err := oplog.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func countLines(path, substr string) int {
	n := 0
	for _, line := range oplog.Tail(path, 1000) {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func TestStage_RetriesTemporaryWithSession(t *testing.T) {
	log, path := openLog(t)
	rec := &sleepRecorder{}
	p := Policy{Retries: 2, Backoff: Backoff{Initial: time.Second, Factor: 2}, Sleep: rec.sleep}

	var seen []Attempt
	err := Stage(context.Background(), p, log, "worker", func(_ context.Context, a Attempt) error {
		seen = append(seen, a)
		if a.Number == 1 {
			return &failure.TemporaryError{Stage: "worker", SessionID: "S", Reason: "rate limit"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(seen) != 2 || seen[0].SessionID != "" || seen[1].SessionID != "S" {
		t.Fatalf("attempts=%+v", seen)
	}
	if len(rec.delays) != 1 || rec.delays[0] != time.Second {
		t.Fatalf("delays=%v", rec.delays)
	}
	if n := countLines(path, "stage retry"); n != 1 {
		t.Fatalf("retry log entries=%d", n)
	}
	if n := countLines(path, "session=S"); n != 1 {
		t.Fatalf("expected session in retry entry")
	}
}

func TestStage_BackoffResetsPerInvocation(t *testing.T) {
	rec := &sleepRecorder{}
	p := Policy{Retries: 2, Backoff: Backoff{Initial: time.Second, Factor: 2, Max: time.Minute}, Sleep: rec.sleep}
	run := func() {
		_ = Stage(context.Background(), p, nil, "dispatch", func(context.Context, Attempt) error {
			return &failure.TemporaryError{Reason: "timeout"}
		})
	}
	run()
	run()
	want := []time.Duration{time.Second, 2 * time.Second, time.Second, 2 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("delays=%v", rec.delays)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Fatalf("delays=%v want %v", rec.delays, want)
		}
	}
}

func TestStage_ExhaustionReraisesTemporary(t *testing.T) {
	log, path := openLog(t)
	p := Policy{Retries: 2, Sleep: func(context.Context, time.Duration) bool { return true }}
	calls := 0
	err := Stage(context.Background(), p, log, "summarize", func(context.Context, Attempt) error {
		calls++
		return &failure.TemporaryError{Reason: "overloaded"}
	})
	if !failure.IsTemporary(err) || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
	if countLines(path, "stage retry") != 2 || countLines(path, "stage retries exhausted") != 1 {
		t.Fatalf("log=%v", oplog.Tail(path, 10))
	}
}

func TestStage_NonTemporaryNotRetried(t *testing.T) {
	cases := []error{
		&failure.PermanentError{Reason: "bad flag"},
		failure.Violation(failure.KindGuard, "plan.md", "modified"),
		errors.New("plain"),
	}
	for _, want := range cases {
		calls := 0
		err := Stage(context.Background(), DefaultPolicy(), nil, "worker", func(context.Context, Attempt) error {
			calls++
			return want
		})
		if err != want || calls != 1 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	}
}

func TestStage_InterruptedDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Retries: 2, Sleep: func(context.Context, time.Duration) bool { cancel(); return false }}
	err := Stage(ctx, p, nil, "worker", func(context.Context, Attempt) error {
		return &failure.TemporaryError{Reason: "timeout"}
	})
	if !failure.IsInterrupted(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestBlocker(t *testing.T) {
	kind, text := Blocker("Did some work.\n\nBLOCKER_TYPE: Permission\nBLOCKER: cannot write /etc/hosts\n")
	if kind != "permission" || text != "cannot write /etc/hosts" {
		t.Fatalf("kind=%q text=%q", kind, text)
	}
}

func TestInspect(t *testing.T) {
	d := DefaultDetector()
	rec := func(target, task string) blackboard.DecisionRecord {
		return blackboard.DecisionRecord{Target: target, Change: "c", Task: task}
	}
	progress := []blackboard.DecisionRecord{
		rec("worker", "a"), rec("worker", "b"), rec("worker", "c"),
		rec("worker", "d"), rec("worker", "e"), rec("worker", "f"),
	}
	cases := []struct {
		name   string
		report string
		hist   History
		want   EscalationKind
	}{
		{name: "clean", report: "Implemented form. Fixed a permission denied bug in tests.", hist: History{Decisions: progress}},
		{name: "tag", report: "BLOCKER_TYPE: environment\nBLOCKER: needs GPU", want: EscalateEnvironment},
		{name: "permission keyword", report: "BLOCKER: git push: Permission denied (publickey)", want: EscalatePermission},
		{name: "environment keyword", report: "BLOCKER: go: command not found", want: EscalateEnvironment},
		{name: "unmatched blocker", report: "BLOCKER: waiting on design review"},
		{name: "loop period 2", hist: History{Decisions: []blackboard.DecisionRecord{
			rec("worker", "x"), rec("human", ""), rec("worker", "x"), rec("human", ""), rec("worker", "x"), rec("human", ""),
		}}, want: EscalateLoop},
		{name: "loop same task", hist: History{Decisions: []blackboard.DecisionRecord{
			rec("worker", "x"), rec("worker", "x"), rec("worker", "x"), rec("worker", "x"), rec("worker", "x"), rec("worker", "x  "),
		}}, want: EscalateLoop},
		{name: "short history", hist: History{Decisions: progress[:3]}},
		{name: "repeated blocker", hist: History{Blockers: []string{"", "flaky db", "Flaky  DB", "flaky db"}}, want: EscalateBlocker},
		{name: "blocker changed", hist: History{Blockers: []string{"flaky db", "flaky db", "slow ci"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := d.Inspect(tc.report, tc.hist)
			switch {
			case tc.want == "" && got != nil:
				t.Fatalf("unexpected escalation %+v", got)
			case tc.want != "" && (got == nil || got.Kind != tc.want):
				t.Fatalf("got %+v want kind %s", got, tc.want)
			}
		})
	}
}

func TestEscalationDecision(t *testing.T) {
	e := &Escalation{Kind: EscalateLoop, Reason: "loop", Evidence: "worker|c|x"}
	d := e.Decision()
	if d.Target != "human" || d.Human == nil || len(d.Human.Options) != 3 {
		t.Fatalf("decision=%+v", d)
	}
	ids := []string{d.Human.Options[0].ID, d.Human.Options[1].ID, d.Human.Options[2].ID}
	if strings.Join(ids, ",") != "fix,skip,abort" || d.Human.Recommendation != AnswerFix {
		t.Fatalf("options=%v", ids)
	}
}
