package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/relay/internal/relay/failure"
	"github.com/danshapiro/relay/internal/relay/oplog"
	"github.com/danshapiro/relay/internal/relay/procutil"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testLog(t *testing.T) (*oplog.Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "operator.log")
	l, err := oplog.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func fastOptions() Options {
	return Options{
		EmptyOutputRetries: 2,
		EmptyBackoffBase:   10 * time.Millisecond,
		EmptyBackoffMax:    time.Second,
		KillGrace:          200 * time.Millisecond,
	}
}

func execRunner(t *testing.T, cfg Config) (*Runner, string) {
	t.Helper()
	b, err := newExec(cfg)
	if err != nil {
		t.Fatal(err)
	}
	log, logPath := testLog(t)
	return NewRunner(b, fastOptions(), log, &procutil.Handle{}), logPath
}

func TestClaudeBackend(t *testing.T) {
	b, _ := newClaude(Config{Model: "opus"})
	args := b.BuildArgs(Invocation{SessionID: "S1"})
	want := "-p --output-format stream-json --verbose --model opus --resume S1"
	if got := strings.Join(args, " "); got != want {
		t.Fatalf("args=%q want %q", got, want)
	}
	out := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"abc-123"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"thinking"}],"usage":{"input_tokens":10,"cache_read_input_tokens":1200,"output_tokens":5}}}`,
		`{"type":"result","subtype":"success","result":"FINAL","usage":{"input_tokens":10,"cache_read_input_tokens":1200,"output_tokens":42}}`,
	}, "\n")
	if id, ok := b.ParseSessionID(strings.Split(out, "\n")[0]); !ok || id != "abc-123" {
		t.Fatalf("session=%q ok=%v", id, ok)
	}
	if got := b.ExtractFinalMessage(out, ""); got != "FINAL" {
		t.Fatalf("final=%q", got)
	}
	if n, ok := b.ContextTokens(out); !ok || n != 1210 {
		t.Fatalf("tokens=%d", n)
	}
	if u := b.Usage(out); u.OutputTokens != 42 {
		t.Fatalf("usage=%+v", u)
	}
	if b.Compaction().Mode != CompactCommand || b.Compaction().Command != "/compact" {
		t.Fatalf("compaction=%+v", b.Compaction())
	}
}

func TestCodexBackend(t *testing.T) {
	b, _ := newCodex(Config{CompactThresholdTokens: 150000})
	args := strings.Join(b.BuildArgs(Invocation{SessionID: "T1", OutputFile: "/tmp/o.md", Workdir: "/w"}), " ")
	for _, want := range []string{"exec --json", "-C /w", "-o /tmp/o.md", "model_auto_compact_token_limit=150000", "resume T1 -"} {
		if !strings.Contains(args, want) {
			t.Fatalf("args %q missing %q", args, want)
		}
	}
	out := strings.Join([]string{
		`{"type":"thread.started","thread_id":"T2"}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"done here"}}`,
		`{"type":"turn.completed","usage":{"input_tokens":900,"output_tokens":30}}`,
	}, "\n")
	if id, ok := b.ParseSessionID(strings.Split(out, "\n")[0]); !ok || id != "T2" {
		t.Fatalf("session=%q", id)
	}
	if got := b.ExtractFinalMessage(out, filepath.Join(t.TempDir(), "missing")); got != "done here" {
		t.Fatalf("final=%q", got)
	}
	if n, _ := b.ContextTokens(out); n != 900 {
		t.Fatalf("tokens=%d", n)
	}
}

func TestGeminiBackend(t *testing.T) {
	b, _ := newGemini(Config{})
	args := b.BuildArgs(Invocation{Prompt: "hi", SessionID: "G"})
	if b.PromptOnStdin() || args[len(args)-1] != "hi" || args[len(args)-2] != "-p" {
		t.Fatalf("args=%v", args)
	}
	out := strings.Join([]string{
		`{"type":"init","session_id":"G2"}`,
		`{"type":"message","role":"assistant","content":"let me look","delta":true}`,
		`{"type":"tool_use","tool_name":"read_file"}`,
		`{"type":"message","role":"assistant","content":"All ","delta":true}`,
		`{"type":"message","role":"assistant","content":"good.","delta":true}`,
		`{"type":"result","stats":{"input_tokens":77,"output_tokens":3}}`,
	}, "\n")
	if got := b.ExtractFinalMessage(out, ""); got != "All good." {
		t.Fatalf("final=%q", got)
	}
	if id, _ := b.ParseSessionID(`{"type":"init","session_id":"G2"}`); id != "G2" {
		t.Fatalf("session=%q", id)
	}
	if b.Compaction().Mode != CompactNone {
		t.Fatal("gemini cannot compact")
	}
}

func TestExecBackend_Config(t *testing.T) {
	if _, err := newExec(Config{}); err == nil {
		t.Fatal("expected error without executable")
	}
	if _, err := newExec(Config{Executable: "x", SessionPattern: "no-group"}); err == nil {
		t.Fatal("expected error for pattern without capture group")
	}
	b, err := newExec(Config{Executable: "x", Args: []string{"--out", "{{output}}"}, ResumeArgs: []string{"--resume", "{{session}}"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(b.BuildArgs(Invocation{OutputFile: "o"}), " "); got != "--out o" {
		t.Fatalf("args=%q", got)
	}
	if got := strings.Join(b.BuildArgs(Invocation{OutputFile: "o", SessionID: "S"}), " "); got != "--resume S --out o" {
		t.Fatalf("args=%q", got)
	}
	if !b.PromptOnStdin() {
		t.Fatal("prompt should go to stdin without {{prompt}}")
	}
}

func TestRun_StreamsCapturesSessionAndWritesOutput(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "agent", `prompt=$(cat)
echo "session_id: S-77"
echo "working on: $prompt"
echo "context_tokens: 1234"
`)
	r, logPath := execRunner(t, Config{Executable: script})
	out := filepath.Join(dir, "report.md")
	res, err := r.Run(context.Background(), Request{Stage: "worker", Prompt: "build it", OutputFile: out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SessionID != "S-77" || res.Text != "working on: build it" || res.Telemetry.Context != 1234 {
		t.Fatalf("result=%+v", res)
	}
	b, err := os.ReadFile(out)
	if err != nil || string(b) != "working on: build it\n" {
		t.Fatalf("output file=%q err=%v", b, err)
	}
	logText := strings.Join(oplog.Tail(logPath, 50), "\n")
	if !strings.Contains(logText, "[worker] working on: build it") || !strings.Contains(logText, "session captured") {
		t.Fatalf("log=%s", logText)
	}
}

func TestRun_ExitFailureClassification(t *testing.T) {
	dir := t.TempDir()
	temp := writeScript(t, dir, "temp", `echo "session_id: S1"
echo "Error: rate limit exceeded" >&2
exit 1
`)
	r, _ := execRunner(t, Config{Executable: temp})
	_, err := r.Run(context.Background(), Request{Stage: "dispatch", Prompt: "p"})
	var te *failure.TemporaryError
	if !errors.As(err, &te) || te.SessionID != "S1" {
		t.Fatalf("err=%v", err)
	}

	perm := writeScript(t, dir, "perm", `echo "unknown option --frobnicate" >&2
exit 2
`)
	r, _ = execRunner(t, Config{Executable: perm})
	_, err = r.Run(context.Background(), Request{Stage: "dispatch", Prompt: "p"})
	var pe *failure.PermanentError
	if !errors.As(err, &pe) || !strings.Contains(pe.Reason, "unknown option") {
		t.Fatalf("err=%v", err)
	}
}

func TestRun_MissingExecutableIsPermanent(t *testing.T) {
	r, _ := execRunner(t, Config{Executable: filepath.Join(t.TempDir(), "nope")})
	_, err := r.Run(context.Background(), Request{Stage: "worker", Prompt: "p"})
	if failure.ClassOf(err) != failure.ClassPermanent {
		t.Fatalf("err=%v", err)
	}
}

// emptyThenAnswer prints a server error and no final message until it has
// been called `answerOn` times, then writes the answer to the output file.
func emptyThenAnswer(t *testing.T, dir string, answerOn int) string {
	return writeScript(t, dir, "flaky", fmt.Sprintf(`out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --out) out="$2"; shift 2 ;;
    --resume) echo "resume $2" >> %[1]s/resumes.log; shift 2 ;;
    *) shift ;;
  esac
done
cat > /dev/null
n=$(cat %[1]s/count 2>/dev/null || echo 0)
n=$((n+1))
echo $n > %[1]s/count
echo "session_id: S1"
if [ "$n" -lt %[2]d ]; then
  echo "API Error: 503 Service Unavailable"
  exit 0
fi
echo "final answer" > "$out"
`, dir, answerOn))
}

func TestRun_EmptyOutputResumesSessionWithBackoff(t *testing.T) {
	dir := t.TempDir()
	script := emptyThenAnswer(t, dir, 2)
	r, logPath := execRunner(t, Config{
		Executable: script,
		Args:       []string{"--out", "{{output}}"},
		ResumeArgs: []string{"--resume", "{{session}}"},
	})
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return true
	}
	out := filepath.Join(dir, "decision.json")
	res, err := r.Run(context.Background(), Request{Stage: "dispatch", Prompt: "decide", OutputFile: out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "final answer" || res.SessionID != "S1" {
		t.Fatalf("result=%+v", res)
	}
	if len(slept) != 1 || slept[0] < r.opts.EmptyBackoffBase {
		t.Fatalf("slept=%v", slept)
	}
	resumes, _ := os.ReadFile(filepath.Join(dir, "resumes.log"))
	if strings.TrimSpace(string(resumes)) != "resume S1" {
		t.Fatalf("resumes=%q", resumes)
	}
	if !strings.Contains(strings.Join(oplog.Tail(logPath, 50), "\n"), "backing off") {
		t.Fatal("expected backoff log entry")
	}
}

func TestRun_EmptyOutputBackoffStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	script := emptyThenAnswer(t, dir, 2)
	r, _ := execRunner(t, Config{
		Executable: script,
		Args:       []string{"--out", "{{output}}"},
		ResumeArgs: []string{"--resume", "{{session}}"},
	})
	r.opts.EmptyBackoffBase = time.Minute
	r.opts.EmptyBackoffMax = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)
	start := time.Now()
	_, err := r.Run(ctx, Request{Stage: "dispatch", Prompt: "decide", OutputFile: filepath.Join(dir, "decision.json")})
	if !failure.IsInterrupted(err) {
		t.Fatalf("err=%v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("backoff ignored cancellation for %v", elapsed)
	}
}

func TestRun_EmptyOutputExhaustionDiagnostics(t *testing.T) {
	dir := t.TempDir()
	script := emptyThenAnswer(t, dir, 100)
	r, _ := execRunner(t, Config{
		Executable: script,
		Args:       []string{"--out", "{{output}}"},
		ResumeArgs: []string{"--resume", "{{session}}"},
	})
	r.sleep = func(context.Context, time.Duration) bool { return true }
	_, err := r.Run(context.Background(), Request{Stage: "worker", Prompt: "12345", OutputFile: filepath.Join(dir, "report.md")})
	var te *failure.TemporaryError
	if !errors.As(err, &te) {
		t.Fatalf("err=%v", err)
	}
	if te.SessionID != "S1" || te.Diagnostics["prompt_bytes"] != 5 || te.Diagnostics["retries_left"] != 0 || te.Diagnostics["session_id"] != "S1" {
		t.Fatalf("diagnostics=%+v", te)
	}
	count, _ := os.ReadFile(filepath.Join(dir, "count"))
	if strings.TrimSpace(string(count)) != "3" {
		t.Fatalf("expected 1 attempt + 2 retries, got %q", count)
	}
}

func TestRun_EmptyOutputWithoutSessionIsPermanent(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "silent", "cat > /dev/null\necho \"API Error: 503\" > /dev/null\n")
	r, _ := execRunner(t, Config{Executable: script, Args: []string{"--out", "{{output}}"}})
	r.sleep = func(context.Context, time.Duration) bool {
		t.Fatal("should not back off without a session")
		return true
	}
	_, err := r.Run(context.Background(), Request{Stage: "worker", Prompt: "x", OutputFile: filepath.Join(dir, "report.md")})
	if failure.ClassOf(err) != failure.ClassPermanent {
		t.Fatalf("err=%v", err)
	}
}

func TestRun_InterruptTerminatesProcessGroup(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "slow", `echo "session_id: S9"
sleep 30
echo "too late"
`)
	r, _ := execRunner(t, Config{Executable: script})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)
	start := time.Now()
	_, err := r.Run(ctx, Request{Stage: "worker", Prompt: "p"})
	if !failure.IsInterrupted(err) {
		t.Fatalf("err=%v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("interrupt took %v", elapsed)
	}
}

func TestRunCompacted_ReportsReduction(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "compactor", `prompt=$(cat)
echo "session_id: S2"
if [ "$prompt" = "/compact" ]; then
  echo "context_tokens: 100"
  echo "compacted"
  exit 0
fi
echo "context_tokens: 300"
echo "next decision"
`)
	r, _ := execRunner(t, Config{Executable: script, CompactCommand: "/compact"})
	res, err := r.RunCompacted(context.Background(), Request{Stage: "dispatch", Prompt: "go", SessionID: "S1", ContextTokens: 1000})
	if err != nil {
		t.Fatalf("RunCompacted: %v", err)
	}
	tel := res.Telemetry
	if res.Text != "next decision" || res.SessionID != "S2" {
		t.Fatalf("result=%+v", res)
	}
	if tel.ContextBefore != 1000 || tel.ContextAfter != 100 || tel.ReductionPct != 90 || tel.Context != 300 {
		t.Fatalf("telemetry=%+v", tel)
	}
}

func TestRunCompacted_CodexLowersThresholdForOneTurn(t *testing.T) {
	dir := t.TempDir()
	argsLog := filepath.Join(dir, "argv.log")
	script := writeScript(t, dir, "codex", `echo "$*" >> `+argsLog+`
cat > /dev/null
echo '{"type":"thread.started","thread_id":"T1"}'
case "$*" in
*limit=25000*)
  echo '{"type":"item.completed","item":{"type":"agent_message","text":"OK"}}'
  echo '{"type":"turn.completed","usage":{"input_tokens":9000,"output_tokens":2}}'
  ;;
*)
  echo '{"type":"item.completed","item":{"type":"agent_message","text":"next decision"}}'
  echo '{"type":"turn.completed","usage":{"input_tokens":12000,"output_tokens":40}}'
  ;;
esac
`)
	b, err := newCodex(Config{Executable: script, CompactThresholdTokens: 100000})
	if err != nil {
		t.Fatal(err)
	}
	if spec := b.Compaction(); spec.Mode != CompactThreshold || spec.Threshold != 25000 {
		t.Fatalf("compaction=%+v", spec)
	}
	log, _ := testLog(t)
	r := NewRunner(b, fastOptions(), log, &procutil.Handle{})
	res, err := r.RunCompacted(context.Background(), Request{
		Stage:         "dispatch",
		Prompt:        "go",
		SessionID:     "T1",
		OutputFile:    filepath.Join(dir, "decision.json"),
		ContextTokens: 150000,
	})
	if err != nil {
		t.Fatalf("RunCompacted: %v", err)
	}
	raw, err := os.ReadFile(argsLog)
	if err != nil {
		t.Fatal(err)
	}
	calls := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(calls) != 2 {
		t.Fatalf("expected compaction turn plus run, got %d invocations: %q", len(calls), calls)
	}
	if !strings.Contains(calls[0], "model_auto_compact_token_limit=25000") || !strings.Contains(calls[0], "resume T1 -") {
		t.Fatalf("compaction argv=%q", calls[0])
	}
	if !strings.Contains(calls[1], "model_auto_compact_token_limit=100000") || strings.Contains(calls[1], "limit=25000") {
		t.Fatalf("run argv=%q", calls[1])
	}
	tel := res.Telemetry
	if res.Text != "next decision" || tel.ContextBefore != 150000 || tel.ContextAfter != 9000 || tel.ReductionPct != 94 || tel.Context != 12000 {
		t.Fatalf("result=%+v", res)
	}
}

func TestRunCompacted_NoStepNoReduction(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "plain", `cat > /dev/null
echo "context_tokens: 300"
echo "answer"
`)
	r, _ := execRunner(t, Config{Executable: script})
	res, err := r.RunCompacted(context.Background(), Request{Stage: "dispatch", Prompt: "go", SessionID: "S1", ContextTokens: 1000})
	if err != nil {
		t.Fatalf("RunCompacted: %v", err)
	}
	if tel := res.Telemetry; tel.ContextAfter != 0 || tel.ReductionPct != 0 || tel.Context != 300 {
		t.Fatalf("telemetry=%+v", tel)
	}
}

func TestRunCompacted_ToleratesCompactionFailure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "compactor", `prompt=$(cat)
if [ "$prompt" = "/compact" ]; then
  echo "unknown command" >&2
  exit 3
fi
echo "answer"
`)
	r, _ := execRunner(t, Config{Executable: script, CompactCommand: "/compact"})
	res, err := r.RunCompacted(context.Background(), Request{Stage: "dispatch", Prompt: "go", SessionID: "S1"})
	if err != nil || res.Text != "answer" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestRegistry_ResolveFallsBack(t *testing.T) {
	dir := t.TempDir()
	fake := writeScript(t, dir, "fake-agent", `echo "usage: fake-agent [flags]"
`)
	reg := NewRegistry()
	reg.Register("exec", newExec)
	reg.Register("fake", func(Config) (Backend, error) { return newExec(Config{Executable: fake}) })

	b, err := reg.Resolve(context.Background(), "exec", []string{"fake"}, Config{Executable: filepath.Join(dir, "missing")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Executable() != fake {
		t.Fatalf("resolved %s", b.Executable())
	}

	if _, err := reg.New("nope", Config{}); err == nil {
		t.Fatal("expected unknown backend error")
	}
	if got := strings.Join(reg.Names(), ","); got != "exec,fake" {
		t.Fatalf("names=%s", got)
	}
}

func TestRegistry_NothingAvailable(t *testing.T) {
	reg := NewRegistry()
	reg.Register("exec", newExec)
	_, err := reg.Resolve(context.Background(), "exec", nil, Config{Executable: "/definitely/not/here"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err=%v", err)
	}
}

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()
	if got := strings.Join(reg.Names(), ","); got != "claude,codex,exec,gemini" {
		t.Fatalf("names=%s", got)
	}
	if strings.Join(reg.order, ",") != "claude,codex,gemini" {
		t.Fatalf("order=%v", reg.order)
	}
}
