package adapter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/danshapiro/relay/internal/relay/failure"
	"github.com/danshapiro/relay/internal/relay/oplog"
	"github.com/danshapiro/relay/internal/relay/procutil"
	"github.com/danshapiro/relay/internal/relay/retry"
	"github.com/danshapiro/relay/internal/relay/runtime"
)

// continuePrompt is sent when a resumed session must produce the final
// message it failed to emit.
const continuePrompt = "Your previous turn ended without a final message. Reply now with your complete final answer only."

type Options struct {
	// EmptyOutputRetries is how many times an empty final message is retried
	// by resuming the captured session.
	EmptyOutputRetries int
	EmptyBackoffBase   time.Duration
	EmptyBackoffMax    time.Duration
	// KillGrace is the wait between SIGTERM and SIGKILL.
	KillGrace time.Duration
	Workdir   string
	Model     string
	Env       []string
}

func DefaultOptions() Options {
	return Options{
		EmptyOutputRetries: 3,
		EmptyBackoffBase:   2 * time.Second,
		EmptyBackoffMax:    60 * time.Second,
		KillGrace:          5 * time.Second,
	}
}

type Request struct {
	Stage      string
	Prompt     string
	SessionID  string
	OutputFile string
	// ContextTokens is the session's last known context size; RunCompacted
	// reports it as the before figure.
	ContextTokens int
}

// Telemetry: Context is the session size after the run; the Before/After
// pair and ReductionPct are filled only by RunCompacted.
type Telemetry struct {
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	Context       int     `json:"context_tokens"`
	ContextBefore int     `json:"context_before,omitempty"`
	ContextAfter  int     `json:"context_after,omitempty"`
	ReductionPct  float64 `json:"reduction_pct,omitempty"`
}

type RunResult struct {
	Text      string
	SessionID string
	ExitCode  int
	Output    string
	Telemetry Telemetry
}

// Runner executes requests against one backend. Only one subprocess runs at
// a time; it is registered with the handle so an interrupt can stop it.
type Runner struct {
	backend Backend
	opts    Options
	log     *oplog.Log
	handle  *procutil.Handle
	sleep   func(context.Context, time.Duration) bool
}

func NewRunner(b Backend, opts Options, log *oplog.Log, handle *procutil.Handle) *Runner {
	return &Runner{backend: b, opts: opts, log: log, handle: handle, sleep: retry.SleepWithContext}
}

func (r *Runner) Backend() Backend { return r.backend }

type invocation struct {
	text      string
	session   string
	exitCode  int
	output    string
	tokens    int
	hasTokens bool
	usage     Usage
}

// Run executes req, resuming the captured session while the final message
// comes back empty.
func (r *Runner) Run(ctx context.Context, req Request) (*RunResult, error) {
	session := req.SessionID
	prompt := req.Prompt
	retries := r.opts.EmptyOutputRetries
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; ; attempt++ {
		if err := failure.Interrupted(ctx, req.Stage); err != nil {
			return nil, err
		}
		inv, err := r.invoke(ctx, req.Stage, prompt, session, req.OutputFile, 0)
		if err != nil {
			return nil, err
		}
		if inv.session != "" {
			session = inv.session
		}
		if inv.exitCode != 0 {
			return nil, r.exitFailure(req.Stage, session, inv)
		}
		if strings.TrimSpace(inv.text) != "" {
			if err := persistFinalMessage(req.OutputFile, inv.text); err != nil {
				return nil, fmt.Errorf("%s: write %s: %w", req.Stage, req.OutputFile, err)
			}
			return r.result(inv, session), nil
		}

		serverErr := failure.LooksLikeServerError(inv.output)
		diag := map[string]any{
			"prompt_bytes": len(req.Prompt),
			"retries_left": retries - attempt,
			"session_id":   session,
			"server_error": serverErr,
		}
		fields := oplog.Fields{
			"stage":        req.Stage,
			"attempt":      attempt + 1,
			"class":        string(failure.ClassTemporary),
			"session":      session,
			"server_error": serverErr,
		}
		if session == "" {
			fields["class"] = string(failure.ClassPermanent)
			r.log.Error("empty final message and no session to resume", fields)
			return nil, &failure.PermanentError{Stage: req.Stage, Reason: "empty final message and no session id to resume"}
		}
		if attempt >= retries {
			diag["retries_left"] = 0
			r.log.Error("empty final message, retries exhausted", fields)
			return nil, &failure.TemporaryError{Stage: req.Stage, SessionID: session, Reason: "empty final message", Diagnostics: diag}
		}
		if serverErr {
			delay := r.emptyDelay(attempt)
			fields["delay"] = delay.String()
			r.log.Warn("empty final message after server error, backing off", fields)
			if !r.sleep(ctx, delay) {
				if err := failure.Interrupted(ctx, req.Stage); err != nil {
					return nil, err
				}
			}
		} else {
			r.log.Warn("empty final message, resuming session", fields)
		}
		prompt = continuePrompt
	}
}

// RunCompacted shrinks the session first (a failed compaction is logged and
// tolerated), then runs req and reports the context reduction. The after
// figure is only reported when a compaction step succeeded.
func (r *Runner) RunCompacted(ctx context.Context, req Request) (*RunResult, error) {
	spec := r.backend.Compaction()
	before := req.ContextTokens
	compacted, ok := 0, false
	fields := oplog.Fields{"stage": req.Stage, "backend": r.backend.Name(), "mode": spec.Mode.String()}
	switch {
	case req.SessionID == "":
		r.log.Info("compaction skipped, no session", fields)
	case spec.Mode == CompactCommand, spec.Mode == CompactThreshold:
		limit := 0
		if spec.Mode == CompactThreshold {
			limit = spec.Threshold
			fields["threshold"] = limit
		}
		inv, err := r.invoke(ctx, req.Stage+"/compact", spec.Command, req.SessionID, "", limit)
		switch {
		case err != nil && failure.IsInterrupted(err):
			return nil, err
		case err != nil:
			fields["error"] = err.Error()
			r.log.Warn("compaction failed, continuing", fields)
		case inv.exitCode != 0:
			fields["exit_code"] = inv.exitCode
			r.log.Warn("compaction failed, continuing", fields)
		default:
			ok = true
			if inv.session != "" {
				req.SessionID = inv.session
			}
			if inv.hasTokens {
				compacted = inv.tokens
			}
		}
	default:
		r.log.Info("backend cannot compact", fields)
	}

	res, err := r.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return res, nil
	}
	after := compacted
	if after == 0 {
		after = res.Telemetry.Context
	}
	res.Telemetry.ContextBefore = before
	res.Telemetry.ContextAfter = after
	if before > 0 && after > 0 && after < before {
		res.Telemetry.ReductionPct = math.Round(float64(before-after)*1000/float64(before)) / 10
	}
	r.log.Info("compaction telemetry", oplog.Fields{
		"stage":         req.Stage,
		"before":        before,
		"after":         after,
		"reduction_pct": res.Telemetry.ReductionPct,
	})
	return res, nil
}

func (r *Runner) emptyDelay(attempt int) time.Duration {
	base := r.opts.EmptyBackoffBase
	if base <= 0 {
		return 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if r.opts.EmptyBackoffMax > 0 && d > r.opts.EmptyBackoffMax {
		d = r.opts.EmptyBackoffMax
	}
	return d
}

func (r *Runner) exitFailure(stage, session string, inv *invocation) error {
	class, reason := failure.ClassifyOutput(inv.output)
	fields := oplog.Fields{
		"stage":     stage,
		"exit_code": inv.exitCode,
		"class":     string(class),
		"session":   session,
		"reason":    reason,
	}
	r.log.Error("backend exited with failure", fields)
	if class == failure.ClassTemporary {
		return &failure.TemporaryError{
			Stage:       stage,
			SessionID:   session,
			Reason:      reason,
			Diagnostics: map[string]any{"exit_code": inv.exitCode},
		}
	}
	return &failure.PermanentError{Stage: stage, Reason: fmt.Sprintf("exit code %d: %s", inv.exitCode, reason)}
}

func (r *Runner) result(inv *invocation, session string) *RunResult {
	return &RunResult{
		Text:      inv.text,
		SessionID: session,
		ExitCode:  inv.exitCode,
		Output:    inv.output,
		Telemetry: Telemetry{
			InputTokens:  inv.usage.InputTokens,
			OutputTokens: inv.usage.OutputTokens,
			Context:      inv.tokens,
		},
	}
}

// invoke runs exactly one subprocess and streams its combined output.
func (r *Runner) invoke(ctx context.Context, stage, prompt, session, outputFile string, compactLimit int) (*invocation, error) {
	if outputFile != "" {
		if err := os.Remove(outputFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	exe := r.backend.Executable()
	args := r.backend.BuildArgs(Invocation{
		Prompt:     prompt,
		SessionID:  session,
		OutputFile: outputFile,
		Model:      r.opts.Model,
		Workdir:    r.opts.Workdir,

		CompactThreshold: compactLimit,
	})
	cmd := exec.Command(exe, args...)
	cmd.Dir = r.opts.Workdir
	if len(r.opts.Env) > 0 {
		cmd.Env = r.opts.Env
	}
	if r.backend.PromptOnStdin() {
		cmd.Stdin = strings.NewReader(prompt)
	}
	procutil.Detach(cmd)
	// Grandchildren holding the pipe open must not block Wait forever.
	cmd.WaitDelay = r.opts.KillGrace + 2*time.Second
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	r.log.Info("invoke", oplog.Fields{
		"stage":        stage,
		"backend":      r.backend.Name(),
		"session":      session,
		"prompt_bytes": len(prompt),
	})
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, &failure.PermanentError{Stage: stage, Reason: "start " + exe, Err: err}
	}
	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		_ = pw.Close()
		close(done)
	}()
	r.handle.Set(cmd, done, r.opts.KillGrace)
	defer r.handle.Clear()

	var once sync.Once
	terminate := func() {
		once.Do(func() {
			r.log.Warn("terminating subprocess", oplog.Fields{"stage": stage, "pid": cmd.Process.Pid})
			go func() { _ = procutil.Terminate(cmd, done, r.opts.KillGrace) }()
		})
	}
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			terminate()
		case <-stopWatch:
		}
	}()

	var out strings.Builder
	captured := ""
	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, 256*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		out.WriteString(line)
		out.WriteByte('\n')
		r.log.Line(stage, line)
		if captured == "" {
			if id, ok := r.backend.ParseSessionID(line); ok {
				captured = id
				r.log.Info("session captured", oplog.Fields{"stage": stage, "session": id})
			}
		}
		if ctx.Err() != nil {
			terminate()
		}
	}
	if sc.Err() != nil {
		_, _ = io.Copy(io.Discard, pr)
	}
	<-done

	if err := failure.Interrupted(ctx, stage); err != nil {
		return nil, err
	}
	exitCode := 0
	if waitErr != nil {
		var ee *exec.ExitError
		if !errors.As(waitErr, &ee) {
			return nil, &failure.PermanentError{Stage: stage, Reason: "wait", Err: waitErr}
		}
		exitCode = ee.ExitCode()
	}
	output := out.String()
	inv := &invocation{
		session:  captured,
		exitCode: exitCode,
		output:   output,
		usage:    r.backend.Usage(output),
	}
	if exitCode == 0 {
		inv.text = r.backend.ExtractFinalMessage(output, outputFile)
	}
	inv.tokens, inv.hasTokens = r.backend.ContextTokens(output)
	return inv, nil
}

// persistFinalMessage writes text to path unless the CLI already did.
func persistFinalMessage(path, text string) error {
	if strings.TrimSpace(path) == "" || readOutputFile(path) != "" {
		return nil
	}
	return runtime.WriteFileAtomic(path, []byte(strings.TrimRight(text, "\n")+"\n"), 0o644)
}
