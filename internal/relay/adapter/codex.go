package adapter

import (
	"strconv"
	"strings"
)

type codexBackend struct{ cfg Config }

func newCodex(cfg Config) (Backend, error) { return &codexBackend{cfg: cfg}, nil }

func (b *codexBackend) Name() string        { return "codex" }
func (b *codexBackend) Executable() string  { return b.cfg.executableOr("codex") }
func (b *codexBackend) PromptOnStdin() bool { return true }
func (b *codexBackend) HelpArgs() []string  { return []string{"exec", "--help"} }

func (b *codexBackend) BuildArgs(inv Invocation) []string {
	args := []string{"exec", "--json", "--sandbox", "workspace-write", "--skip-git-repo-check"}
	if m := firstNonEmpty(inv.Model, b.cfg.Model); m != "" {
		args = append(args, "-m", m)
	}
	if inv.Workdir != "" {
		args = append(args, "-C", inv.Workdir)
	}
	if inv.OutputFile != "" {
		args = append(args, "-o", inv.OutputFile)
	}
	limit := b.cfg.CompactThresholdTokens
	if inv.CompactThreshold > 0 {
		limit = inv.CompactThreshold
	}
	if limit > 0 {
		args = append(args, "-c", "model_auto_compact_token_limit="+strconv.Itoa(limit))
	}
	args = append(args, b.cfg.Args...)
	if inv.SessionID != "" {
		args = append(args, "resume", inv.SessionID)
	}
	// "-" reads the prompt from stdin.
	return append(args, "-")
}

func (b *codexBackend) ParseSessionID(line string) (string, bool) {
	ev, ok := parseEvent(line)
	if !ok {
		return "", false
	}
	switch {
	case ev.Type == "thread.started" && ev.ThreadID != "":
		return ev.ThreadID, true
	case ev.Msg != nil && ev.Msg.Type == "session_configured" && ev.Msg.SessionID != "":
		return ev.Msg.SessionID, true
	case ev.SessionID != "":
		return ev.SessionID, true
	}
	return "", false
}

// ExtractFinalMessage reads the last-message file codex writes with -o,
// falling back to the last agent_message item in the event stream.
func (b *codexBackend) ExtractFinalMessage(output, outputFile string) string {
	if s := readOutputFile(outputFile); s != "" {
		return s
	}
	var last string
	for _, ev := range events(output) {
		if ev.Type == "item.completed" && ev.Item != nil && ev.Item.Type == "agent_message" && strings.TrimSpace(ev.Item.Text) != "" {
			last = ev.Item.Text
		}
	}
	return strings.TrimSpace(last)
}

func (b *codexBackend) ContextTokens(output string) (int, bool) {
	n := 0
	for _, ev := range events(output) {
		if ev.Type == "turn.completed" && ev.Usage != nil {
			n = ev.Usage.InputTokens
		}
	}
	return n, n > 0
}

func (b *codexBackend) Usage(output string) Usage {
	var u Usage
	for _, ev := range events(output) {
		if ev.Type == "turn.completed" && ev.Usage != nil {
			u.InputTokens += ev.Usage.InputTokens
			u.OutputTokens += ev.Usage.OutputTokens
		}
	}
	return u
}

const (
	codexCompactPrompt = "Reply with OK."
	// minCompactLimit keeps the lowered limit above the size of a summary.
	minCompactLimit = 4000
)

// Compaction lowers the auto-compact limit to a quarter of the configured
// one so codex summarizes the session on a throwaway turn.
func (b *codexBackend) Compaction() CompactSpec {
	limit := b.cfg.CompactThresholdTokens / 4
	if limit < minCompactLimit {
		limit = minCompactLimit
	}
	return CompactSpec{Mode: CompactThreshold, Command: codexCompactPrompt, Threshold: limit}
}
