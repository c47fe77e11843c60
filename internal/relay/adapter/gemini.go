package adapter

import "strings"

type geminiBackend struct{ cfg Config }

func newGemini(cfg Config) (Backend, error) { return &geminiBackend{cfg: cfg}, nil }

func (b *geminiBackend) Name() string        { return "gemini" }
func (b *geminiBackend) Executable() string  { return b.cfg.executableOr("gemini") }
func (b *geminiBackend) PromptOnStdin() bool { return false }
func (b *geminiBackend) HelpArgs() []string  { return []string{"--help"} }

func (b *geminiBackend) BuildArgs(inv Invocation) []string {
	// Gemini must run non-interactively; --yolo auto-approves tool calls.
	args := []string{"--output-format", "stream-json", "--yolo"}
	if m := firstNonEmpty(inv.Model, b.cfg.Model); m != "" {
		args = append(args, "--model", m)
	}
	if inv.SessionID != "" {
		args = append(args, "--resume", inv.SessionID)
	}
	args = append(args, b.cfg.Args...)
	return append(args, "-p", inv.Prompt)
}

func (b *geminiBackend) ParseSessionID(line string) (string, bool) {
	ev, ok := parseEvent(line)
	if !ok || ev.Type != "init" || ev.SessionID == "" {
		return "", false
	}
	return ev.SessionID, true
}

// ExtractFinalMessage joins the assistant message deltas of the last turn.
func (b *geminiBackend) ExtractFinalMessage(output, outputFile string) string {
	var buf strings.Builder
	for _, ev := range events(output) {
		switch {
		case ev.Type == "message" && ev.Role == "assistant":
			text, _ := ev.Content.(string)
			if !ev.Delta {
				buf.Reset()
			}
			buf.WriteString(text)
		case ev.Type == "tool_use":
			// Text before a tool call is narration, not the answer.
			buf.Reset()
		}
	}
	if s := strings.TrimSpace(buf.String()); s != "" {
		return s
	}
	return readOutputFile(outputFile)
}

func (b *geminiBackend) ContextTokens(output string) (int, bool) {
	n := 0
	for _, ev := range events(output) {
		if ev.Type == "result" && ev.Stats != nil {
			n = ev.Stats.InputTokens
		}
	}
	return n, n > 0
}

func (b *geminiBackend) Usage(output string) Usage {
	var u Usage
	for _, ev := range events(output) {
		if ev.Type == "result" && ev.Stats != nil {
			u = Usage{InputTokens: ev.Stats.InputTokens, OutputTokens: ev.Stats.OutputTokens}
		}
	}
	return u
}

func (b *geminiBackend) Compaction() CompactSpec { return CompactSpec{Mode: CompactNone} }
