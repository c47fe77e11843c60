package adapter

import "strings"

type claudeBackend struct{ cfg Config }

func newClaude(cfg Config) (Backend, error) { return &claudeBackend{cfg: cfg}, nil }

func (b *claudeBackend) Name() string        { return "claude" }
func (b *claudeBackend) Executable() string  { return b.cfg.executableOr("claude") }
func (b *claudeBackend) PromptOnStdin() bool { return true }
func (b *claudeBackend) HelpArgs() []string  { return []string{"--help"} }

func (b *claudeBackend) BuildArgs(inv Invocation) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if m := firstNonEmpty(inv.Model, b.cfg.Model); m != "" {
		args = append(args, "--model", m)
	}
	if inv.SessionID != "" {
		args = append(args, "--resume", inv.SessionID)
	}
	return append(args, b.cfg.Args...)
}

func (b *claudeBackend) ParseSessionID(line string) (string, bool) {
	ev, ok := parseEvent(line)
	if !ok || ev.SessionID == "" {
		return "", false
	}
	return ev.SessionID, true
}

// ExtractFinalMessage prefers the terminal result event, falling back to the
// text of the last assistant message.
func (b *claudeBackend) ExtractFinalMessage(output, _ string) string {
	var result, lastAssistant string
	for _, ev := range events(output) {
		switch ev.Type {
		case "result":
			if strings.TrimSpace(ev.Result) != "" {
				result = ev.Result
			}
		case "assistant":
			if ev.Message == nil {
				continue
			}
			var parts []string
			for _, c := range ev.Message.Content {
				if c.Type == "text" && strings.TrimSpace(c.Text) != "" {
					parts = append(parts, c.Text)
				}
			}
			if len(parts) > 0 {
				lastAssistant = strings.Join(parts, "\n")
			}
		}
	}
	return strings.TrimSpace(firstNonEmpty(result, lastAssistant))
}

func (b *claudeBackend) ContextTokens(output string) (int, bool) {
	n := 0
	for _, ev := range events(output) {
		if ev.Type == "assistant" && ev.Message != nil && ev.Message.Usage != nil {
			n = ev.Message.Usage.context()
		}
	}
	return n, n > 0
}

func (b *claudeBackend) Usage(output string) Usage {
	var u Usage
	for _, ev := range events(output) {
		if ev.Type == "result" && ev.Usage != nil {
			u = Usage{InputTokens: ev.Usage.context(), OutputTokens: ev.Usage.OutputTokens}
		}
	}
	return u
}

func (b *claudeBackend) Compaction() CompactSpec {
	return CompactSpec{Mode: CompactCommand, Command: firstNonEmpty(b.cfg.CompactCommand, "/compact")}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
