package adapter

import (
	"encoding/json"
	"os"
	"strings"
)

// streamEvent covers the NDJSON shapes emitted by the claude, codex and
// gemini CLIs. Unused fields stay zero.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Result    string `json:"result,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   any    `json:"content,omitempty"`
	Delta     bool   `json:"delta,omitempty"`

	Message *streamMessage `json:"message,omitempty"`
	Item    *streamItem    `json:"item,omitempty"`
	Msg     *streamMsg     `json:"msg,omitempty"`
	Usage   *streamUsage   `json:"usage,omitempty"`
	Stats   *streamUsage   `json:"stats,omitempty"`
}

type streamMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
	Usage   *streamUsage   `json:"usage,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type streamItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type streamMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

type streamUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CachedInputTokens        int `json:"cached_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

func (u *streamUsage) context() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

func parseEvent(line string) (*streamEvent, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return nil, false
	}
	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, false
	}
	return &ev, true
}

func events(output string) []*streamEvent {
	var out []*streamEvent
	for _, line := range splitLines(output) {
		if ev, ok := parseEvent(line); ok {
			out = append(out, ev)
		}
	}
	return out
}

// readOutputFile returns the trimmed content of path, or "".
func readOutputFile(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
