package adapter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	defaultSessionPattern = `(?i)session[_ -]?id["']?\s*[:=]\s*["']?([A-Za-z0-9._-]+)`
	contextTokensPattern  = `(?i)context[_ -]?tokens["']?\s*[:=]\s*(\d+)`
)

var contextTokensRE = regexp.MustCompile(contextTokensPattern)

// execBackend drives any CLI described entirely by configuration. Args may
// use the placeholders {{prompt}}, {{session}}, {{output}}, {{model}} and
// {{workdir}}; without {{prompt}} the prompt goes to stdin.
type execBackend struct {
	cfg       Config
	sessionRE *regexp.Regexp
}

func newExec(cfg Config) (Backend, error) {
	if strings.TrimSpace(cfg.Executable) == "" {
		return nil, fmt.Errorf("exec backend requires an executable")
	}
	pattern := firstNonEmpty(cfg.SessionPattern, defaultSessionPattern)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("session_pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("session_pattern %q needs a capture group", pattern)
	}
	return &execBackend{cfg: cfg, sessionRE: re}, nil
}

func (b *execBackend) Name() string       { return "exec" }
func (b *execBackend) Executable() string { return b.cfg.Executable }
func (b *execBackend) HelpArgs() []string { return []string{"--help"} }

func (b *execBackend) usesOutputFile() bool {
	for _, a := range b.cfg.Args {
		if strings.Contains(a, "{{output}}") {
			return true
		}
	}
	return false
}

func (b *execBackend) PromptOnStdin() bool {
	for _, a := range append(append([]string{}, b.cfg.Args...), b.cfg.ResumeArgs...) {
		if strings.Contains(a, "{{prompt}}") {
			return false
		}
	}
	return true
}

func (b *execBackend) BuildArgs(inv Invocation) []string {
	repl := strings.NewReplacer(
		"{{prompt}}", inv.Prompt,
		"{{session}}", inv.SessionID,
		"{{output}}", inv.OutputFile,
		"{{model}}", firstNonEmpty(inv.Model, b.cfg.Model),
		"{{workdir}}", inv.Workdir,
	)
	var args []string
	if inv.SessionID != "" {
		for _, a := range b.cfg.ResumeArgs {
			args = append(args, repl.Replace(a))
		}
	}
	for _, a := range b.cfg.Args {
		args = append(args, repl.Replace(a))
	}
	return args
}

func (b *execBackend) ParseSessionID(line string) (string, bool) {
	m := b.sessionRE.FindStringSubmatch(line)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// ExtractFinalMessage reads the output file when the argument template
// hands one to the CLI. Otherwise the final message is the whole output minus
// session and token lines.
func (b *execBackend) ExtractFinalMessage(output, outputFile string) string {
	if b.usesOutputFile() {
		return readOutputFile(outputFile)
	}
	var kept []string
	for _, line := range splitLines(output) {
		if _, ok := b.ParseSessionID(line); ok {
			continue
		}
		if contextTokensRE.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func (b *execBackend) ContextTokens(output string) (int, bool) {
	n, found := 0, false
	for _, line := range splitLines(output) {
		if m := contextTokensRE.FindStringSubmatch(line); len(m) > 1 {
			if v, err := strconv.Atoi(m[1]); err == nil {
				n, found = v, true
			}
		}
	}
	return n, found
}

func (b *execBackend) Usage(output string) Usage {
	n, _ := b.ContextTokens(output)
	return Usage{InputTokens: n}
}

func (b *execBackend) Compaction() CompactSpec {
	if strings.TrimSpace(b.cfg.CompactCommand) == "" {
		return CompactSpec{Mode: CompactNone}
	}
	return CompactSpec{Mode: CompactCommand, Command: b.cfg.CompactCommand}
}
