// Package adapter runs one external agent CLI invocation to completion:
// building its command line, streaming and forwarding its output, capturing
// its session id, extracting its final message, and classifying failures.
package adapter

import (
	"strings"
)

// Invocation is everything a backend needs to build one command line.
type Invocation struct {
	Prompt     string
	SessionID  string
	OutputFile string
	Model      string
	Workdir    string
	// CompactThreshold, when positive, replaces the configured auto-compact
	// limit of a threshold backend for this invocation only.
	CompactThreshold int
}

type CompactMode int

const (
	// CompactNone: the backend cannot shrink a session.
	CompactNone CompactMode = iota
	// CompactCommand: send Command as a prompt inside the session.
	CompactCommand
	// CompactThreshold: the backend compacts by itself once the context
	// passes a token threshold passed on the command line.
	CompactThreshold
)

func (m CompactMode) String() string {
	switch m {
	case CompactCommand:
		return "command"
	case CompactThreshold:
		return "threshold"
	default:
		return "none"
	}
}

// CompactSpec describes the compaction step. For CompactCommand, Command is
// sent inside the session. For CompactThreshold, Command is a short turn
// run with the auto-compact limit lowered to Threshold.
type CompactSpec struct {
	Mode      CompactMode
	Command   string
	Threshold int
}

// Usage is the token accounting reported by one invocation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Backend is the capability contract every agent CLI variant satisfies.
type Backend interface {
	Name() string
	Executable() string
	BuildArgs(inv Invocation) []string
	PromptOnStdin() bool
	// ParseSessionID inspects one output line; the runner keeps the first hit.
	ParseSessionID(line string) (string, bool)
	ExtractFinalMessage(output string, outputFile string) string
	ContextTokens(output string) (int, bool)
	Usage(output string) Usage
	Compaction() CompactSpec
	// HelpArgs is the cheap invocation used to probe liveness.
	HelpArgs() []string
}

// Config customizes a backend. Zero values select the backend's defaults.
type Config struct {
	Executable string
	Model      string
	// Args are appended to the built-in arguments, or, for the exec backend,
	// form the whole argument template.
	Args []string
	// ResumeArgs (exec backend) are added only when resuming a session.
	ResumeArgs     []string
	SessionPattern string
	CompactCommand string
	// CompactThresholdTokens configures self-compacting backends.
	CompactThresholdTokens int
}

func (c Config) executableOr(def string) string {
	if s := strings.TrimSpace(c.Executable); s != "" {
		return s
	}
	return def
}

func lastNonEmpty(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}

func splitLines(output string) []string {
	return strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
}
