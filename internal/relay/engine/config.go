package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/relay/internal/relay/adapter"
	"github.com/danshapiro/relay/internal/relay/decision"
	"github.com/danshapiro/relay/internal/relay/retry"
)

type BackendConfig struct {
	Name           string   `json:"name" yaml:"name"`
	Fallback       []string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Executable     string   `json:"executable,omitempty" yaml:"executable,omitempty"`
	Model          string   `json:"model,omitempty" yaml:"model,omitempty"`
	Args           []string `json:"args,omitempty" yaml:"args,omitempty"`
	ResumeArgs     []string `json:"resume_args,omitempty" yaml:"resume_args,omitempty"`
	SessionPattern string   `json:"session_pattern,omitempty" yaml:"session_pattern,omitempty"`
	CompactCommand string   `json:"compact_command,omitempty" yaml:"compact_command,omitempty"`
}

type RunConfigFile struct {
	Version   int    `json:"version" yaml:"version"`
	Workspace string `json:"workspace" yaml:"workspace"`

	Blackboard struct {
		Root         string   `json:"root" yaml:"root"`
		TrackedGlobs []string `json:"tracked_globs,omitempty" yaml:"tracked_globs,omitempty"`
		ExcludeGlobs []string `json:"exclude_globs,omitempty" yaml:"exclude_globs,omitempty"`
	} `json:"blackboard" yaml:"blackboard"`

	Backends struct {
		Dispatcher BackendConfig `json:"dispatcher" yaml:"dispatcher"`
		Worker     BackendConfig `json:"worker" yaml:"worker"`
	} `json:"backends" yaml:"backends"`

	Adapter struct {
		EmptyOutputRetries     *int `json:"empty_output_retries,omitempty" yaml:"empty_output_retries,omitempty"`
		EmptyBackoffBaseMS     int  `json:"empty_backoff_base_ms,omitempty" yaml:"empty_backoff_base_ms,omitempty"`
		EmptyBackoffMaxMS      int  `json:"empty_backoff_max_ms,omitempty" yaml:"empty_backoff_max_ms,omitempty"`
		KillGraceMS            int  `json:"kill_grace_ms,omitempty" yaml:"kill_grace_ms,omitempty"`
		CompactThresholdTokens int  `json:"compact_threshold_tokens,omitempty" yaml:"compact_threshold_tokens,omitempty"`
	} `json:"adapter,omitempty" yaml:"adapter,omitempty"`

	Retry struct {
		StageRetries   *int    `json:"stage_retries,omitempty" yaml:"stage_retries,omitempty"`
		InitialDelayMS int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
		BackoffFactor  float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
		MaxDelayMS     int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
		Jitter         bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	} `json:"retry,omitempty" yaml:"retry,omitempty"`

	Engine struct {
		MaxIterations          int   `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
		MaxTerminationAttempts int   `json:"max_termination_attempts,omitempty" yaml:"max_termination_attempts,omitempty"`
		MaxPromptBytes         int   `json:"max_prompt_bytes,omitempty" yaml:"max_prompt_bytes,omitempty"`
		ContextLevels          []int `json:"context_levels,omitempty" yaml:"context_levels,omitempty"`
		ShrinkEveryBytes       int   `json:"shrink_every_bytes,omitempty" yaml:"shrink_every_bytes,omitempty"`
		ShrinkEveryIterations  int   `json:"shrink_every_iterations,omitempty" yaml:"shrink_every_iterations,omitempty"`
	} `json:"engine,omitempty" yaml:"engine,omitempty"`

	Escalation struct {
		PermissionKeywords  []string `json:"permission_keywords,omitempty" yaml:"permission_keywords,omitempty"`
		EnvironmentKeywords []string `json:"environment_keywords,omitempty" yaml:"environment_keywords,omitempty"`
		LoopWindow          int      `json:"loop_window,omitempty" yaml:"loop_window,omitempty"`
		BlockerRepeat       int      `json:"blocker_repeat,omitempty" yaml:"blocker_repeat,omitempty"`
	} `json:"escalation,omitempty" yaml:"escalation,omitempty"`

	Decision struct {
		AllowedArtifacts []string `json:"allowed_artifacts,omitempty" yaml:"allowed_artifacts,omitempty"`
		Strict           bool     `json:"strict,omitempty" yaml:"strict,omitempty"`
	} `json:"decision,omitempty" yaml:"decision,omitempty"`
}

// LoadRunConfigFile decodes path strictly (unknown keys are errors), applies
// defaults, and validates. Relative workspace and blackboard paths resolve
// against the config file's directory.
func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyConfigDefaults(&cfg, filepath.Dir(path))
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *RunConfigFile, baseDir string) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.Workspace = strings.TrimSpace(cfg.Workspace)
	if cfg.Workspace == "" {
		cfg.Workspace = "."
	}
	if !filepath.IsAbs(cfg.Workspace) && baseDir != "" {
		cfg.Workspace = filepath.Join(baseDir, cfg.Workspace)
	}
	cfg.Blackboard.Root = strings.TrimSpace(cfg.Blackboard.Root)
	if cfg.Blackboard.Root == "" {
		cfg.Blackboard.Root = ".relay"
	}
	if !filepath.IsAbs(cfg.Blackboard.Root) {
		cfg.Blackboard.Root = filepath.Join(cfg.Workspace, cfg.Blackboard.Root)
	}
	cfg.Blackboard.TrackedGlobs = trimNonEmpty(cfg.Blackboard.TrackedGlobs)
	cfg.Blackboard.ExcludeGlobs = trimNonEmpty(cfg.Blackboard.ExcludeGlobs)
	normalizeBackend(&cfg.Backends.Dispatcher)
	normalizeBackend(&cfg.Backends.Worker)

	if cfg.Adapter.EmptyOutputRetries == nil {
		v := 3
		cfg.Adapter.EmptyOutputRetries = &v
	}
	if cfg.Adapter.EmptyBackoffBaseMS == 0 {
		cfg.Adapter.EmptyBackoffBaseMS = 2000
	}
	if cfg.Adapter.EmptyBackoffMaxMS == 0 {
		cfg.Adapter.EmptyBackoffMaxMS = 60000
	}
	if cfg.Adapter.KillGraceMS == 0 {
		cfg.Adapter.KillGraceMS = 5000
	}

	if cfg.Retry.StageRetries == nil {
		v := 2
		cfg.Retry.StageRetries = &v
	}
	if cfg.Retry.InitialDelayMS == 0 {
		cfg.Retry.InitialDelayMS = 1000
	}
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry.BackoffFactor = 2
	}
	if cfg.Retry.MaxDelayMS == 0 {
		cfg.Retry.MaxDelayMS = 30000
	}

	if cfg.Engine.MaxTerminationAttempts == 0 {
		cfg.Engine.MaxTerminationAttempts = 3
	}
	if cfg.Engine.MaxPromptBytes == 0 {
		cfg.Engine.MaxPromptBytes = 400000
	}
	if len(cfg.Engine.ContextLevels) == 0 {
		cfg.Engine.ContextLevels = []int{12, 8, 4, 2, 1}
	}
	if cfg.Engine.ShrinkEveryBytes == 0 {
		cfg.Engine.ShrinkEveryBytes = 64 * 1024
	}
	if cfg.Engine.ShrinkEveryIterations == 0 {
		cfg.Engine.ShrinkEveryIterations = 10
	}

	def := retry.DefaultDetector()
	cfg.Escalation.PermissionKeywords = trimNonEmpty(cfg.Escalation.PermissionKeywords)
	if len(cfg.Escalation.PermissionKeywords) == 0 {
		cfg.Escalation.PermissionKeywords = def.Permission
	}
	cfg.Escalation.EnvironmentKeywords = trimNonEmpty(cfg.Escalation.EnvironmentKeywords)
	if len(cfg.Escalation.EnvironmentKeywords) == 0 {
		cfg.Escalation.EnvironmentKeywords = def.Environment
	}
	if cfg.Escalation.LoopWindow == 0 {
		cfg.Escalation.LoopWindow = def.LoopWindow
	}
	if cfg.Escalation.BlockerRepeat == 0 {
		cfg.Escalation.BlockerRepeat = def.BlockerRepeat
	}

	cfg.Decision.AllowedArtifacts = trimNonEmpty(cfg.Decision.AllowedArtifacts)
	if len(cfg.Decision.AllowedArtifacts) == 0 {
		cfg.Decision.AllowedArtifacts = append([]string{}, decision.DefaultAllowedArtifacts...)
	}
}

func normalizeBackend(bc *BackendConfig) {
	bc.Name = strings.ToLower(strings.TrimSpace(bc.Name))
	bc.Fallback = trimNonEmpty(bc.Fallback)
	for i := range bc.Fallback {
		bc.Fallback[i] = strings.ToLower(bc.Fallback[i])
	}
	bc.Executable = strings.TrimSpace(bc.Executable)
	bc.Model = strings.TrimSpace(bc.Model)
	bc.SessionPattern = strings.TrimSpace(bc.SessionPattern)
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	for _, role := range []struct {
		key string
		bc  BackendConfig
	}{
		{"backends.dispatcher", cfg.Backends.Dispatcher},
		{"backends.worker", cfg.Backends.Worker},
	} {
		if role.bc.Name == "" {
			return fmt.Errorf("%s.name is required", role.key)
		}
		if role.bc.Name == "exec" && role.bc.Executable == "" {
			return fmt.Errorf("%s.executable is required when name=exec", role.key)
		}
	}
	if *cfg.Adapter.EmptyOutputRetries < 0 {
		return fmt.Errorf("adapter.empty_output_retries must be >= 0")
	}
	if cfg.Adapter.EmptyBackoffBaseMS < 0 || cfg.Adapter.EmptyBackoffMaxMS < 0 {
		return fmt.Errorf("adapter.empty_backoff_base_ms and adapter.empty_backoff_max_ms must be >= 0")
	}
	if cfg.Adapter.EmptyBackoffMaxMS < cfg.Adapter.EmptyBackoffBaseMS {
		return fmt.Errorf("adapter.empty_backoff_max_ms must be >= empty_backoff_base_ms")
	}
	if cfg.Adapter.KillGraceMS < 0 {
		return fmt.Errorf("adapter.kill_grace_ms must be >= 0")
	}
	if cfg.Adapter.CompactThresholdTokens < 0 {
		return fmt.Errorf("adapter.compact_threshold_tokens must be >= 0")
	}
	if *cfg.Retry.StageRetries < 0 {
		return fmt.Errorf("retry.stage_retries must be >= 0")
	}
	if cfg.Retry.InitialDelayMS < 0 || cfg.Retry.MaxDelayMS < 0 {
		return fmt.Errorf("retry.initial_delay_ms and retry.max_delay_ms must be >= 0")
	}
	if cfg.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1")
	}
	if cfg.Engine.MaxIterations < 0 {
		return fmt.Errorf("engine.max_iterations must be >= 0")
	}
	if cfg.Engine.MaxTerminationAttempts < 1 {
		return fmt.Errorf("engine.max_termination_attempts must be >= 1")
	}
	if cfg.Engine.MaxPromptBytes < 1024 {
		return fmt.Errorf("engine.max_prompt_bytes must be >= 1024")
	}
	prev := 0
	for i, lvl := range cfg.Engine.ContextLevels {
		if lvl < 1 {
			return fmt.Errorf("engine.context_levels[%d] must be >= 1", i)
		}
		if i > 0 && lvl >= prev {
			return fmt.Errorf("engine.context_levels must be strictly decreasing")
		}
		prev = lvl
	}
	if cfg.Engine.ShrinkEveryBytes < 0 || cfg.Engine.ShrinkEveryIterations < 0 {
		return fmt.Errorf("engine.shrink_every_bytes and engine.shrink_every_iterations must be >= 0")
	}
	if cfg.Escalation.LoopWindow < 2 {
		return fmt.Errorf("escalation.loop_window must be >= 2")
	}
	if cfg.Escalation.BlockerRepeat < 2 {
		return fmt.Errorf("escalation.blocker_repeat must be >= 2")
	}
	if _, err := decision.NewValidator(cfg.DecisionOptions()); err != nil {
		return fmt.Errorf("decision: %w", err)
	}
	return nil
}

// AdapterOptions converts the adapter section for one role.
func (cfg *RunConfigFile) AdapterOptions(bc BackendConfig) adapter.Options {
	return adapter.Options{
		EmptyOutputRetries: *cfg.Adapter.EmptyOutputRetries,
		EmptyBackoffBase:   ms(cfg.Adapter.EmptyBackoffBaseMS),
		EmptyBackoffMax:    ms(cfg.Adapter.EmptyBackoffMaxMS),
		KillGrace:          ms(cfg.Adapter.KillGraceMS),
		Workdir:            cfg.Workspace,
		Model:              bc.Model,
	}
}

// AdapterConfig is the backend construction config for one role.
func (cfg *RunConfigFile) AdapterConfig(bc BackendConfig) adapter.Config {
	return adapter.Config{
		Executable:             bc.Executable,
		Model:                  bc.Model,
		Args:                   append([]string{}, bc.Args...),
		ResumeArgs:             append([]string{}, bc.ResumeArgs...),
		SessionPattern:         bc.SessionPattern,
		CompactCommand:         bc.CompactCommand,
		CompactThresholdTokens: cfg.Adapter.CompactThresholdTokens,
	}
}

func (cfg *RunConfigFile) RetryPolicy() retry.Policy {
	return retry.Policy{
		Retries: *cfg.Retry.StageRetries,
		Backoff: retry.Backoff{
			Initial: ms(cfg.Retry.InitialDelayMS),
			Factor:  cfg.Retry.BackoffFactor,
			Max:     ms(cfg.Retry.MaxDelayMS),
			Jitter:  cfg.Retry.Jitter,
		},
	}
}

func (cfg *RunConfigFile) Detector() retry.Detector {
	return retry.Detector{
		Permission:    append([]string{}, cfg.Escalation.PermissionKeywords...),
		Environment:   append([]string{}, cfg.Escalation.EnvironmentKeywords...),
		LoopWindow:    cfg.Escalation.LoopWindow,
		BlockerRepeat: cfg.Escalation.BlockerRepeat,
	}
}

func (cfg *RunConfigFile) DecisionOptions() decision.Options {
	return decision.Options{
		Strict:           cfg.Decision.Strict,
		AllowedArtifacts: append([]string{}, cfg.Decision.AllowedArtifacts...),
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
