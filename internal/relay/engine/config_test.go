package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRunConfigFile_YAMLDefaults(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
version: 1
workspace: repo
backends:
  dispatcher:
    name: Claude
    fallback: [" Codex "]
  worker:
    name: exec
    executable: ./agent.sh
    args: ["--output", "{{output}}"]
retry:
  stage_retries: 0
`)
	cfg, err := LoadRunConfigFile(path)
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.Workspace != filepath.Join(dir, "repo") {
		t.Fatalf("workspace=%q", cfg.Workspace)
	}
	if cfg.Blackboard.Root != filepath.Join(dir, "repo", ".relay") {
		t.Fatalf("blackboard root=%q", cfg.Blackboard.Root)
	}
	if cfg.Backends.Dispatcher.Name != "claude" || len(cfg.Backends.Dispatcher.Fallback) != 1 || cfg.Backends.Dispatcher.Fallback[0] != "codex" {
		t.Fatalf("dispatcher=%+v", cfg.Backends.Dispatcher)
	}
	if *cfg.Retry.StageRetries != 0 {
		t.Fatalf("explicit stage_retries 0 must survive defaults, got %d", *cfg.Retry.StageRetries)
	}
	if *cfg.Adapter.EmptyOutputRetries != 3 || cfg.Engine.MaxTerminationAttempts != 3 {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Adapter, cfg.Engine)
	}
	if got := cfg.Engine.ContextLevels; len(got) != 5 || got[0] != 12 || got[4] != 1 {
		t.Fatalf("context levels=%v", got)
	}

	p := cfg.RetryPolicy()
	if p.Retries != 0 || p.Backoff.Initial != time.Second || p.Backoff.Max != 30*time.Second {
		t.Fatalf("policy=%+v", p)
	}
	ao := cfg.AdapterOptions(cfg.Backends.Worker)
	if ao.Workdir != cfg.Workspace || ao.KillGrace != 5*time.Second || ao.EmptyBackoffBase != 2*time.Second {
		t.Fatalf("adapter options=%+v", ao)
	}
	ac := cfg.AdapterConfig(cfg.Backends.Worker)
	if ac.Executable != "./agent.sh" || len(ac.Args) != 2 {
		t.Fatalf("adapter config=%+v", ac)
	}
	if d := cfg.Detector(); d.LoopWindow != 6 || d.BlockerRepeat != 3 || len(d.Permission) == 0 {
		t.Fatalf("detector=%+v", d)
	}
}

func TestLoadRunConfigFile_JSON(t *testing.T) {
	path := writeConfig(t, "relay.json", `{
  "version": 1,
  "blackboard": {"root": "/tmp/relay-board"},
  "backends": {"dispatcher": {"name": "codex"}, "worker": {"name": "claude"}},
  "engine": {"max_iterations": 40, "context_levels": [6, 3, 1]},
  "decision": {"strict": true, "allowed_artifacts": ["*.md", "notes/*.txt"]}
}`)
	cfg, err := LoadRunConfigFile(path)
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	if cfg.Blackboard.Root != "/tmp/relay-board" || cfg.Engine.MaxIterations != 40 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if o := cfg.DecisionOptions(); !o.Strict || len(o.AllowedArtifacts) != 2 {
		t.Fatalf("decision options=%+v", o)
	}
}

func TestLoadRunConfigFile_Rejects(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{
			name: "unknown yaml key",
			file: "relay.yaml",
			body: "version: 1\nbackends:\n  dispatcher: {name: claude}\n  worker: {name: claude}\nengine:\n  max_iteratons: 3\n",
			want: "max_iteratons",
		},
		{
			name: "unknown json key",
			file: "relay.json",
			body: `{"version":1,"backends":{"dispatcher":{"name":"claude"},"worker":{"name":"claude"}},"extra":true}`,
			want: "extra",
		},
		{
			name: "missing worker name",
			file: "relay.yaml",
			body: "version: 1\nbackends:\n  dispatcher: {name: claude}\n",
			want: "backends.worker.name is required",
		},
		{
			name: "exec without executable",
			file: "relay.yaml",
			body: "version: 1\nbackends:\n  dispatcher: {name: exec}\n  worker: {name: claude}\n",
			want: "backends.dispatcher.executable is required",
		},
		{
			name: "levels not decreasing",
			file: "relay.yaml",
			body: "version: 1\nbackends:\n  dispatcher: {name: claude}\n  worker: {name: claude}\nengine:\n  context_levels: [4, 4, 1]\n",
			want: "strictly decreasing",
		},
		{
			name: "second document",
			file: "relay.yaml",
			body: "version: 1\nbackends:\n  dispatcher: {name: claude}\n  worker: {name: claude}\n---\nversion: 2\n",
			want: "multiple documents",
		},
		{
			name: "bad version",
			file: "relay.yaml",
			body: "version: 2\nbackends:\n  dispatcher: {name: claude}\n  worker: {name: claude}\n",
			want: "unsupported config version",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadRunConfigFile(writeConfig(t, tc.file, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want %q", err, tc.want)
			}
		})
	}
}
