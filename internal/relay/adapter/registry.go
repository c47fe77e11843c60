package adapter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danshapiro/relay/internal/relay/procutil"
)

type Constructor func(Config) (Backend, error)

// Registry maps backend names to constructors and knows the default
// fallback order.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
	order []string

	ProbeTimeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{ctors: map[string]Constructor{}, ProbeTimeout: 5 * time.Second}
}

// DefaultRegistry has the built-in variants. The generic exec backend is
// registered but not in the fallback order: it needs explicit configuration.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("claude", newClaude)
	r.Register("codex", newCodex)
	r.Register("gemini", newGemini)
	r.register("exec", newExec, false)
	return r
}

// Register adds name to the registry and to the end of the fallback order.
func (r *Registry) Register(name string, ctor Constructor) {
	r.register(name, ctor, true)
}

func (r *Registry) register(name string, ctor Constructor, fallback bool) {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[name]; !exists && fallback {
		r.order = append(r.order, name)
	}
	r.ctors[name] = ctor
}

// Names lists every registered backend, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) New(name string, cfg Config) (Backend, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[normalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (registered: %s)", name, strings.Join(r.Names(), ", "))
	}
	return ctor(cfg)
}

// Available reports why b cannot run here, or nil. The executable must be on
// PATH and answer its help probe.
func (r *Registry) Available(ctx context.Context, b Backend) error {
	exe := b.Executable()
	path, err := exec.LookPath(exe)
	if err != nil {
		return fmt.Errorf("%s: executable %q not found: %w", b.Name(), exe, err)
	}
	timeout := r.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(probeCtx, path, b.HelpArgs()...)
	procutil.Detach(cmd)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()
	if probeCtx.Err() != nil {
		return fmt.Errorf("%s: help probe timed out after %s", b.Name(), timeout)
	}
	if runErr != nil && strings.TrimSpace(out.String()) == "" {
		return fmt.Errorf("%s: help probe failed: %w", b.Name(), runErr)
	}
	if strings.TrimSpace(out.String()) == "" {
		return fmt.Errorf("%s: help probe output empty", b.Name())
	}
	return nil
}

// Resolve returns the first available backend among requested, fallback
// and the registry's default order. Only requested receives cfg in full;
// fallbacks keep just the settings that are not backend specific.
func (r *Registry) Resolve(ctx context.Context, requested string, fallback []string, cfg Config) (Backend, error) {
	candidates := []string{normalizeName(requested)}
	for _, f := range fallback {
		candidates = append(candidates, normalizeName(f))
	}
	r.mu.RLock()
	candidates = append(candidates, r.order...)
	r.mu.RUnlock()

	seen := map[string]bool{}
	var reasons []string
	for i, name := range candidates {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		c := cfg
		if i > 0 {
			c = Config{CompactThresholdTokens: cfg.CompactThresholdTokens}
		}
		b, err := r.New(name, c)
		if err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		if err := r.Available(ctx, b); err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		return b, nil
	}
	return nil, fmt.Errorf("no available backend for %q: %s", requested, strings.Join(reasons, "; "))
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
