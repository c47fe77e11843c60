package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/danshapiro/relay/internal/relay/adapter"
	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/control"
	"github.com/danshapiro/relay/internal/relay/engine"
	"github.com/danshapiro/relay/internal/relay/oplog"
	"github.com/danshapiro/relay/internal/relay/procutil"
	"github.com/danshapiro/relay/internal/relay/runstate"
)

// session is everything one CLI invocation shares: config, board, operator
// log, and the subprocess handle interrupts act on.
type session struct {
	cfg    *engine.RunConfigFile
	board  *blackboard.Board
	log    *oplog.Log
	handle *procutil.Handle
}

func openSession(configPath string, console io.Writer) (*session, error) {
	cfg, err := engine.LoadRunConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	b, err := blackboard.Open(cfg.Blackboard.Root, cfg.Blackboard.TrackedGlobs, cfg.Blackboard.ExcludeGlobs)
	if err != nil {
		return nil, err
	}
	var logOpts []oplog.Option
	if console != nil {
		logOpts = append(logOpts, oplog.WithConsole(console))
	}
	log, err := oplog.Open(b.Path(runstate.OperatorLogFile), logOpts...)
	if err != nil {
		return nil, fmt.Errorf("open operator log: %w", err)
	}
	return &session{cfg: cfg, board: b, log: log, handle: &procutil.Handle{}}, nil
}

func (s *session) Close() error { return s.log.Close() }

// runners resolves one backend per role, falling back in order when the
// configured CLI is not installed.
func (s *session) runners(ctx context.Context, reg *adapter.Registry) (engine.Runners, error) {
	var out engine.Runners
	for _, role := range []struct {
		name string
		bc   engine.BackendConfig
		dst  *engine.Runner
	}{
		{"dispatcher", s.cfg.Backends.Dispatcher, &out.Dispatcher},
		{"worker", s.cfg.Backends.Worker, &out.Worker},
	} {
		b, err := reg.Resolve(ctx, role.bc.Name, role.bc.Fallback, s.cfg.AdapterConfig(role.bc))
		if err != nil {
			return engine.Runners{}, fmt.Errorf("%s backend: %w", role.name, err)
		}
		if b.Name() != role.bc.Name {
			s.log.Warn("backend fallback", oplog.Fields{"role": role.name, "requested": role.bc.Name, "using": b.Name()})
		}
		*role.dst = adapter.NewRunner(b, s.cfg.AdapterOptions(role.bc), s.log, s.handle)
	}
	return out, nil
}

func (s *session) engine(runners engine.Runners, iv control.Interviewer) (*engine.Engine, error) {
	return engine.New(engine.Options{
		Config:      s.cfg,
		Board:       s.board,
		Runners:     runners,
		Interviewer: iv,
		Log:         s.log,
	})
}

func consoleFor(quiet bool) io.Writer {
	if quiet {
		return nil
	}
	return os.Stderr
}
