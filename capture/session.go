package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/apex/log"

	"github.com/jnesss/xpc-recorder/platform"
	"github.com/jnesss/xpc-recorder/xpc"
)

// Session binds the interceptor of one target to its engine.
type Session struct {
	dbg         platform.Debugger
	interceptor *platform.Interceptor
	engine      *Engine

	events   atomic.Int64
	degraded atomic.Int64
	failed   atomic.Int64
}

// Stats counts what a session produced.
type Stats struct {
	Events      int64
	Degraded    int64
	SinkFailure int64
}

// NewSession reads the target through dbg using cfg.Layout.
func NewSession(dbg platform.Debugger, syms xpc.Symbols, sink Sink, cfg Config, policy platform.ResumePolicy) *Session {
	walker := platform.NewWalker(dbg, cfg.Layout)
	return &Session{
		dbg:         dbg,
		interceptor: platform.NewInterceptor(dbg, syms, policy),
		engine:      NewEngine(walker, syms, sink, cfg),
	}
}

// Engine returns the session's engine.
func (s *Session) Engine() *Engine { return s.engine }

// Interceptor returns the session's interceptor.
func (s *Session) Interceptor() *platform.Interceptor { return s.interceptor }

// Install resolves the descriptor table and places the hooks. The resolver
// warns about each missing descriptor; the kinds they identify decode as
// Unknown.
func (s *Session) Install(hooks []platform.Hook) error {
	if missing := s.engine.Resolver().Prepare(); len(missing) > 0 {
		log.WithField("missing", len(missing)).Debug("descriptor table incomplete")
	}
	return s.interceptor.Install(hooks)
}

// Run captures every firing until ctx is cancelled or the target goes
// away. Hooks are torn down before it returns. A cancelled context is not
// reported as an error.
func (s *Session) Run(ctx context.Context) error {
	err := s.interceptor.Run(ctx, s.handle)
	if terr := s.interceptor.Teardown(); terr != nil && !errors.Is(terr, platform.ErrTargetExited) {
		log.WithError(terr).Warn("Warning: teardown incomplete")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Session) handle(f platform.Firing) {
	ev, err := s.engine.Capture(Trigger{
		Function:  f.Hook.Symbol,
		Direction: f.Hook.Direction,
		Thread:    f.Thread,
		Registers: f,
		Time:      f.Time,
	})
	s.events.Add(1)
	if ev != nil && ev.Degraded() {
		s.degraded.Add(1)
	}
	if err != nil {
		s.failed.Add(1)
	}
}

// Stats returns counters for the session so far.
func (s *Session) Stats() Stats {
	return Stats{
		Events:      s.events.Load(),
		Degraded:    s.degraded.Load(),
		SinkFailure: s.failed.Load(),
	}
}

// Close detaches from the target. The target keeps running.
func (s *Session) Close() error {
	if err := s.dbg.Detach(); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	return nil
}
