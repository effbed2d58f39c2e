package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/jnesss/xpc-recorder/types"
	"github.com/jnesss/xpc-recorder/xpc"
)

// Hook is an interception point on a named function.
type Hook struct {
	Symbol    string
	Direction types.Direction
	// OneShot hooks are removed after their first hit.
	OneShot bool

	Addr    uint64
	Hits    int
	Enabled bool
}

// DefaultHooks returns persistent hooks on every known send and receive
// entry point.
func DefaultHooks() []Hook {
	var hooks []Hook
	for _, fn := range types.SendFunctions {
		hooks = append(hooks, Hook{Symbol: fn, Direction: types.DirectionSend})
	}
	for _, fn := range types.ReceiveFunctions {
		hooks = append(hooks, Hook{Symbol: fn, Direction: types.DirectionReceive})
	}
	return hooks
}

// ResumePolicy decides what happens to a thread once its capture is done.
type ResumePolicy struct {
	AutoContinue bool
	// Hold runs instead of resuming right away when AutoContinue is false.
	// The target stays suspended until it returns.
	Hold func(ctx context.Context, f Firing) error
}

// Firing is one hit of a hook. It reads registers of the suspended thread.
type Firing struct {
	Hook   Hook
	Thread uint64
	Time   time.Time

	dbg Debugger
}

// ReadRegister reads a register of the thread that hit the hook.
func (f Firing) ReadRegister(name string) (uint64, error) {
	return f.dbg.ReadRegister(f.Thread, name)
}

// Interceptor owns the breakpoints placed for a session.
type Interceptor struct {
	dbg    Debugger
	syms   xpc.Symbols
	policy ResumePolicy

	hooks  []*Hook
	byAddr map[uint64]*Hook
}

// NewInterceptor creates an interceptor. No breakpoint is placed until Install.
func NewInterceptor(dbg Debugger, syms xpc.Symbols, policy ResumePolicy) *Interceptor {
	return &Interceptor{
		dbg:    dbg,
		syms:   syms,
		policy: policy,
		byAddr: make(map[uint64]*Hook),
	}
}

// Install resolves and places each hook. Hooks whose symbol is missing or
// whose breakpoint is refused are skipped with a warning; Install only fails
// when nothing at all could be placed.
func (i *Interceptor) Install(hooks []Hook) error {
	var errs []error
	placed := 0
	for _, h := range hooks {
		hook := h
		addr, err := i.syms.ResolveSymbol(hook.Symbol)
		if err != nil {
			log.WithField("symbol", hook.Symbol).Warnf("Warning: could not resolve hook: %v", err)
			errs = append(errs, fmt.Errorf("resolve %s: %w", hook.Symbol, err))
			continue
		}
		if existing, ok := i.byAddr[addr]; ok {
			log.WithField("symbol", hook.Symbol).Debugf("already hooked as %s", existing.Symbol)
			continue
		}
		if err := i.dbg.SetBreakpoint(addr); err != nil {
			log.WithField("symbol", hook.Symbol).Warnf("Warning: could not set breakpoint at %#x: %v", addr, err)
			errs = append(errs, fmt.Errorf("breakpoint on %s: %w", hook.Symbol, err))
			continue
		}
		hook.Addr = addr
		hook.Enabled = true
		i.hooks = append(i.hooks, &hook)
		i.byAddr[addr] = &hook
		placed++
		log.WithFields(log.Fields{
			"symbol":    hook.Symbol,
			"direction": hook.Direction,
			"addr":      fmt.Sprintf("%#x", addr),
		}).Info("Set breakpoint")
	}
	if placed == 0 {
		if len(errs) == 0 {
			return errors.New("no hooks requested")
		}
		return fmt.Errorf("no hook could be installed: %w", errors.Join(errs...))
	}
	return nil
}

// Hooks returns a snapshot of the installed hooks.
func (i *Interceptor) Hooks() []Hook {
	out := make([]Hook, 0, len(i.hooks))
	for _, h := range i.hooks {
		out = append(out, *h)
	}
	return out
}

// SetEnabled enables or disables an installed hook by symbol.
func (i *Interceptor) SetEnabled(symbol string, enabled bool) error {
	for _, h := range i.hooks {
		if h.Symbol != symbol {
			continue
		}
		if h.Enabled == enabled {
			return nil
		}
		var err error
		if enabled {
			err = i.dbg.SetBreakpoint(h.Addr)
		} else {
			err = i.dbg.RemoveBreakpoint(h.Addr)
		}
		if err != nil {
			return fmt.Errorf("toggle %s: %w", symbol, err)
		}
		h.Enabled = enabled
		return nil
	}
	return fmt.Errorf("no hook on %s", symbol)
}

// Run resumes the target and hands every hook hit to handle until ctx is
// cancelled, the target goes away, or no enabled hook remains. Stops that do
// not belong to a hook are resumed silently.
func (i *Interceptor) Run(ctx context.Context, handle func(Firing)) error {
	for {
		if !i.anyEnabled() {
			log.Info("No enabled hooks left")
			return nil
		}

		stop, err := i.dbg.Continue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrTargetExited) {
				return err
			}
			return fmt.Errorf("lost target: %w", err)
		}

		hook, ok := i.byAddr[stop.PC]
		if !ok || !hook.Enabled {
			log.WithField("pc", fmt.Sprintf("%#x", stop.PC)).Debug("stop outside hooks, resuming")
			continue
		}
		hook.Hits++

		f := Firing{Hook: *hook, Thread: stop.Thread, Time: time.Now(), dbg: i.dbg}
		handle(f)

		if hook.OneShot {
			if err := i.dbg.RemoveBreakpoint(hook.Addr); err != nil {
				log.WithField("symbol", hook.Symbol).Warnf("Warning: could not remove one-shot hook: %v", err)
			}
			hook.Enabled = false
		}

		if !i.policy.AutoContinue && i.policy.Hold != nil {
			if err := i.policy.Hold(ctx, f); err != nil {
				return err
			}
		}
	}
}

func (i *Interceptor) anyEnabled() bool {
	for _, h := range i.hooks {
		if h.Enabled {
			return true
		}
	}
	return false
}

// Teardown removes every breakpoint that is still placed.
func (i *Interceptor) Teardown() error {
	var errs []error
	// Remove in reverse order of installation
	for n := len(i.hooks) - 1; n >= 0; n-- {
		h := i.hooks[n]
		if !h.Enabled {
			continue
		}
		if err := i.dbg.RemoveBreakpoint(h.Addr); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", h.Symbol, err))
			continue
		}
		h.Enabled = false
		log.WithField("symbol", h.Symbol).Debug("Removed breakpoint")
	}
	return errors.Join(errs...)
}
