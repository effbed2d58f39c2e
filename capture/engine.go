// Package capture turns interception firings into capture events.
//
// An Engine is created once per debugging session. It owns the lock that
// serializes decoding and output, the type descriptor table (through its
// resolver) and the output sink.
package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/jnesss/xpc-recorder/types"
	"github.com/jnesss/xpc-recorder/xpc"
)

// State is the position of the engine in its capture cycle.
type State int32

const (
	Idle State = iota
	Triggered
	Decoding
	Emitting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Triggered:
		return "triggered"
	case Decoding:
		return "decoding"
	case Emitting:
		return "emitting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// RegisterReader reads registers of the suspended thread that fired.
type RegisterReader interface {
	ReadRegister(name string) (uint64, error)
}

// ConnectionInspector resolves connection metadata.
type ConnectionInspector interface {
	ConnectionName(conn xpc.Handle) (string, error)
	ConnectionPID(conn xpc.Handle) (int, error)
}

// Target is the foreign process as the engine sees it.
type Target interface {
	xpc.Process
	ConnectionInspector
}

// Trigger is the context of one interception firing.
type Trigger struct {
	Function  string
	Direction types.Direction
	Thread    uint64
	Registers RegisterReader
	Time      time.Time
}

// Config holds the engine's knobs.
type Config struct {
	Layout   xpc.Layout
	MaxDepth int
	// ArgRegisters name the registers carrying the connection and the
	// message at the intercepted entry point.
	ArgRegisters [2]string
	// PeerName optionally maps a peer pid to a process name.
	PeerName func(pid int) (string, error)
}

// Engine runs capture cycles one at a time.
type Engine struct {
	target   Target
	resolver *xpc.Resolver
	decoder  *xpc.Decoder
	sink     Sink
	cfg      Config

	mu    sync.Mutex
	state atomic.Int32
}

// NewEngine wires an engine for one target.
func NewEngine(target Target, syms xpc.Symbols, sink Sink, cfg Config) *Engine {
	resolver := xpc.NewResolver(syms, cfg.Layout)
	return &Engine{
		target:   target,
		resolver: resolver,
		decoder:  xpc.NewDecoder(resolver, xpc.NewAccessor(cfg.Layout), cfg.MaxDepth),
		sink:     sink,
		cfg:      cfg,
	}
}

// State returns the current state.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// Resolver exposes the session's descriptor resolver.
func (e *Engine) Resolver() *xpc.Resolver { return e.resolver }

// Capture processes one firing to completion and returns the emitted
// event. The event is always produced; the error reports a sink failure.
func (e *Engine) Capture(t Trigger) (*Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.setState(Idle)

	e.setState(Triggered)
	ev := &Event{
		ID:             uuid.NewString(),
		Function:       t.Function,
		Direction:      t.Direction,
		Thread:         fmt.Sprintf("%#x", t.Thread),
		ConnectionName: Unknown,
		ConnectionPID:  UnknownPID,
		Timestamp:      t.Time,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	var faults []error

	conn, err := e.argument(t, 0)
	if err != nil {
		faults = append(faults, fmt.Errorf("connection handle: %w", err))
	}
	msg, err := e.argument(t, 1)
	if err != nil {
		faults = append(faults, fmt.Errorf("message handle: %w", err))
	}

	e.setState(Decoding)
	if !conn.IsNull() {
		faults = append(faults, e.connectionMetadata(conn, ev)...)
	}
	if msg.IsNull() {
		ev.Message = xpc.UnknownValue("null message")
	} else {
		var derr error
		ev.Message, derr = e.decoder.Decode(msg)
		if derr != nil {
			faults = append(faults, derr)
		}
	}
	ev.Faults = flatten(faults)

	e.setState(Emitting)
	line, err := json.Marshal(ev)
	if err != nil {
		// Only reachable if a field type changes; the message itself cannot fail.
		return ev, fmt.Errorf("render event: %w", err)
	}
	if e.sink == nil {
		return ev, nil
	}
	if err := e.sink.Emit(ev, line); err != nil {
		log.WithError(err).Warn("Warning: sink failed")
		return ev, fmt.Errorf("emit: %w", err)
	}
	return ev, nil
}

func (e *Engine) argument(t Trigger, n int) (xpc.Handle, error) {
	h := xpc.Handle{Proc: e.target}
	if t.Registers == nil {
		return h, errors.New("no register context")
	}
	reg := e.cfg.ArgRegisters[n]
	v, err := t.Registers.ReadRegister(reg)
	if err != nil {
		return h, &xpc.ForeignAccessError{Err: fmt.Errorf("register %s: %w", reg, err)}
	}
	h.Addr = v
	return h, nil
}

func (e *Engine) connectionMetadata(conn xpc.Handle, ev *Event) []error {
	var faults []error
	if name, err := e.target.ConnectionName(conn); err != nil {
		faults = append(faults, fmt.Errorf("connection name: %w", err))
	} else {
		ev.ConnectionName = name
	}
	pid, err := e.target.ConnectionPID(conn)
	if err != nil {
		faults = append(faults, fmt.Errorf("connection pid: %w", err))
		return faults
	}
	ev.ConnectionPID = PID(pid)
	if e.cfg.PeerName != nil && pid > 0 {
		if name, err := e.cfg.PeerName(pid); err == nil {
			ev.PeerName = name
		} else {
			log.WithField("pid", pid).Debugf("peer name lookup failed: %v", err)
		}
	}
	return faults
}

// flatten turns joined errors into one line each.
func flatten(errs []error) []string {
	var out []string
	for _, err := range errs {
		if err == nil {
			continue
		}
		if j, ok := err.(interface{ Unwrap() []error }); ok {
			out = append(out, flatten(j.Unwrap())...)
			continue
		}
		out = append(out, strings.TrimSpace(err.Error()))
	}
	return out
}
