// Package simtarget simulates a target process: a flat address space holding
// XPC objects in the layout the decoder expects, a symbol table, and a
// scripted sequence of function calls that stop on breakpoints.
//
// It backs the tests of the capture pipeline and the demo command.
package simtarget

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jnesss/xpc-recorder/platform"
	"github.com/jnesss/xpc-recorder/xpc"
)

const (
	// Base is the first mapped address. Everything below it is unmapped.
	Base     uint64 = 0x100000000
	pageSize        = 4096
)

type call struct {
	thread uint64
	pc     uint64
	regs   map[string]uint64
}

// Target is a simulated process. It implements platform.Debugger and
// xpc.Symbols.
type Target struct {
	Arch   platform.Arch
	Layout xpc.Layout

	mu          sync.RWMutex
	mem         []byte
	brk         uint64
	symbols     map[string]uint64
	descriptors map[string]uint64

	breakpoints map[uint64]bool
	pending     []call
	regs        map[uint64]map[string]uint64
	exited      bool
	detached    bool
}

// New creates an empty target. Descriptor objects for every XPC kind are
// allocated and exported except the symbols listed in hidden, which exist
// in memory but cannot be resolved.
func New(layout xpc.Layout, hidden ...string) *Target {
	t := &Target{
		Arch:        platform.ArchARM64,
		Layout:      layout,
		symbols:     make(map[string]uint64),
		descriptors: make(map[string]uint64),
		breakpoints: make(map[uint64]bool),
		regs:        make(map[uint64]map[string]uint64),
	}
	skip := make(map[string]bool, len(hidden))
	for _, s := range hidden {
		skip[s] = true
	}
	var names []string
	for _, sym := range xpc.DescriptorSymbols {
		names = append(names, sym)
	}
	for sym := range xpc.AuxiliarySymbols {
		names = append(names, sym)
	}
	for _, sym := range names {
		addr := t.Alloc(0x40)
		t.descriptors[sym] = addr
		if !skip[sym] {
			t.symbols[sym] = addr
		}
	}
	return t
}

// Alloc reserves size zeroed bytes, 16-byte aligned, growing the mapping a
// page at a time.
func (t *Target) Alloc(size uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alloc(size)
}

func (t *Target) alloc(size uint64) uint64 {
	t.brk = (t.brk + 15) &^ 15
	addr := Base + t.brk
	t.brk += size
	if need := t.brk; need > uint64(len(t.mem)) {
		pages := (need + pageSize - 1) / pageSize
		grown := make([]byte, pages*pageSize)
		copy(grown, t.mem)
		t.mem = grown
	}
	return addr
}

// Write copies data into mapped memory at addr.
func (t *Target) Write(addr uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	off, err := t.offset(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(t.mem[off:], data)
	return nil
}

// PutUint64 stores a little-endian word at addr.
func (t *Target) PutUint64(addr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return t.Write(addr, b[:])
}

// PutUint32 stores a little-endian 32-bit word at addr.
func (t *Target) PutUint32(addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return t.Write(addr, b[:])
}

// ReadMemory implements platform.Debugger.
func (t *Target) ReadMemory(addr uint64, buf []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	off, err := t.offset(addr, uint64(len(buf)))
	if err != nil {
		return err
	}
	copy(buf, t.mem[off:])
	return nil
}

func (t *Target) offset(addr, n uint64) (uint64, error) {
	if addr < Base || addr-Base+n > uint64(len(t.mem)) || addr+n < addr {
		return 0, fmt.Errorf("unmapped address %#x", addr)
	}
	return addr - Base, nil
}

// ResolveSymbol implements xpc.Symbols.
func (t *Target) ResolveSymbol(name string) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.symbols[name]
	if !ok {
		return 0, fmt.Errorf("symbol %s not found", name)
	}
	return addr, nil
}

// DefineFunction allocates a code address for name and exports it.
func (t *Target) DefineFunction(name string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if addr, ok := t.symbols[name]; ok {
		return addr
	}
	addr := t.alloc(16)
	t.symbols[name] = addr
	return addr
}

// Walker returns a walker over this target's memory.
func (t *Target) Walker() *platform.Walker {
	return platform.NewWalker(t, t.Layout)
}

// Call schedules a call of function on thread with the given connection and
// message arguments. It stops in Continue only if a breakpoint is set on the
// function when the call is reached.
func (t *Target) Call(thread uint64, function string, conn, msg uint64) {
	pc := t.DefineFunction(function)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, call{
		thread: thread,
		pc:     pc,
		regs: map[string]uint64{
			t.Arch.ArgRegisters[0]: conn,
			t.Arch.ArgRegisters[1]: msg,
			t.Arch.PC:              pc,
		},
	})
}

// ReadRegister implements platform.Debugger.
func (t *Target) ReadRegister(thread uint64, name string) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	regs, ok := t.regs[thread]
	if !ok {
		return 0, fmt.Errorf("thread %#x is not stopped", thread)
	}
	v, ok := regs[name]
	if !ok {
		return 0, fmt.Errorf("no register %s", name)
	}
	return v, nil
}

// SetBreakpoint implements platform.Debugger.
func (t *Target) SetBreakpoint(addr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return platform.ErrTargetExited
	}
	t.breakpoints[addr] = true
	return nil
}

// RemoveBreakpoint implements platform.Debugger.
func (t *Target) RemoveBreakpoint(addr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.breakpoints[addr] {
		return fmt.Errorf("no breakpoint at %#x", addr)
	}
	delete(t.breakpoints, addr)
	return nil
}

// Breakpoints returns the number of breakpoints currently set.
func (t *Target) Breakpoints() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.breakpoints)
}

// Continue runs scheduled calls until one hits a breakpoint. Once the script
// is exhausted the process exits.
func (t *Target) Continue(ctx context.Context) (platform.Stop, error) {
	if err := ctx.Err(); err != nil {
		return platform.Stop{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return platform.Stop{}, fmt.Errorf("detached")
	}
	t.regs = make(map[uint64]map[string]uint64)
	for len(t.pending) > 0 {
		c := t.pending[0]
		t.pending = t.pending[1:]
		if !t.breakpoints[c.pc] {
			continue
		}
		t.regs[c.thread] = c.regs
		return platform.Stop{Thread: c.thread, PC: c.pc, Signal: 5}, nil
	}
	t.exited = true
	return platform.Stop{Exited: true}, platform.ErrTargetExited
}

// Detach implements platform.Debugger.
func (t *Target) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breakpoints = make(map[uint64]bool)
	t.detached = true
	return nil
}
