package platform

import (
	"context"
	"errors"
	"fmt"
)

// ErrTargetExited is returned by Continue once the target process is gone.
var ErrTargetExited = errors.New("target process exited")

// Stop describes why the target halted.
type Stop struct {
	Thread uint64
	PC     uint64
	Signal int

	// Exited is set when the process ended; Status carries its exit code.
	Exited bool
	Status int
}

// Debugger is what we need from the debugging backend. On a live system it
// is a gdb-remote connection to debugserver; in tests and demos it is the
// simulated target. Keeping it an interface lets the capture pipeline stay
// independent of either.
type Debugger interface {
	// ReadMemory fills buf from the target's address space.
	ReadMemory(addr uint64, buf []byte) error
	// ReadRegister reads a general purpose register of a stopped thread.
	ReadRegister(thread uint64, name string) (uint64, error)
	SetBreakpoint(addr uint64) error
	RemoveBreakpoint(addr uint64) error
	// Continue resumes the target and blocks until the next stop.
	// Cancelling ctx interrupts the target.
	Continue(ctx context.Context) (Stop, error)
	// Detach releases the target, leaving it running.
	Detach() error
}

// Arch holds the calling convention details needed to find the connection
// and message arguments at a function entry.
type Arch struct {
	Name string
	// ArgRegisters are the first two integer argument registers.
	ArgRegisters [2]string
	PC           string
}

var (
	ArchARM64 = Arch{Name: "arm64", ArgRegisters: [2]string{"x0", "x1"}, PC: "pc"}
	ArchAMD64 = Arch{Name: "amd64", ArgRegisters: [2]string{"rdi", "rsi"}, PC: "rip"}
)

// LookupArch returns the Arch for a name as used in the configuration.
func LookupArch(name string) (Arch, error) {
	switch name {
	case "arm64", "arm64e", "aarch64":
		return ArchARM64, nil
	case "amd64", "x86_64":
		return ArchAMD64, nil
	}
	return Arch{}, fmt.Errorf("unsupported architecture %q", name)
}
