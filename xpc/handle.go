package xpc

import "fmt"

// Memory reads bytes from the target's address space.
type Memory interface {
	// ReadMemory fills buf from addr. A short read is an error.
	ReadMemory(addr uint64, buf []byte) error
}

// Process is the per-target collaborator the decoder drives. The iterators
// walk the foreign composite's own storage and call fn once per member; fn
// returning false stops the walk early.
type Process interface {
	Memory
	IterateDictionary(h Handle, fn func(key string, child Handle) bool) error
	IterateArray(h Handle, fn func(index int, child Handle) bool) error
}

// Symbols resolves names exported by the target's loaded images.
type Symbols interface {
	ResolveSymbol(name string) (uint64, error)
}

// Handle is an opaque reference to an object inside a foreign process.
// It is only valid while the thread that produced it stays suspended.
type Handle struct {
	Addr uint64
	Proc Process
}

// IsNull reports whether the handle points nowhere.
func (h Handle) IsNull() bool { return h.Addr == 0 }

// At returns a handle for another address in the same process.
func (h Handle) At(addr uint64) Handle {
	return Handle{Addr: addr, Proc: h.Proc}
}

func (h Handle) String() string {
	return fmt.Sprintf("%#x", h.Addr)
}
