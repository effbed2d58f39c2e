package xpc

import "fmt"

// ForeignAccessError reports target memory that could not be read.
type ForeignAccessError struct {
	Addr uint64
	Len  uint64
	Err  error
}

func (e *ForeignAccessError) Error() string {
	return fmt.Sprintf("foreign read of %d bytes at %#x: %v", e.Len, e.Addr, e.Err)
}

func (e *ForeignAccessError) Unwrap() error { return e.Err }

// SymbolResolutionError reports a type descriptor missing from the target.
type SymbolResolutionError struct {
	Symbol string
	Err    error
}

func (e *SymbolResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Symbol, e.Err)
}

func (e *SymbolResolutionError) Unwrap() error { return e.Err }

// DepthExceededError reports nesting deeper than the decoder's ceiling.
type DepthExceededError struct {
	Addr  uint64
	Limit int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("object at %#x nested deeper than %d levels", e.Addr, e.Limit)
}
