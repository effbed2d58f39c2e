package symbols

import (
	"errors"
	"fmt"

	"github.com/jnesss/xpc-recorder/xpc"
)

// Chain asks each source in turn and returns the first hit.
type Chain []xpc.Symbols

func (c Chain) ResolveSymbol(name string) (uint64, error) {
	var errs []error
	for _, src := range c {
		addr, err := src.ResolveSymbol(name)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return 0, fmt.Errorf("%s: %w", name, errors.Join(append(errs, ErrNotFound)...))
	}
	return 0, fmt.Errorf("%s: %w", name, ErrNotFound)
}
