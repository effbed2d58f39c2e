// Package symbols resolves exported symbol names to addresses in the target.
//
// A live session chains several sources: addresses pinned in the
// configuration, a symbol file, and the Mach-O images the target has loaded.
// Lookups are cached for the session.
package symbols

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no source knows a symbol.
var ErrNotFound = errors.New("symbol not found")

// Table is a fixed name to address map.
type Table map[string]uint64

// ResolveSymbol implements xpc.Symbols.
func (t Table) ResolveSymbol(name string) (uint64, error) {
	for _, n := range candidates(name) {
		if addr, ok := t[n]; ok {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// candidates lists the C name and its Mach-O form with a leading underscore.
func candidates(name string) []string {
	return []string{name, "_" + name}
}

type symbolFile struct {
	Slide   uint64            `yaml:"slide"`
	Symbols map[string]uint64 `yaml:"symbols"`
}

// LoadFile reads a YAML symbol file:
//
//	slide: 0x4000
//	symbols:
//	  _xpc_type_dictionary: 0x1e8a3c0b0
//	  xpc_connection_send_message: 0x1a3f21d40
//
// The slide is added to every address.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbol file: %v", err)
	}
	var f symbolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse symbol file %s: %v", path, err)
	}
	t := make(Table, len(f.Symbols))
	for name, addr := range f.Symbols {
		t[name] = addr + f.Slide
	}
	return t, nil
}
