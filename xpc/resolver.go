package xpc

import (
	"fmt"
	"sync"

	"github.com/apex/log"
)

// DescriptorSymbols maps each decodable kind to the exported symbol whose
// address is stored as the descriptor of every object of that kind.
var DescriptorSymbols = map[TypeTag]string{
	Dictionary: "_xpc_type_dictionary",
	Array:      "_xpc_type_array",
	String:     "_xpc_type_string",
	Int64:      "_xpc_type_int64",
	UInt64:     "_xpc_type_uint64",
	Double:     "_xpc_type_double",
	Bool:       "_xpc_type_bool",
	Data:       "_xpc_type_data",
}

// AuxiliarySymbols name kinds the decoder does not expand. Resolving them
// only improves the diagnostic carried by the Unknown value.
var AuxiliarySymbols = map[string]string{
	"_xpc_type_null":       "null",
	"_xpc_type_date":       "date",
	"_xpc_type_uuid":       "uuid",
	"_xpc_type_fd":         "fd",
	"_xpc_type_shmem":      "shmem",
	"_xpc_type_error":      "error",
	"_xpc_type_connection": "connection",
	"_xpc_type_endpoint":   "endpoint",
}

// Classification is the full outcome of classifying one handle.
type Classification struct {
	Tag        TypeTag
	Descriptor uint64
	// Name is set for recognised kinds, including auxiliary ones.
	Name string
	Err  error
}

// Resolver classifies handles by comparing descriptor pointers against a
// table resolved once per session.
type Resolver struct {
	syms   Symbols
	layout Layout

	once    sync.Once
	tags    map[uint64]TypeTag
	names   map[uint64]string
	missing []error
}

// NewResolver creates a resolver. Nothing is resolved until the first call
// to Classify.
func NewResolver(syms Symbols, layout Layout) *Resolver {
	return &Resolver{syms: syms, layout: layout}
}

func (r *Resolver) resolve() {
	r.tags = make(map[uint64]TypeTag, len(DescriptorSymbols))
	r.names = make(map[uint64]string, len(DescriptorSymbols)+len(AuxiliarySymbols))

	for tag, sym := range DescriptorSymbols {
		addr, err := r.lookup(sym)
		if err != nil {
			serr := &SymbolResolutionError{Symbol: sym, Err: err}
			r.missing = append(r.missing, serr)
			log.WithField("symbol", sym).Warnf("Warning: %s objects will decode as unknown: %v", tag, err)
			continue
		}
		r.tags[addr&r.layout.DescriptorMask] = tag
		r.names[addr&r.layout.DescriptorMask] = tag.String()
	}

	for sym, name := range AuxiliarySymbols {
		addr, err := r.lookup(sym)
		if err != nil {
			log.WithField("symbol", sym).Debugf("auxiliary descriptor unavailable: %v", err)
			continue
		}
		r.names[addr&r.layout.DescriptorMask] = name
	}
}

func (r *Resolver) lookup(sym string) (uint64, error) {
	if r.syms == nil {
		return 0, fmt.Errorf("no symbol source configured")
	}
	addr, err := r.syms.ResolveSymbol(sym)
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		return 0, fmt.Errorf("symbol resolved to null")
	}
	return addr, nil
}

// Prepare resolves the descriptor table now instead of on first use and
// returns the descriptors that could not be resolved.
func (r *Resolver) Prepare() []error {
	r.once.Do(r.resolve)
	return r.missing
}

// Classify returns the handle's kind, or Unknown. It never fails.
func (r *Resolver) Classify(h Handle) TypeTag {
	return r.Inspect(h).Tag
}

// Inspect classifies a handle and keeps the details needed to describe
// objects that turn out to be Unknown.
func (r *Resolver) Inspect(h Handle) Classification {
	r.once.Do(r.resolve)

	if h.IsNull() {
		return Classification{Tag: Unknown, Name: "null object"}
	}
	desc, err := ReadUint64(h.Proc, h.Addr+r.layout.Descriptor)
	if err != nil {
		return Classification{Tag: Unknown, Err: err}
	}
	desc &= r.layout.DescriptorMask
	return Classification{
		Tag:        r.tags[desc],
		Descriptor: desc,
		Name:       r.names[desc],
	}
}

// Describe produces the best-effort diagnostic for an Unknown object.
func (c Classification) Describe() string {
	switch {
	case c.Err != nil:
		return fmt.Sprintf("unreadable: %v", c.Err)
	case c.Name != "":
		return c.Name
	default:
		return fmt.Sprintf("unrecognized descriptor %#x", c.Descriptor)
	}
}
