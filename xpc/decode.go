package xpc

import (
	"errors"
	"fmt"
)

// DefaultMaxDepth bounds recursion into nested composites.
const DefaultMaxDepth = 64

// Decoder converts foreign objects into Values.
//
// Decoding never aborts on a bad member: whatever cannot be read becomes an
// Unknown node where it sits, and the fault is reported alongside the value.
// Decode touches no shared state besides the resolver's descriptor table, so
// it is safe to run nested inside a foreign iteration callback.
type Decoder struct {
	resolver *Resolver
	access   *Accessor
	maxDepth int
}

// NewDecoder returns a decoder. maxDepth <= 0 selects DefaultMaxDepth.
func NewDecoder(resolver *Resolver, access *Accessor, maxDepth int) *Decoder {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Decoder{resolver: resolver, access: access, maxDepth: maxDepth}
}

// MaxDepth returns the nesting ceiling.
func (d *Decoder) MaxDepth() int { return d.maxDepth }

// Decode converts the object behind h. The returned Value is always usable.
// A non-nil error joins every fault contained during the walk.
func (d *Decoder) Decode(h Handle) (Value, error) {
	var faults []error
	v := d.decode(h, 0, &faults)
	return v, errors.Join(faults...)
}

func (d *Decoder) decode(h Handle, depth int, faults *[]error) Value {
	if depth > d.maxDepth {
		*faults = append(*faults, &DepthExceededError{Addr: h.Addr, Limit: d.maxDepth})
		return UnknownValue("depth exceeded")
	}

	c := d.resolver.Inspect(h)
	if c.Err != nil {
		*faults = append(*faults, c.Err)
	}

	switch c.Tag {
	case String:
		s, err := d.access.ReadString(h)
		if err != nil {
			return d.unreadable(c.Tag, err, faults)
		}
		return StringValue(s)
	case Int64:
		i, err := d.access.ReadInt64(h)
		if err != nil {
			return d.unreadable(c.Tag, err, faults)
		}
		return Int64Value(i)
	case UInt64:
		u, err := d.access.ReadUInt64(h)
		if err != nil {
			return d.unreadable(c.Tag, err, faults)
		}
		return UInt64Value(u)
	case Double:
		f, err := d.access.ReadDouble(h)
		if err != nil {
			return d.unreadable(c.Tag, err, faults)
		}
		return DoubleValue(f)
	case Bool:
		b, err := d.access.ReadBool(h)
		if err != nil {
			return d.unreadable(c.Tag, err, faults)
		}
		return BoolValue(b)
	case Data:
		b, err := d.access.ReadBytes(h)
		if err != nil {
			return d.unreadable(c.Tag, err, faults)
		}
		return Value{Kind: Data, Bytes: b}
	case Dictionary:
		return d.decodeDictionary(h, depth, faults)
	case Array:
		return d.decodeArray(h, depth, faults)
	case Unknown:
		return UnknownValue(c.Describe())
	}
	return UnknownValue(fmt.Sprintf("unhandled kind %d", int(c.Tag)))
}

func (d *Decoder) unreadable(tag TypeTag, err error, faults *[]error) Value {
	*faults = append(*faults, err)
	return UnknownValue(fmt.Sprintf("unreadable %s", tag))
}

func (d *Decoder) decodeDictionary(h Handle, depth int, faults *[]error) Value {
	result := map[string]Value{}
	seen := 0
	err := h.Proc.IterateDictionary(h, func(key string, child Handle) bool {
		seen++
		// Duplicate keys overwrite: the last one the foreign walk yields wins.
		result[key] = d.child(child, depth, faults)
		return true
	})
	if err != nil {
		*faults = append(*faults, fmt.Errorf("dictionary at %s: %w", h, err))
		if seen == 0 {
			return UnknownValue("unreadable dictionary")
		}
	}
	return DictionaryValue(result)
}

func (d *Decoder) decodeArray(h Handle, depth int, faults *[]error) Value {
	result := []Value{}
	err := h.Proc.IterateArray(h, func(_ int, child Handle) bool {
		result = append(result, d.child(child, depth, faults))
		return true
	})
	if err != nil {
		*faults = append(*faults, fmt.Errorf("array at %s: %w", h, err))
		if len(result) == 0 {
			return UnknownValue("unreadable array")
		}
	}
	return ArrayValue(result)
}

// child decodes one member from inside a foreign iteration callback. Nothing
// may escape from here into the foreign frame, panics included.
func (d *Decoder) child(h Handle, depth int, faults *[]error) (v Value) {
	defer func() {
		if r := recover(); r != nil {
			*faults = append(*faults, fmt.Errorf("member at %s: panic: %v", h, r))
			v = UnknownValue("decode panic")
		}
	}()
	return d.decode(h, depth+1, faults)
}
