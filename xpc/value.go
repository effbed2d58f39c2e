package xpc

import "strconv"

// Value is a decoded XPC object. Exactly the field matching Kind is
// meaningful. Values own their data; nothing aliases foreign memory.
type Value struct {
	Kind TypeTag

	Str   string
	Int   int64
	Uint  uint64
	Float float64
	Bool  bool
	Bytes []byte
	Dict  map[string]Value
	List  []Value

	// Diagnostic for Unknown values.
	Diag string
}

func StringValue(s string) Value     { return Value{Kind: String, Str: s} }
func Int64Value(i int64) Value       { return Value{Kind: Int64, Int: i} }
func UInt64Value(u uint64) Value     { return Value{Kind: UInt64, Uint: u} }
func DoubleValue(f float64) Value    { return Value{Kind: Double, Float: f} }
func BoolValue(b bool) Value         { return Value{Kind: Bool, Bool: b} }
func UnknownValue(diag string) Value { return Value{Kind: Unknown, Diag: diag} }

// DataValue copies b.
func DataValue(b []byte) Value {
	return Value{Kind: Data, Bytes: append([]byte{}, b...)}
}

// DictionaryValue wraps m; a nil map becomes an empty dictionary.
func DictionaryValue(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{Kind: Dictionary, Dict: m}
}

// ArrayValue wraps l; a nil slice becomes an empty array.
func ArrayValue(l []Value) Value {
	if l == nil {
		l = []Value{}
	}
	return Value{Kind: Array, List: l}
}

// Lookup walks dictionary keys and array indexes given as a path.
func (v Value) Lookup(path ...string) (Value, bool) {
	cur := v
	for _, p := range path {
		switch cur.Kind {
		case Dictionary:
			next, ok := cur.Dict[p]
			if !ok {
				return Value{}, false
			}
			cur = next
		case Array:
			i, ok := parseIndex(p)
			if !ok || i >= len(cur.List) {
				return Value{}, false
			}
			cur = cur.List[i]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

func parseIndex(s string) (int, bool) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// Walk calls fn for every leaf with its path from the root. Empty
// containers are reported as leaves so they are not lost.
func (v Value) Walk(fn func(path []string, leaf Value)) {
	v.walk(nil, fn)
}

func (v Value) walk(path []string, fn func([]string, Value)) {
	switch v.Kind {
	case Dictionary:
		if len(v.Dict) == 0 {
			fn(path, v)
			return
		}
		for _, k := range sortedKeys(v.Dict) {
			v.Dict[k].walk(append(path[:len(path):len(path)], k), fn)
		}
	case Array:
		if len(v.List) == 0 {
			fn(path, v)
			return
		}
		for i, item := range v.List {
			item.walk(append(path[:len(path):len(path)], strconv.Itoa(i)), fn)
		}
	default:
		fn(path, v)
	}
}
