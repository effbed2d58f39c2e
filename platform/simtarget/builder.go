package simtarget

import (
	"fmt"
	"hash/fnv"
	"math"

	"github.com/jnesss/xpc-recorder/xpc"
)

const objectSize = 0x40

// Entry is one key/value pair of a dictionary under construction.
type Entry struct {
	Key   string
	Value uint64
}

// CheckLayout reports whether the builders can lay objects out with l:
// every object field must fit in an object, and dictionary nodes must keep
// their pointers ahead of the inline key.
func CheckLayout(l xpc.Layout) error {
	fields := []struct {
		name  string
		off   uint64
		width uint64
	}{
		{"descriptor", l.Descriptor, 8},
		{"scalar", l.Scalar, 8},
		{"string_length", l.StringLength, 8},
		{"string_pointer", l.StringPointer, 8},
		{"data_length", l.DataLength, 8},
		{"data_pointer", l.DataPointer, 8},
		{"array_count", l.ArrayCount, 8},
		{"array_items", l.ArrayItems, 8},
		{"dict_bucket_count", l.DictBucketCount, 8},
		{"dict_buckets", l.DictBuckets, 8},
		{"connection_name", l.ConnectionName, 8},
		{"connection_pid", l.ConnectionPID, 4},
	}
	for _, f := range fields {
		if f.off+f.width > objectSize {
			return fmt.Errorf("layout field %s at %#x does not fit in a %#x byte object", f.name, f.off, objectSize)
		}
	}
	for _, f := range fields[1:] {
		if f.off < l.Descriptor+8 && l.Descriptor < f.off+f.width {
			return fmt.Errorf("layout field %s at %#x overlaps the descriptor", f.name, f.off)
		}
	}
	if l.DictNodeNext+8 > l.DictNodeKey || l.DictNodeValue+8 > l.DictNodeKey {
		return fmt.Errorf("dictionary node pointers must precede the key at %#x", l.DictNodeKey)
	}
	if l.ConnectionName < l.ConnectionPID+4 && l.ConnectionPID < l.ConnectionName+8 {
		return fmt.Errorf("layout fields connection_name and connection_pid overlap")
	}
	return nil
}

// The builders below only write into memory they just allocated, so a
// failing write means the layout is unusable. They panic instead of
// returning corrupt objects.

func (t *Target) mustWrite(addr uint64, data []byte) {
	if err := t.Write(addr, data); err != nil {
		panic(fmt.Sprintf("simtarget: %v", err))
	}
}

func (t *Target) mustPut64(addr, v uint64) {
	if err := t.PutUint64(addr, v); err != nil {
		panic(fmt.Sprintf("simtarget: %v", err))
	}
}

func (t *Target) mustPut32(addr uint64, v uint32) {
	if err := t.PutUint32(addr, v); err != nil {
		panic(fmt.Sprintf("simtarget: %v", err))
	}
}

// Object allocates an object whose descriptor is the named symbol's address,
// whether or not that symbol is exported. It panics if the target's layout
// does not pass CheckLayout.
func (t *Target) Object(descriptor string) uint64 {
	if err := CheckLayout(t.Layout); err != nil {
		panic(fmt.Sprintf("simtarget: %v", err))
	}
	obj := t.Alloc(objectSize)
	t.mu.RLock()
	desc, ok := t.descriptors[descriptor]
	t.mu.RUnlock()
	if !ok {
		// A descriptor nobody knows: give it storage of its own.
		desc = t.Alloc(16)
		t.mu.Lock()
		t.descriptors[descriptor] = desc
		t.mu.Unlock()
	}
	t.mustPut64(obj+t.Layout.Descriptor, desc)
	return obj
}

func (t *Target) object(kind xpc.TypeTag) uint64 {
	return t.Object(xpc.DescriptorSymbols[kind])
}

// CString stores s followed by a NUL byte and returns its address.
func (t *Target) CString(s string) uint64 {
	addr := t.Alloc(uint64(len(s)) + 1)
	t.mustWrite(addr, append([]byte(s), 0))
	return addr
}

func (t *Target) String(s string) uint64 {
	obj := t.object(xpc.String)
	t.mustPut64(obj+t.Layout.StringLength, uint64(len(s)))
	if len(s) > 0 {
		t.mustPut64(obj+t.Layout.StringPointer, t.CString(s))
	}
	return obj
}

// NullString builds a string object whose character pointer is null.
func (t *Target) NullString() uint64 {
	obj := t.object(xpc.String)
	t.mustPut64(obj+t.Layout.StringLength, 4)
	return obj
}

func (t *Target) Int64(v int64) uint64 {
	obj := t.object(xpc.Int64)
	t.mustPut64(obj+t.Layout.Scalar, uint64(v))
	return obj
}

func (t *Target) UInt64(v uint64) uint64 {
	obj := t.object(xpc.UInt64)
	t.mustPut64(obj+t.Layout.Scalar, v)
	return obj
}

func (t *Target) Double(v float64) uint64 {
	obj := t.object(xpc.Double)
	t.mustPut64(obj+t.Layout.Scalar, math.Float64bits(v))
	return obj
}

func (t *Target) Bool(v bool) uint64 {
	obj := t.object(xpc.Bool)
	if v {
		t.mustWrite(obj+t.Layout.Scalar, []byte{1})
	}
	return obj
}

func (t *Target) Data(b []byte) uint64 {
	obj := t.object(xpc.Data)
	t.mustPut64(obj+t.Layout.DataLength, uint64(len(b)))
	if len(b) > 0 {
		buf := t.Alloc(uint64(len(b)))
		t.mustWrite(buf, b)
		t.mustPut64(obj+t.Layout.DataPointer, buf)
	}
	return obj
}

func (t *Target) Array(items ...uint64) uint64 {
	obj := t.object(xpc.Array)
	t.mustPut64(obj+t.Layout.ArrayCount, uint64(len(items)))
	if len(items) > 0 {
		table := t.Alloc(uint64(len(items)) * xpc.PointerSize)
		for i, item := range items {
			t.mustPut64(table+uint64(i)*xpc.PointerSize, item)
		}
		t.mustPut64(obj+t.Layout.ArrayItems, table)
	}
	return obj
}

// Dictionary builds a hashed dictionary. Entries sharing a bucket are
// chained in the order given, so a repeated key is walked after the first.
func (t *Target) Dictionary(entries ...Entry) uint64 {
	obj := t.object(xpc.Dictionary)
	nbuckets := uint64(8)
	t.mustPut64(obj+t.Layout.DictBucketCount, nbuckets)
	table := t.Alloc(nbuckets * xpc.PointerSize)
	t.mustPut64(obj+t.Layout.DictBuckets, table)

	tails := make(map[uint64]uint64)
	for _, e := range entries {
		node := t.Alloc(t.Layout.DictNodeKey + uint64(len(e.Key)) + 1)
		t.mustPut64(node+t.Layout.DictNodeValue, e.Value)
		t.mustWrite(node+t.Layout.DictNodeKey, append([]byte(e.Key), 0))

		b := bucket(e.Key, nbuckets)
		if tail, ok := tails[b]; ok {
			t.mustPut64(tail+t.Layout.DictNodeNext, node)
		} else {
			t.mustPut64(table+b*xpc.PointerSize, node)
		}
		tails[b] = node
	}
	return obj
}

func bucket(key string, n uint64) uint64 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return uint64(h.Sum32()) % n
}

// Connection builds a connection object. An empty name leaves the name
// pointer null, like an anonymous connection.
func (t *Target) Connection(name string, pid int) uint64 {
	obj := t.Object("_xpc_type_connection")
	if name != "" {
		t.mustPut64(obj+t.Layout.ConnectionName, t.CString(name))
	}
	t.mustPut32(obj+t.Layout.ConnectionPID, uint32(int32(pid)))
	return obj
}
