package platform

import (
	"encoding/binary"
	"fmt"

	"github.com/jnesss/xpc-recorder/xpc"
)

// Walker drives the target's own composite storage using an object layout.
// It implements xpc.Process on top of any memory reader.
type Walker struct {
	Mem    xpc.Memory
	Layout xpc.Layout
}

// NewWalker returns a walker reading through mem.
func NewWalker(mem xpc.Memory, layout xpc.Layout) *Walker {
	return &Walker{Mem: mem, Layout: layout}
}

// Handle returns a handle to addr whose process context is this walker.
func (w *Walker) Handle(addr uint64) xpc.Handle {
	return xpc.Handle{Addr: addr, Proc: w}
}

func (w *Walker) ReadMemory(addr uint64, buf []byte) error {
	return w.Mem.ReadMemory(addr, buf)
}

// IterateArray yields each element pointer in order.
func (w *Walker) IterateArray(h xpc.Handle, fn func(index int, child xpc.Handle) bool) error {
	count, err := xpc.ReadUint64(w.Mem, h.Addr+w.Layout.ArrayCount)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	if count > w.Layout.MaxMembers {
		return fmt.Errorf("array claims %d members, limit is %d", count, w.Layout.MaxMembers)
	}
	items, err := xpc.ReadUint64(w.Mem, h.Addr+w.Layout.ArrayItems)
	if err != nil {
		return err
	}
	buf := make([]byte, count*xpc.PointerSize)
	if err := w.read(items, buf); err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		ptr := binary.LittleEndian.Uint64(buf[i*xpc.PointerSize:])
		if !fn(i, h.At(ptr)) {
			return nil
		}
	}
	return nil
}

// IterateDictionary yields every node bucket by bucket, following each chain
// from its head. Duplicate keys are yielded as often as they occur.
func (w *Walker) IterateDictionary(h xpc.Handle, fn func(key string, child xpc.Handle) bool) error {
	nbuckets, err := xpc.ReadUint64(w.Mem, h.Addr+w.Layout.DictBucketCount)
	if err != nil {
		return err
	}
	if nbuckets == 0 {
		return nil
	}
	if nbuckets > w.Layout.MaxBuckets {
		return fmt.Errorf("dictionary claims %d buckets, limit is %d", nbuckets, w.Layout.MaxBuckets)
	}
	table, err := xpc.ReadUint64(w.Mem, h.Addr+w.Layout.DictBuckets)
	if err != nil {
		return err
	}
	heads := make([]byte, nbuckets*xpc.PointerSize)
	if err := w.read(table, heads); err != nil {
		return err
	}

	var visited uint64
	for b := uint64(0); b < nbuckets; b++ {
		node := binary.LittleEndian.Uint64(heads[b*xpc.PointerSize:])
		for node != 0 {
			// Also stops a corrupted chain that loops back on itself.
			if visited++; visited > w.Layout.MaxMembers {
				return fmt.Errorf("dictionary exceeds %d members", w.Layout.MaxMembers)
			}
			next, err := xpc.ReadUint64(w.Mem, node+w.Layout.DictNodeNext)
			if err != nil {
				return err
			}
			value, err := xpc.ReadUint64(w.Mem, node+w.Layout.DictNodeValue)
			if err != nil {
				return err
			}
			key, err := xpc.ReadCString(w.Mem, node+w.Layout.DictNodeKey, w.Layout.MaxKey)
			if err != nil {
				return err
			}
			if !fn(key, h.At(value)) {
				return nil
			}
			node = next
		}
	}
	return nil
}

// ConnectionName returns the service name of a connection object. Anonymous
// connections have no name and yield "".
func (w *Walker) ConnectionName(conn xpc.Handle) (string, error) {
	ptr, err := xpc.ReadUint64(w.Mem, conn.Addr+w.Layout.ConnectionName)
	if err != nil {
		return "", err
	}
	return xpc.ReadCString(w.Mem, ptr, w.Layout.MaxKey)
}

// ConnectionPID returns the pid of the connection's peer.
func (w *Walker) ConnectionPID(conn xpc.Handle) (int, error) {
	v, err := xpc.ReadUint32(w.Mem, conn.Addr+w.Layout.ConnectionPID)
	if err != nil {
		return 0, err
	}
	return int(int32(v)), nil
}

func (w *Walker) read(addr uint64, buf []byte) error {
	if addr == 0 {
		return &xpc.ForeignAccessError{Addr: addr, Len: uint64(len(buf)), Err: fmt.Errorf("null pointer")}
	}
	if err := w.Mem.ReadMemory(addr, buf); err != nil {
		return &xpc.ForeignAccessError{Addr: addr, Len: uint64(len(buf)), Err: err}
	}
	return nil
}
