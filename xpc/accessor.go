package xpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const pageSize = 4096

var errTooLarge = errors.New("length exceeds layout bound")

// Accessor reads typed payloads out of foreign objects. The caller must
// classify the handle first; reading a string out of a dictionary is
// undefined and returns garbage or a ForeignAccessError.
type Accessor struct {
	Layout Layout
}

// NewAccessor returns an accessor for the given layout.
func NewAccessor(layout Layout) *Accessor {
	return &Accessor{Layout: layout}
}

// ReadString reads a string object. A null character pointer yields "".
func (a *Accessor) ReadString(h Handle) (string, error) {
	length, err := ReadUint64(h.Proc, h.Addr+a.Layout.StringLength)
	if err != nil {
		return "", err
	}
	ptr, err := ReadUint64(h.Proc, h.Addr+a.Layout.StringPointer)
	if err != nil {
		return "", err
	}
	if ptr == 0 || length == 0 {
		return "", nil
	}
	if length > a.Layout.MaxString {
		return "", &ForeignAccessError{Addr: ptr, Len: length, Err: errTooLarge}
	}
	buf := make([]byte, length)
	if err := read(h.Proc, ptr, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (a *Accessor) ReadInt64(h Handle) (int64, error) {
	v, err := ReadUint64(h.Proc, h.Addr+a.Layout.Scalar)
	return int64(v), err
}

func (a *Accessor) ReadUInt64(h Handle) (uint64, error) {
	return ReadUint64(h.Proc, h.Addr+a.Layout.Scalar)
}

func (a *Accessor) ReadDouble(h Handle) (float64, error) {
	v, err := ReadUint64(h.Proc, h.Addr+a.Layout.Scalar)
	return math.Float64frombits(v), err
}

func (a *Accessor) ReadBool(h Handle) (bool, error) {
	var b [1]byte
	if err := read(h.Proc, h.Addr+a.Layout.Scalar, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// ReadBytes reads a data object. A null buffer pointer yields an empty slice.
func (a *Accessor) ReadBytes(h Handle) ([]byte, error) {
	length, err := ReadUint64(h.Proc, h.Addr+a.Layout.DataLength)
	if err != nil {
		return nil, err
	}
	ptr, err := ReadUint64(h.Proc, h.Addr+a.Layout.DataPointer)
	if err != nil {
		return nil, err
	}
	if ptr == 0 || length == 0 {
		return []byte{}, nil
	}
	if length > a.Layout.MaxData {
		return nil, &ForeignAccessError{Addr: ptr, Len: length, Err: errTooLarge}
	}
	buf := make([]byte, length)
	if err := read(h.Proc, ptr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadUint64 reads one little-endian pointer-sized word.
func ReadUint64(mem Memory, addr uint64) (uint64, error) {
	var b [PointerSize]byte
	if err := read(mem, addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadUint32 reads one little-endian 32-bit word.
func ReadUint32(mem Memory, addr uint64) (uint32, error) {
	var b [4]byte
	if err := read(mem, addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadCString reads a NUL-terminated string of at most limit bytes. Reads are
// split at page boundaries so a string ending just before an unmapped page
// is still readable.
func ReadCString(mem Memory, addr uint64, limit uint64) (string, error) {
	if addr == 0 {
		return "", nil
	}
	var out []byte
	for uint64(len(out)) < limit {
		chunk := uint64(64)
		if rem := pageSize - (addr % pageSize); rem < chunk {
			chunk = rem
		}
		if left := limit - uint64(len(out)); left < chunk {
			chunk = left
		}
		buf := make([]byte, chunk)
		if err := read(mem, addr, buf); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
		addr += chunk
	}
	return "", &ForeignAccessError{Addr: addr, Len: limit, Err: fmt.Errorf("no terminator within %d bytes", limit)}
}

func read(mem Memory, addr uint64, buf []byte) error {
	if mem == nil {
		return &ForeignAccessError{Addr: addr, Len: uint64(len(buf)), Err: errors.New("no process attached")}
	}
	if addr == 0 {
		return &ForeignAccessError{Addr: addr, Len: uint64(len(buf)), Err: errors.New("null pointer")}
	}
	if err := mem.ReadMemory(addr, buf); err != nil {
		var fae *ForeignAccessError
		if errors.As(err, &fae) {
			return err
		}
		return &ForeignAccessError{Addr: addr, Len: uint64(len(buf)), Err: err}
	}
	return nil
}
