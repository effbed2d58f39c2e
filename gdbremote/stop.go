package gdbremote

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/jnesss/xpc-recorder/platform"
)

// stopReply is a parsed T, S, W or X packet.
type stopReply struct {
	platform.Stop
	// expedited register values keyed by register number.
	regs map[int]uint64
}

func parseStopReply(p string) (stopReply, error) {
	var s stopReply
	if len(p) < 3 {
		return s, fmt.Errorf("short stop reply %q", p)
	}
	code, err := strconv.ParseUint(p[1:3], 16, 8)
	if err != nil {
		return s, fmt.Errorf("bad stop reply %q", p)
	}

	switch p[0] {
	case 'W':
		s.Exited, s.Status = true, int(code)
		return s, nil
	case 'X':
		s.Exited, s.Signal = true, int(code)
		return s, nil
	case 'S':
		s.Signal = int(code)
		return s, nil
	case 'T':
		s.Signal = int(code)
	default:
		return s, fmt.Errorf("unexpected stop reply %q", p)
	}

	s.regs = make(map[int]uint64)
	for _, field := range strings.Split(p[3:], ";") {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		switch key {
		case "thread":
			tid, err := strconv.ParseUint(value, 16, 64)
			if err != nil {
				return s, fmt.Errorf("bad thread id %q", value)
			}
			s.Thread = tid
		default:
			n, err := strconv.ParseUint(key, 16, 16)
			if err != nil {
				// reason, metype, threads and friends.
				continue
			}
			v, err := decodeRegister(value)
			if err != nil {
				return s, fmt.Errorf("register %s: %v", key, err)
			}
			s.regs[int(n)] = v
		}
	}
	return s, nil
}

// decodeRegister reads a little-endian register value in target byte order.
func decodeRegister(h string) (uint64, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return 0, err
	}
	if len(b) > 8 {
		b = b[:8]
	}
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:]), nil
}
