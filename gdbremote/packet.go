package gdbremote

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// interrupt is the out-of-band byte that stops a running target.
const interrupt = 0x03

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// frame wraps payload as $payload#cs, escaping the framing characters.
func frame(payload string) []byte {
	body := make([]byte, 0, len(payload)+4)
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		switch c {
		case '$', '#', '}', '*':
			body = append(body, '}', c^0x20)
		default:
			body = append(body, c)
		}
	}
	var b bytes.Buffer
	b.Grow(len(body) + 4)
	b.WriteByte('$')
	b.Write(body)
	fmt.Fprintf(&b, "#%02x", checksum(body))
	return b.Bytes()
}

// ChecksumError reports a packet whose trailer does not match its body.
type ChecksumError struct {
	Got, Want byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("packet checksum %02x, computed %02x", e.Got, e.Want)
}

// readPacket returns the payload of the next packet. Acks and stray bytes
// between packets are skipped.
func readPacket(r *bufio.Reader) ([]byte, error) {
	for {
		c, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if c != '$' {
			continue
		}
		raw, err := r.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		raw = raw[:len(raw)-1]

		var trailer [2]byte
		if _, err := io.ReadFull(r, trailer[:]); err != nil {
			return nil, err
		}
		got, err := strconv.ParseUint(string(trailer[:]), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bad packet trailer %q", trailer[:])
		}
		if want := checksum(raw); byte(got) != want {
			return nil, &ChecksumError{Got: byte(got), Want: want}
		}
		return decodePayload(raw)
	}
}

// decodePayload undoes '}' escapes and '*' run-length encoding.
func decodePayload(raw []byte) ([]byte, error) {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '}':
			if i+1 >= len(raw) {
				return nil, fmt.Errorf("dangling escape")
			}
			i++
			out = append(out, raw[i]^0x20)
		case '*':
			if i+1 >= len(raw) || len(out) == 0 {
				return nil, fmt.Errorf("malformed run-length encoding")
			}
			i++
			n := int(raw[i]) - 29
			if n < 0 {
				return nil, fmt.Errorf("bad repeat count %q", raw[i])
			}
			last := out[len(out)-1]
			for ; n > 0; n-- {
				out = append(out, last)
			}
		default:
			out = append(out, raw[i])
		}
	}
	return out, nil
}
