package xpc

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Render converts v to JSON text. It never fails: strings with invalid UTF-8
// are repaired with U+FFFD, and non-finite doubles become the strings "NaN",
// "+Inf" and "-Inf". UInt64 values keep every digit, so consumers that parse
// numbers as float64 lose precision above 2^53.
func Render(v Value) []byte {
	return appendJSON(make([]byte, 0, 256), v)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return Render(v), nil
}

func appendJSON(b []byte, v Value) []byte {
	switch v.Kind {
	case String:
		return appendString(b, v.Str)
	case Int64:
		return strconv.AppendInt(b, v.Int, 10)
	case UInt64:
		return strconv.AppendUint(b, v.Uint, 10)
	case Double:
		return appendFloat(b, v.Float)
	case Bool:
		return strconv.AppendBool(b, v.Bool)
	case Data:
		b = append(b, '"')
		b = base64.StdEncoding.AppendEncode(b, v.Bytes)
		return append(b, '"')
	case Dictionary:
		b = append(b, '{')
		for i, k := range sortedKeys(v.Dict) {
			if i > 0 {
				b = append(b, ',')
			}
			b = appendString(b, k)
			b = append(b, ':')
			b = appendJSON(b, v.Dict[k])
		}
		return append(b, '}')
	case Array:
		b = append(b, '[')
		for i, item := range v.List {
			if i > 0 {
				b = append(b, ',')
			}
			b = appendJSON(b, item)
		}
		return append(b, ']')
	default:
		b = append(b, `{"type":`...)
		b = appendString(b, v.Diag)
		return append(b, '}')
	}
}

func appendString(b []byte, s string) []byte {
	// encoding/json replaces invalid UTF-8 and cannot fail on a string.
	enc, _ := json.Marshal(s)
	return append(b, enc...)
}

func appendFloat(b []byte, f float64) []byte {
	switch {
	case math.IsNaN(f):
		return append(b, `"NaN"`...)
	case math.IsInf(f, 1):
		return append(b, `"+Inf"`...)
	case math.IsInf(f, -1):
		return append(b, `"-Inf"`...)
	}
	enc, _ := json.Marshal(f)
	return append(b, enc...)
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Native converts v into plain Go values: map[string]any, []any, string,
// int64, uint64, float64, bool and []byte. Unknown becomes {"type": diag}.
func (v Value) Native() any {
	switch v.Kind {
	case String:
		return v.Str
	case Int64:
		return v.Int
	case UInt64:
		return v.Uint
	case Double:
		return v.Float
	case Bool:
		return v.Bool
	case Data:
		return v.Bytes
	case Dictionary:
		m := make(map[string]any, len(v.Dict))
		for k, child := range v.Dict {
			m[k] = child.Native()
		}
		return m
	case Array:
		l := make([]any, len(v.List))
		for i, child := range v.List {
			l[i] = child.Native()
		}
		return l
	default:
		return map[string]any{"type": v.Diag}
	}
}

var cborEnc cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("xpc: CBOR encoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR implements cbor.Marshaler. Data stays a byte string and
// UInt64 values are exact, unlike the JSON rendering.
func (v Value) MarshalCBOR() ([]byte, error) {
	return cborEnc.Marshal(v.Native())
}

// MarshalCBOR encodes any value with the same deterministic settings used for
// Values.
func MarshalCBOR(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}
