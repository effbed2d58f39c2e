package xpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"math/rand"
	"strconv"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestRenderSpecialValues(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"nan", DoubleValue(math.NaN()), `"NaN"`},
		{"positive infinity", DoubleValue(math.Inf(1)), `"+Inf"`},
		{"negative infinity", DoubleValue(math.Inf(-1)), `"-Inf"`},
		{"uint64 above 2^53", UInt64Value(1<<53 + 1), `9007199254740993`},
		{"invalid utf-8", StringValue("a\xffb"), `"a\ufffdb"`},
		{"escaped", StringValue("tab\t\"quote\""), `"tab\t\"quote\""`},
		{"unknown", UnknownValue("fd"), `{"type":"fd"}`},
		{"sorted keys", DictionaryValue(map[string]Value{"b": Int64Value(2), "a": Int64Value(1)}), `{"a":1,"b":2}`},
		{"nil dictionary", DictionaryValue(nil), `{}`},
		{"nil array", ArrayValue(nil), `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.v)
			if string(got) != tt.want {
				t.Fatalf("Render() = %s, want %s", got, tt.want)
			}
			if !json.Valid(got) {
				t.Fatalf("Render() produced invalid JSON: %s", got)
			}
		})
	}
}

func TestRenderDataIsStandardBase64(t *testing.T) {
	in := []byte{0x00, 0xFF, 0x10, 0x80}
	var s string
	if err := json.Unmarshal(Render(DataValue(in)), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("round trip got %x, want %x", out, in)
	}
}

func TestScalarRoundTrip(t *testing.T) {
	tests := []Value{
		StringValue("com.apple.xpc.launchd"),
		Int64Value(-7),
		Int64Value(math.MaxInt64),
		UInt64Value(1 << 53),
		DoubleValue(0.125),
		BoolValue(true),
	}
	for _, v := range tests {
		dec := json.NewDecoder(bytes.NewReader(Render(v)))
		dec.UseNumber()
		var got any
		if err := dec.Decode(&got); err != nil {
			t.Fatalf("%s: %v", v.Kind, err)
		}
		switch v.Kind {
		case String:
			if got != v.Str {
				t.Errorf("string: got %v", got)
			}
		case Int64:
			if got.(json.Number).String() != strconv.FormatInt(v.Int, 10) {
				t.Errorf("int64: got %v", got)
			}
		case UInt64:
			if got.(json.Number).String() != strconv.FormatUint(v.Uint, 10) {
				t.Errorf("uint64: got %v", got)
			}
		case Double:
			f, err := got.(json.Number).Float64()
			if err != nil || f != v.Float {
				t.Errorf("double: got %v", got)
			}
		case Bool:
			if got != v.Bool {
				t.Errorf("bool: got %v", got)
			}
		}
	}
}

func randomValue(r *rand.Rand, depth int) Value {
	n := 8
	if depth > 4 {
		n = 6
	}
	switch r.Intn(n) {
	case 0:
		b := make([]byte, r.Intn(12))
		r.Read(b)
		return StringValue(string(b))
	case 1:
		return Int64Value(r.Int63() - r.Int63())
	case 2:
		return UInt64Value(r.Uint64())
	case 3:
		switch r.Intn(4) {
		case 0:
			return DoubleValue(math.NaN())
		case 1:
			return DoubleValue(math.Inf(1 - 2*r.Intn(2)))
		}
		return DoubleValue(r.NormFloat64() * 1e6)
	case 4:
		b := make([]byte, r.Intn(12))
		r.Read(b)
		return DataValue(b)
	case 5:
		return UnknownValue("date")
	case 6:
		m := map[string]Value{}
		for i := r.Intn(5); i > 0; i-- {
			k := make([]byte, 1+r.Intn(6))
			r.Read(k)
			m[string(k)] = randomValue(r, depth+1)
		}
		return DictionaryValue(m)
	default:
		var l []Value
		for i := r.Intn(5); i > 0; i-- {
			l = append(l, randomValue(r, depth+1))
		}
		return ArrayValue(l)
	}
}

func TestRenderAlwaysValidJSON(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		v := randomValue(r, 0)
		out := Render(v)
		if !json.Valid(out) {
			t.Fatalf("iteration %d produced invalid JSON: %q", i, out)
		}
	}
}

func TestMarshalCBOR(t *testing.T) {
	v := DictionaryValue(map[string]Value{
		"blob": DataValue([]byte{1, 2, 3}),
		"big":  UInt64Value(math.MaxUint64),
		"odd":  UnknownValue("shmem"),
	})
	b, err := v.MarshalCBOR()
	if err != nil {
		t.Fatalf("MarshalCBOR: %v", err)
	}

	var got map[string]any
	if err := cbor.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if blob, ok := got["blob"].([]byte); !ok || !bytes.Equal(blob, []byte{1, 2, 3}) {
		t.Errorf("blob = %#v", got["blob"])
	}
	if big, ok := got["big"].(uint64); !ok || big != math.MaxUint64 {
		t.Errorf("big = %#v", got["big"])
	}

	again, _ := v.MarshalCBOR()
	if !bytes.Equal(b, again) {
		t.Errorf("CBOR encoding is not deterministic")
	}
}
