package xpc_test

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/jnesss/xpc-recorder/platform"
	"github.com/jnesss/xpc-recorder/platform/simtarget"
	"github.com/jnesss/xpc-recorder/xpc"
)

type session struct {
	sim      *simtarget.Target
	walker   *platform.Walker
	resolver *xpc.Resolver
	decoder  *xpc.Decoder
}

func newSession(t *testing.T, hidden ...string) *session {
	t.Helper()
	layout := xpc.DefaultLayout()
	sim := simtarget.New(layout, hidden...)
	resolver := xpc.NewResolver(sim, layout)
	return &session{
		sim:      sim,
		walker:   sim.Walker(),
		resolver: resolver,
		decoder:  xpc.NewDecoder(resolver, xpc.NewAccessor(layout), 0),
	}
}

func (s *session) decode(t *testing.T, addr uint64) xpc.Value {
	t.Helper()
	v, err := s.decoder.Decode(s.walker.Handle(addr))
	if err != nil {
		t.Fatalf("Decode returned faults: %v", err)
	}
	return v
}

func TestDecodeScalars(t *testing.T) {
	s := newSession(t)

	tests := []struct {
		name string
		addr uint64
		want xpc.Value
		json string
	}{
		{"string", s.sim.String("com.apple.securityd"), xpc.StringValue("com.apple.securityd"), `"com.apple.securityd"`},
		{"empty string", s.sim.String(""), xpc.StringValue(""), `""`},
		{"int64", s.sim.Int64(-42), xpc.Int64Value(-42), `-42`},
		{"int64 min", s.sim.Int64(math.MinInt64), xpc.Int64Value(math.MinInt64), `-9223372036854775808`},
		{"uint64", s.sim.UInt64(7), xpc.UInt64Value(7), `7`},
		{"uint64 max", s.sim.UInt64(math.MaxUint64), xpc.UInt64Value(math.MaxUint64), `18446744073709551615`},
		{"double", s.sim.Double(3.25), xpc.DoubleValue(3.25), `3.25`},
		{"bool true", s.sim.Bool(true), xpc.BoolValue(true), `true`},
		{"bool false", s.sim.Bool(false), xpc.BoolValue(false), `false`},
		{"data", s.sim.Data([]byte{0x00, 0xFF}), xpc.DataValue([]byte{0x00, 0xFF}), `"AP8="`},
		{"empty data", s.sim.Data(nil), xpc.DataValue(nil), `""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.decode(t, tt.addr)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("decoded %#v, want %#v", got, tt.want)
			}
			if out := string(xpc.Render(got)); out != tt.json {
				t.Fatalf("rendered %s, want %s", out, tt.json)
			}
		})
	}
}

func TestDecodeNullStringPointer(t *testing.T) {
	s := newSession(t)
	got := s.decode(t, s.sim.NullString())
	if got.Kind != xpc.String || got.Str != "" {
		t.Fatalf("expected empty string, got %#v", got)
	}
}

func TestDecodeDictionaryUniqueKeys(t *testing.T) {
	s := newSession(t)

	const n = 40
	var entries []simtarget.Entry
	for i := 0; i < n; i++ {
		entries = append(entries, simtarget.Entry{Key: fmt.Sprintf("key-%d", i), Value: s.sim.Int64(int64(i))})
	}
	dict := s.sim.Dictionary(entries...)

	first := s.decode(t, dict)
	if first.Kind != xpc.Dictionary {
		t.Fatalf("expected dictionary, got %s", first.Kind)
	}
	if len(first.Dict) != n {
		t.Fatalf("expected %d entries, got %d", n, len(first.Dict))
	}
	for i := 0; i < n; i++ {
		v, ok := first.Dict[fmt.Sprintf("key-%d", i)]
		if !ok || v.Int != int64(i) {
			t.Fatalf("key-%d: got %#v", i, v)
		}
	}

	second := s.decode(t, dict)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("decode is not idempotent")
	}
}

func TestDecodeDuplicateKeysLastWins(t *testing.T) {
	s := newSession(t)
	dict := s.sim.Dictionary(
		simtarget.Entry{Key: "a", Value: s.sim.Int64(1)},
		simtarget.Entry{Key: "a", Value: s.sim.Int64(2)},
	)

	got := s.decode(t, dict)
	if len(got.Dict) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got.Dict))
	}
	if got.Dict["a"].Int != 2 {
		t.Fatalf("expected last value 2, got %#v", got.Dict["a"])
	}
}

func TestDecodeEmptyContainers(t *testing.T) {
	s := newSession(t)

	arr := s.decode(t, s.sim.Array())
	if arr.Kind != xpc.Array || string(xpc.Render(arr)) != "[]" {
		t.Fatalf("empty array decoded to %s", xpc.Render(arr))
	}
	dict := s.decode(t, s.sim.Dictionary())
	if dict.Kind != xpc.Dictionary || string(xpc.Render(dict)) != "{}" {
		t.Fatalf("empty dictionary decoded to %s", xpc.Render(dict))
	}
}

func TestDecodeNestedComposites(t *testing.T) {
	s := newSession(t)
	msg := s.sim.Dictionary(
		simtarget.Entry{Key: "name", Value: s.sim.String("svc")},
		simtarget.Entry{Key: "items", Value: s.sim.Array(
			s.sim.Dictionary(simtarget.Entry{Key: "n", Value: s.sim.Int64(1)}),
			s.sim.String("x"),
			s.sim.Array(s.sim.Bool(true)),
		)},
	)

	got := string(xpc.Render(s.decode(t, msg)))
	want := `{"items":[{"n":1},"x",[true]],"name":"svc"}`
	if got != want {
		t.Fatalf("rendered %s, want %s", got, want)
	}
}

func TestDecodeDepthCeiling(t *testing.T) {
	s := newSession(t)
	addr := s.sim.Int64(1)
	for i := 0; i < 100; i++ {
		addr = s.sim.Array(addr)
	}

	v, err := s.decoder.Decode(s.walker.Handle(addr))
	var depthErr *xpc.DepthExceededError
	if !errors.As(err, &depthErr) {
		t.Fatalf("expected DepthExceededError, got %v", err)
	}

	levels := 0
	for v.Kind == xpc.Array {
		levels++
		v = v.List[0]
	}
	if levels != xpc.DefaultMaxDepth+1 {
		t.Fatalf("expected %d array levels, got %d", xpc.DefaultMaxDepth+1, levels)
	}
	if v.Kind != xpc.Unknown || v.Diag != "depth exceeded" {
		t.Fatalf("expected depth exceeded leaf, got %#v", v)
	}
}

func TestDecodeUnknownKinds(t *testing.T) {
	s := newSession(t)

	uuid := s.decode(t, s.sim.Object("_xpc_type_uuid"))
	if uuid.Kind != xpc.Unknown || uuid.Diag != "uuid" {
		t.Fatalf("expected unknown uuid, got %#v", uuid)
	}
	if got := string(xpc.Render(uuid)); got != `{"type":"uuid"}` {
		t.Fatalf("rendered %s", got)
	}

	foreign := s.decode(t, s.sim.Object("OBJC_CLASS_$_NSObject"))
	if foreign.Kind != xpc.Unknown || !strings.HasPrefix(foreign.Diag, "unrecognized descriptor") {
		t.Fatalf("expected unrecognized descriptor, got %#v", foreign)
	}

	null := s.decode(t, 0)
	if null.Kind != xpc.Unknown || null.Diag != "null object" {
		t.Fatalf("expected null object, got %#v", null)
	}
}

func TestMissingDescriptorDegradesOneKind(t *testing.T) {
	s := newSession(t, "_xpc_type_double")

	missing := s.resolver.Prepare()
	if len(missing) != 1 {
		t.Fatalf("expected 1 missing descriptor, got %d", len(missing))
	}
	var symErr *xpc.SymbolResolutionError
	if !errors.As(missing[0], &symErr) || symErr.Symbol != "_xpc_type_double" {
		t.Fatalf("unexpected error: %v", missing[0])
	}

	msg := s.sim.Dictionary(
		simtarget.Entry{Key: "d", Value: s.sim.Double(1.5)},
		simtarget.Entry{Key: "i", Value: s.sim.Int64(3)},
	)
	got := s.decode(t, msg)
	if got.Dict["d"].Kind != xpc.Unknown {
		t.Fatalf("expected double to decode as unknown, got %#v", got.Dict["d"])
	}
	if got.Dict["i"].Int != 3 {
		t.Fatalf("other kinds must still decode, got %#v", got.Dict["i"])
	}
}

func TestUnreadableMemberIsContained(t *testing.T) {
	s := newSession(t)
	arr := s.sim.Array(s.sim.Int64(1), 0xdead0000, s.sim.String("after"))

	v, err := s.decoder.Decode(s.walker.Handle(arr))
	var accessErr *xpc.ForeignAccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("expected ForeignAccessError fault, got %v", err)
	}
	if len(v.List) != 3 {
		t.Fatalf("expected 3 members, got %d", len(v.List))
	}
	if v.List[0].Int != 1 || v.List[2].Str != "after" {
		t.Fatalf("neighbours of a bad member must decode: %s", xpc.Render(v))
	}
	if v.List[1].Kind != xpc.Unknown || !strings.HasPrefix(v.List[1].Diag, "unreadable") {
		t.Fatalf("expected unreadable placeholder, got %#v", v.List[1])
	}
}

func TestCorruptCompositeStorage(t *testing.T) {
	s := newSession(t)
	layout := xpc.DefaultLayout()

	arr := s.sim.Array(s.sim.Int64(1))
	s.sim.PutUint64(arr+layout.ArrayItems, 0x10)

	v, err := s.decoder.Decode(s.walker.Handle(arr))
	if err == nil {
		t.Fatalf("expected a fault")
	}
	if v.Kind != xpc.Unknown || v.Diag != "unreadable array" {
		t.Fatalf("expected unreadable array, got %#v", v)
	}

	dict := s.sim.Dictionary(simtarget.Entry{Key: "k", Value: s.sim.Int64(1)})
	s.sim.PutUint64(dict+layout.DictBucketCount, 1<<40)
	v, err = s.decoder.Decode(s.walker.Handle(dict))
	if err == nil || v.Kind != xpc.Unknown {
		t.Fatalf("expected unreadable dictionary, got %#v (%v)", v, err)
	}
}

// panicking wraps a walker and blows up when a chosen address is read.
type panicking struct {
	*platform.Walker
	addr uint64
}

func (p *panicking) ReadMemory(addr uint64, buf []byte) error {
	if addr == p.addr {
		panic("boom")
	}
	return p.Walker.ReadMemory(addr, buf)
}

func TestMemberPanicIsContained(t *testing.T) {
	s := newSession(t)
	bad := s.sim.Int64(9)
	arr := s.sim.Array(s.sim.Int64(1), bad)

	proc := &panicking{Walker: s.walker, addr: bad}
	v, err := s.decoder.Decode(xpc.Handle{Addr: arr, Proc: proc})
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic fault, got %v", err)
	}
	if len(v.List) != 2 || v.List[1].Diag != "decode panic" {
		t.Fatalf("unexpected value %s", xpc.Render(v))
	}
}
