package platform_test

import (
	"testing"

	"github.com/jnesss/xpc-recorder/platform/simtarget"
	"github.com/jnesss/xpc-recorder/xpc"
)

func TestConnectionMetadata(t *testing.T) {
	sim := newTarget()
	w := sim.Walker()

	tests := []struct {
		name    string
		service string
		pid     int
	}{
		{"named", "com.apple.securityd", 412},
		{"anonymous", "", 77},
		{"negative pid", "com.apple.x", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := w.Handle(sim.Connection(tt.service, tt.pid))
			name, err := w.ConnectionName(conn)
			if err != nil || name != tt.service {
				t.Fatalf("ConnectionName = %q, %v", name, err)
			}
			pid, err := w.ConnectionPID(conn)
			if err != nil || pid != tt.pid {
				t.Fatalf("ConnectionPID = %d, %v", pid, err)
			}
		})
	}

	if _, err := w.ConnectionName(w.Handle(0x20)); err == nil {
		t.Fatalf("expected error for unmapped connection")
	}
}

func TestIterateStopsEarly(t *testing.T) {
	sim := newTarget()
	w := sim.Walker()

	arr := w.Handle(sim.Array(sim.Int64(1), sim.Int64(2), sim.Int64(3)))
	n := 0
	if err := w.IterateArray(arr, func(int, xpc.Handle) bool { n++; return n < 2 }); err != nil {
		t.Fatalf("IterateArray: %v", err)
	}
	if n != 2 {
		t.Fatalf("visited %d members", n)
	}

	dict := w.Handle(sim.Dictionary(
		simtarget.Entry{Key: "a", Value: sim.Int64(1)},
		simtarget.Entry{Key: "b", Value: sim.Int64(2)},
	))
	n = 0
	if err := w.IterateDictionary(dict, func(string, xpc.Handle) bool { n++; return false }); err != nil {
		t.Fatalf("IterateDictionary: %v", err)
	}
	if n != 1 {
		t.Fatalf("visited %d entries", n)
	}
}

func TestIterateDictionaryCycle(t *testing.T) {
	sim := newTarget()
	w := sim.Walker()
	layout := xpc.DefaultLayout()

	dict := sim.Dictionary(simtarget.Entry{Key: "loop", Value: sim.Int64(1)})
	table, _ := xpc.ReadUint64(sim, dict+layout.DictBuckets)

	// Point the single node's next at itself.
	var head uint64
	for b := uint64(0); b < 8; b++ {
		if p, _ := xpc.ReadUint64(sim, table+b*xpc.PointerSize); p != 0 {
			head = p
		}
	}
	sim.PutUint64(head+layout.DictNodeNext, head)

	err := w.IterateDictionary(w.Handle(dict), func(string, xpc.Handle) bool { return true })
	if err == nil {
		t.Fatalf("expected cycle to be cut off")
	}
}
