package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jnesss/xpc-recorder/platform/simtarget"
	"github.com/jnesss/xpc-recorder/types"
	"github.com/jnesss/xpc-recorder/xpc"
)

type registers map[string]uint64

func (r registers) ReadRegister(name string) (uint64, error) {
	v, ok := r[name]
	if !ok {
		return 0, fmt.Errorf("register %s unavailable", name)
	}
	return v, nil
}

func newEngine(sim *simtarget.Target, sink Sink) *Engine {
	return NewEngine(sim.Walker(), sim, sink, Config{
		Layout:       sim.Layout,
		ArgRegisters: sim.Arch.ArgRegisters,
	})
}

func trigger(conn, msg uint64) Trigger {
	return Trigger{
		Function:  "xpc_connection_send_message",
		Direction: types.DirectionSend,
		Thread:    0x1c03,
		Registers: registers{"x0": conn, "x1": msg},
		Time:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestCaptureProducesEvent(t *testing.T) {
	sim := simtarget.New(xpc.DefaultLayout())
	conn := sim.Connection("com.apple.lsd.mapdb", 321)
	msg := sim.Dictionary(
		simtarget.Entry{Key: "op", Value: sim.String("lookup")},
		simtarget.Entry{Key: "blob", Value: sim.Data([]byte{0x00, 0xFF})},
	)

	var out bytes.Buffer
	e := newEngine(sim, NewJSONLSink(&out))
	ev, err := e.Capture(trigger(conn, msg))
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if ev.Degraded() {
		t.Fatalf("unexpected faults: %v", ev.Faults)
	}
	if e.State() != Idle {
		t.Fatalf("state = %s after capture", e.State())
	}

	var doc map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &doc); err != nil {
		t.Fatalf("output is not one JSON line: %v\n%s", err, out.String())
	}
	want := map[string]any{
		"xpc_function":    "xpc_connection_send_message",
		"direction":       "send",
		"thread":          "0x1c03",
		"connection_name": "com.apple.lsd.mapdb",
		"connection_pid":  float64(321),
	}
	for k, v := range want {
		if doc[k] != v {
			t.Errorf("%s = %#v, want %#v", k, doc[k], v)
		}
	}
	m, _ := doc["message"].(map[string]any)
	if m["op"] != "lookup" || m["blob"] != "AP8=" {
		t.Errorf("message = %#v", doc["message"])
	}
	if _, ok := doc["faults"]; ok {
		t.Errorf("faults must be omitted for a clean capture")
	}
}

func TestCaptureDegradesOnRegisterFailure(t *testing.T) {
	sim := simtarget.New(xpc.DefaultLayout())
	msg := sim.Int64(5)

	e := newEngine(sim, nil)
	tr := trigger(0, msg)
	tr.Registers = registers{"x1": msg}

	ev, err := e.Capture(tr)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if ev.ConnectionName != Unknown || ev.ConnectionPID.Known() {
		t.Fatalf("metadata = %q/%s", ev.ConnectionName, ev.ConnectionPID)
	}
	if ev.Message.Int != 5 {
		t.Fatalf("message = %#v", ev.Message)
	}
	if !ev.Degraded() || !strings.Contains(ev.Faults[0], "connection handle") {
		t.Fatalf("faults = %v", ev.Faults)
	}

	line, _ := json.Marshal(ev)
	if !bytes.Contains(line, []byte(`"connection_pid":"unknown"`)) {
		t.Fatalf("unknown pid not rendered: %s", line)
	}
}

func TestCaptureNullAndUnmappedMessage(t *testing.T) {
	sim := simtarget.New(xpc.DefaultLayout())
	conn := sim.Connection("", 0)
	e := newEngine(sim, nil)

	ev, _ := e.Capture(trigger(conn, 0))
	if ev.Message.Kind != xpc.Unknown || ev.Message.Diag != "null message" {
		t.Fatalf("message = %#v", ev.Message)
	}
	if ev.ConnectionName != "" {
		t.Fatalf("anonymous connection name = %q", ev.ConnectionName)
	}

	ev, _ = e.Capture(trigger(conn, 0x40))
	if ev.Message.Kind != xpc.Unknown || !ev.Degraded() {
		t.Fatalf("unmapped message should degrade: %#v", ev)
	}
}

func TestCapturePeerName(t *testing.T) {
	sim := simtarget.New(xpc.DefaultLayout())
	conn := sim.Connection("com.apple.tccd", 99)
	e := NewEngine(sim.Walker(), sim, nil, Config{
		Layout:       sim.Layout,
		ArgRegisters: sim.Arch.ArgRegisters,
		PeerName: func(pid int) (string, error) {
			if pid == 99 {
				return "tccd", nil
			}
			return "", errors.New("no such process")
		},
	})
	ev, _ := e.Capture(trigger(conn, sim.Bool(true)))
	if ev.PeerName != "tccd" {
		t.Fatalf("peer = %q", ev.PeerName)
	}
}

func TestConcurrentCapturesDoNotInterleave(t *testing.T) {
	sim := simtarget.New(xpc.DefaultLayout())
	conn := sim.Connection("com.apple.distnoted", 10)

	var items []uint64
	for i := 0; i < 200; i++ {
		items = append(items, sim.String(strings.Repeat("x", i)))
	}
	big := sim.Array(items...)
	small := sim.Int64(1)

	var out bytes.Buffer
	e := newEngine(sim, NewJSONLSink(&out))

	const perThread = 25
	var wg sync.WaitGroup
	for _, msg := range []uint64{big, small} {
		wg.Add(1)
		go func(msg uint64) {
			defer wg.Done()
			for i := 0; i < perThread; i++ {
				if _, err := e.Capture(trigger(conn, msg)); err != nil {
					t.Errorf("Capture: %v", err)
				}
			}
		}(msg)
	}
	wg.Wait()

	lines := 0
	sc := bufio.NewScanner(&out)
	sc.Buffer(make([]byte, 1<<20), 1<<22)
	for sc.Scan() {
		if !json.Valid(sc.Bytes()) {
			t.Fatalf("line %d is not a complete JSON document", lines)
		}
		lines++
	}
	if lines != 2*perThread {
		t.Fatalf("got %d lines, want %d", lines, 2*perThread)
	}
}

type failingSink struct{}

func (failingSink) Emit(*Event, []byte) error { return errors.New("disk full") }

func TestSinkFailureIsReported(t *testing.T) {
	sim := simtarget.New(xpc.DefaultLayout())
	var out bytes.Buffer
	e := newEngine(sim, MultiSink{failingSink{}, NewJSONLSink(&out)})

	ev, err := e.Capture(trigger(0, sim.Int64(1)))
	if err == nil || ev == nil {
		t.Fatalf("expected the event and an error, got %v, %v", ev, err)
	}
	if out.Len() == 0 {
		t.Fatalf("a failing sink must not starve the others")
	}
	if e.State() != Idle {
		t.Fatalf("state = %s", e.State())
	}
}
