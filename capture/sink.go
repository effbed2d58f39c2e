package capture

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/jnesss/xpc-recorder/xpc"
)

// Sink receives each event once, in the order captures complete. line is
// the event already rendered as one line of JSON.
type Sink interface {
	Emit(ev *Event, line []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev *Event, line []byte) error

func (f SinkFunc) Emit(ev *Event, line []byte) error { return f(ev, line) }

// MultiSink fans an event out to every sink, even when one of them fails.
type MultiSink []Sink

func (m MultiSink) Emit(ev *Event, line []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ev, line); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSONLSink appends one JSON document per line.
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONLSink(w io.Writer) *JSONLSink { return &JSONLSink{w: w} }

func (s *JSONLSink) Emit(_ *Event, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	_, err := s.w.Write(buf)
	return err
}

// CBORSink writes events as a CBOR sequence (RFC 8742).
type CBORSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewCBORSink(w io.Writer) *CBORSink { return &CBORSink{w: w} }

func (s *CBORSink) Emit(ev *Event, _ []byte) error {
	b, err := xpc.MarshalCBOR(ev)
	if err != nil {
		return fmt.Errorf("encode cbor: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(b)
	return err
}

// ConsoleSink prints a human readable block per event.
type ConsoleSink struct {
	mu     sync.Mutex
	w      io.Writer
	indent bool
	bold   func(a ...interface{}) string
}

// NewConsoleSink writes to w. Labels are bold when w is a terminal.
func NewConsoleSink(w io.Writer, indent bool) *ConsoleSink {
	c := color.New(color.Bold)
	if f, ok := w.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		c.DisableColor()
	}
	return &ConsoleSink{w: w, indent: indent, bold: c.SprintFunc()}
}

func (s *ConsoleSink) Emit(ev *Event, _ []byte) error {
	msg := xpc.Render(ev.Message)
	if s.indent {
		var out bytes.Buffer
		if err := json.Indent(&out, msg, "", "    "); err == nil {
			msg = out.Bytes()
		}
	}

	var b bytes.Buffer
	fmt.Fprintln(&b, "======================================")
	fmt.Fprintf(&b, "%s %s\n", s.bold("XPC Function:"), ev.Function)
	fmt.Fprintf(&b, "%s %s\n", s.bold("Direction:"), strings.ToUpper(string(ev.Direction)))
	fmt.Fprintf(&b, "%s %s\n", s.bold("Thread:"), ev.Thread)
	fmt.Fprintf(&b, "%s %s (pid %s)\n", s.bold("Connection:"), ev.ConnectionName, ev.ConnectionPID)
	if ev.PeerName != "" {
		fmt.Fprintf(&b, "%s %s\n", s.bold("Peer:"), ev.PeerName)
	}
	fmt.Fprintf(&b, "%s %s\n", s.bold("Message:"), msg)
	for _, f := range ev.Faults {
		fmt.Fprintf(&b, "%s %s\n", s.bold("Fault:"), f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(b.Bytes())
	return err
}
