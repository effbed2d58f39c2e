// Package gdbremote drives debugserver over the gdb remote serial protocol.
//
// A Client implements platform.Debugger. debugserver is expected to be
// attached already (debugserver host:port --attach=<pid>), or the client
// attaches with Attach after connecting.
package gdbremote

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/jnesss/xpc-recorder/platform"
)

// maxReadChunk bounds a single memory read packet.
const maxReadChunk = 0x800

// Darwin signal numbers as debugserver reports them.
const (
	sigINT  = 2
	sigTRAP = 5
	sigSTOP = 17
)

// RemoteError is an Exx reply.
type RemoteError struct {
	Request string
	Code    int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error %#02x", e.Request, e.Code)
}

// ErrUnsupported is returned when the stub answers with an empty packet.
var ErrUnsupported = errors.New("request not supported by remote stub")

type result struct {
	payload []byte
	err     error
}

// Client is a connection to one debugserver.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	arch platform.Arch

	mu          sync.Mutex
	noAck       bool
	breakpoints map[uint64]bool
	last        stopReply
	exited      bool
	// interrupted is set when the last stop was caused by our own 0x03.
	interrupted bool
}

// Dial connects to debugserver at addr.
func Dial(ctx context.Context, addr string, arch platform.Arch) (*Client, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to debugserver at %s: %v", addr, err)
	}
	c, err := NewClient(conn, arch)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient performs the handshake over an established connection and
// queries the current stop state.
func NewClient(conn net.Conn, arch platform.Arch) (*Client, error) {
	c := &Client{
		conn:        conn,
		r:           bufio.NewReader(conn),
		arch:        arch,
		breakpoints: make(map[uint64]bool),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if reply, err := c.request("QStartNoAckMode"); err == nil && reply == "OK" {
		c.noAck = true
	} else {
		log.Debugf("debugserver stays in ack mode (%q, %v)", reply, err)
	}
	if err := c.expectOK("QThreadSuffixSupported"); err != nil {
		return nil, fmt.Errorf("failed to enable thread suffixes: %w", err)
	}

	reply, err := c.request("?")
	if err != nil {
		return nil, fmt.Errorf("failed to query stop reason: %w", err)
	}
	if reply != "" && reply != "OK" {
		if s, err := parseStopReply(reply); err == nil {
			c.last = s
		}
	}
	return c, nil
}

// Attach asks the stub to attach to pid and returns the initial stop.
func (c *Client) Attach(pid int) (platform.Stop, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, err := c.request(fmt.Sprintf("vAttach;%x", pid))
	if err != nil {
		return platform.Stop{}, err
	}
	s, err := parseStopReply(reply)
	if err != nil {
		return platform.Stop{}, fmt.Errorf("failed to attach to %d: %v", pid, err)
	}
	if s.Exited {
		return s.Stop, platform.ErrTargetExited
	}
	c.last = s
	c.exited = false
	return s.Stop, nil
}

func (c *Client) send(payload string) error {
	_, err := c.conn.Write(frame(payload))
	return err
}

func (c *Client) recv() ([]byte, error) {
	p, err := readPacket(c.r)
	if err != nil {
		return nil, err
	}
	if !c.noAck {
		if _, err := c.conn.Write([]byte{'+'}); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// request sends payload and returns the reply. Console output packets are
// logged and skipped. The caller holds c.mu.
func (c *Client) request(payload string) (string, error) {
	if err := c.send(payload); err != nil {
		return "", fmt.Errorf("%s: %w", payload, err)
	}
	for {
		p, err := c.recv()
		if err != nil {
			return "", fmt.Errorf("%s: %w", payload, err)
		}
		reply := string(p)
		if isConsoleOutput(reply) {
			c.logOutput(reply)
			continue
		}
		if len(reply) == 3 && reply[0] == 'E' {
			if code, err := strconv.ParseUint(reply[1:], 16, 8); err == nil {
				return "", &RemoteError{Request: payload, Code: int(code)}
			}
		}
		return reply, nil
	}
}

func (c *Client) expectOK(payload string) error {
	reply, err := c.request(payload)
	if err != nil {
		return err
	}
	switch reply {
	case "OK":
		return nil
	case "":
		return fmt.Errorf("%s: %w", payload, ErrUnsupported)
	}
	return fmt.Errorf("%s: unexpected reply %q", payload, reply)
}

func isConsoleOutput(p string) bool {
	return len(p) > 1 && p[0] == 'O' && p != "OK"
}

func (c *Client) logOutput(p string) {
	if b, err := hex.DecodeString(p[1:]); err == nil {
		log.WithField("source", "debugserver").Debug(strings.TrimRight(string(b), "\n"))
	}
}

// ReadMemory implements platform.Debugger.
func (c *Client) ReadMemory(addr uint64, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for off := 0; off < len(buf); {
		n := len(buf) - off
		if n > maxReadChunk {
			n = maxReadChunk
		}
		reply, err := c.request(fmt.Sprintf("m%x,%x", addr+uint64(off), n))
		if err != nil {
			return err
		}
		b, err := hex.DecodeString(reply)
		if err != nil {
			return fmt.Errorf("memory at %#x: bad reply: %v", addr+uint64(off), err)
		}
		if len(b) != n {
			return fmt.Errorf("short read at %#x: got %d of %d bytes", addr+uint64(off), len(b), n)
		}
		copy(buf[off:], b)
		off += n
	}
	return nil
}

// ReadRegister implements platform.Debugger. Values expedited in the last
// stop reply are answered without a round trip.
func (c *Client) ReadRegister(thread uint64, name string) (uint64, error) {
	num, err := registerNumber(c.arch, name)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if thread == c.last.Thread {
		if v, ok := c.last.regs[num]; ok {
			return v, nil
		}
	}
	req := fmt.Sprintf("p%x", num)
	if thread != 0 {
		req += fmt.Sprintf(";thread:%x;", thread)
	}
	reply, err := c.request(req)
	if err != nil {
		return 0, err
	}
	if reply == "" {
		return 0, fmt.Errorf("register %s: %w", name, ErrUnsupported)
	}
	return decodeRegister(reply)
}

// SetBreakpoint implements platform.Debugger.
func (c *Client) SetBreakpoint(addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return platform.ErrTargetExited
	}
	if err := c.expectOK(fmt.Sprintf("Z0,%x,%x", addr, breakpointKind(c.arch))); err != nil {
		return err
	}
	c.breakpoints[addr] = true
	return nil
}

// RemoveBreakpoint implements platform.Debugger.
func (c *Client) RemoveBreakpoint(addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return platform.ErrTargetExited
	}
	if err := c.expectOK(fmt.Sprintf("z0,%x,%x", addr, breakpointKind(c.arch))); err != nil {
		return err
	}
	delete(c.breakpoints, addr)
	return nil
}

// Continue implements platform.Debugger. A thread parked on one of our
// breakpoints is first stepped past it with the breakpoint lifted.
func (c *Client) Continue(ctx context.Context) (platform.Stop, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return platform.Stop{Exited: true}, platform.ErrTargetExited
	}

	if stepped, err := c.stepOverBreakpoint(); err != nil {
		return platform.Stop{}, err
	} else if stepped != nil {
		return stepped.Stop, platform.ErrTargetExited
	}

	if err := c.send(c.resumePacket()); err != nil {
		return platform.Stop{}, fmt.Errorf("continue: %w", err)
	}
	s, err := c.waitStop(ctx)
	if err != nil {
		return platform.Stop{}, err
	}
	if s.Exited {
		c.exited = true
		return s.Stop, platform.ErrTargetExited
	}
	return s.Stop, ctx.Err()
}

// resumePacket continues with the signal of the last stop so the target
// still sees it. Breakpoint traps, attach stops and our own interrupts are
// not delivered.
func (c *Client) resumePacket() string {
	switch sig := c.last.Signal; {
	case sig == 0, sig == sigTRAP, sig == sigSTOP:
		return "c"
	case sig == sigINT && c.interrupted:
		return "c"
	default:
		return fmt.Sprintf("C%02x", sig)
	}
}

// stepOverBreakpoint single-steps the last stopped thread if it sits on one
// of our breakpoints. It returns a non-nil reply only if the target exited
// during the step.
func (c *Client) stepOverBreakpoint() (*stopReply, error) {
	pc := c.last.PC
	if pc == 0 || !c.breakpoints[pc] || c.last.Thread == 0 {
		return nil, nil
	}
	kind := breakpointKind(c.arch)
	if err := c.expectOK(fmt.Sprintf("z0,%x,%x", pc, kind)); err != nil {
		return nil, fmt.Errorf("lift breakpoint: %w", err)
	}
	if err := c.send(fmt.Sprintf("vCont;s:%x", c.last.Thread)); err != nil {
		return nil, fmt.Errorf("step: %w", err)
	}
	s, err := c.waitStop(context.Background())
	if err != nil {
		return nil, fmt.Errorf("step: %w", err)
	}
	if s.Exited {
		c.exited = true
		return &s, nil
	}
	if err := c.expectOK(fmt.Sprintf("Z0,%x,%x", pc, kind)); err != nil {
		return nil, fmt.Errorf("restore breakpoint: %w", err)
	}
	return nil, nil
}

// waitStop reads until a stop reply arrives. Cancelling ctx interrupts the
// target; the stop it produces is still consumed.
func (c *Client) waitStop(ctx context.Context) (stopReply, error) {
	c.interrupted = false
	done := make(chan result, 1)
	go func() {
		for {
			p, err := c.recv()
			if err == nil && isConsoleOutput(string(p)) {
				c.logOutput(string(p))
				continue
			}
			done <- result{payload: p, err: err}
			return
		}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		if _, err := c.conn.Write([]byte{interrupt}); err != nil {
			return stopReply{}, fmt.Errorf("interrupt: %w", err)
		}
		c.interrupted = true
		res = <-done
	}
	if res.err != nil {
		return stopReply{}, fmt.Errorf("waiting for stop: %w", res.err)
	}

	s, err := parseStopReply(string(res.payload))
	if err != nil {
		return stopReply{}, err
	}
	if !s.Exited {
		if pc, ok := s.regs[c.pcNumber()]; ok {
			s.PC = pc
		} else if s.Thread != 0 {
			c.last = s
			reply, err := c.request(fmt.Sprintf("p%x;thread:%x;", c.pcNumber(), s.Thread))
			if err != nil {
				return stopReply{}, fmt.Errorf("read pc: %w", err)
			}
			if s.PC, err = decodeRegister(reply); err != nil {
				return stopReply{}, fmt.Errorf("read pc: %v", err)
			}
		}
	}
	c.last = s
	return s, nil
}

func (c *Client) pcNumber() int {
	n, _ := registerNumber(c.arch, c.arch.PC)
	return n
}

// Detach implements platform.Debugger. The target keeps running and the
// connection is closed.
func (c *Client) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if !c.exited {
		err = c.expectOK("D")
	}
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close drops the connection without detaching.
func (c *Client) Close() error {
	return c.conn.Close()
}
