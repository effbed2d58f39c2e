package gdbremote

import (
	"bufio"
	"errors"
	"strings"
	"testing"
)

func TestFrameEscapes(t *testing.T) {
	got := string(frame("a$b"))
	if !strings.HasPrefix(got, "$a}\x04b#") {
		t.Fatalf("frame = %q", got)
	}
	if got := string(frame("OK")); got != "$OK#9a" {
		t.Fatalf("frame(OK) = %q", got)
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"plain", "plain", false},
		{"0* ", "0000", false},
		{"ab}\x03", "ab#", false},
		{"}", "", true},
		{"*!", "", true},
	}
	for _, tt := range tests {
		got, err := decodePayload([]byte(tt.in))
		if (err != nil) != tt.err || (!tt.err && string(got) != tt.want) {
			t.Errorf("decodePayload(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestReadPacket(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("+" + string(frame("T05thread:1;")) + "$OK#00"))
	p, err := readPacket(r)
	if err != nil || string(p) != "T05thread:1;" {
		t.Fatalf("readPacket = %q, %v", p, err)
	}
	var cs *ChecksumError
	if _, err := readPacket(r); !errors.As(err, &cs) {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestParseStopReply(t *testing.T) {
	s, err := parseStopReply("T05thread:1c03;20:0020000000000000;reason:breakpoint;")
	if err != nil {
		t.Fatal(err)
	}
	if s.Signal != 5 || s.Thread != 0x1c03 || s.regs[0x20] != 0x2000 {
		t.Fatalf("parsed %+v", s)
	}

	tests := []struct {
		in     string
		exited bool
		status int
		signal int
	}{
		{"W00", true, 0, 0},
		{"W01", true, 1, 0},
		{"X09", true, 0, 9},
		{"S11", false, 0, 17},
	}
	for _, tt := range tests {
		s, err := parseStopReply(tt.in)
		if err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if s.Exited != tt.exited || s.Status != tt.status || s.Signal != tt.signal {
			t.Errorf("%s parsed as %+v", tt.in, s.Stop)
		}
	}

	if _, err := parseStopReply("E01"); err == nil {
		t.Fatalf("expected error for non stop reply")
	}
}
