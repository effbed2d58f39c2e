package process

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestResolverCachesLookups(t *testing.T) {
	calls := 0
	r := &Resolver{Peers: NewPeerMap(), TTL: time.Hour, collect: func(pid int) (*PeerInfo, error) {
		calls++
		return &PeerInfo{PID: pid, Comm: "cfprefsd", UID: uint32(os.Getuid())}, nil
	}}

	for i := 0; i < 3; i++ {
		name, err := r.Name(os.Getpid())
		if err != nil || name != "cfprefsd" {
			t.Fatalf("Name = %q, %v", name, err)
		}
	}
	if calls != 1 {
		t.Fatalf("collected %d times", calls)
	}

	r.TTL = 0
	r.Name(os.Getpid())
	if calls != 2 {
		t.Fatalf("expired entry was not collected again")
	}
}

func TestResolverFailures(t *testing.T) {
	r := &Resolver{Peers: NewPeerMap(), TTL: time.Hour, collect: func(int) (*PeerInfo, error) {
		return nil, errors.New("gone")
	}}
	if _, err := r.Lookup(0); err == nil {
		t.Fatalf("expected error for pid 0")
	}
	if _, err := r.Lookup(4242); err == nil {
		t.Fatalf("expected collection error")
	}
	if len(r.Peers.List()) != 0 {
		t.Fatalf("failed lookups must not be cached")
	}
}

func TestPruneDropsExpired(t *testing.T) {
	r := &Resolver{Peers: NewPeerMap(), TTL: time.Minute}
	r.Peers.Add(1, &PeerInfo{PID: 1, LookedUp: time.Now().Add(-time.Hour)})
	if n := r.Prune(); n != 1 {
		t.Fatalf("pruned %d", n)
	}
	if _, ok := r.Peers.Get(1); ok {
		t.Fatalf("expired peer still cached")
	}
}

func TestPeerInfoName(t *testing.T) {
	if n := (&PeerInfo{ExePath: "/usr/libexec/tccd"}).Name(); n != "/usr/libexec/tccd" {
		t.Fatalf("Name = %q", n)
	}
}
