//go:build linux || darwin

package process

import (
	"os"
	"testing"
)

func TestCollectPeerSelf(t *testing.T) {
	info, err := CollectPeer(os.Getpid())
	if err != nil {
		t.Fatalf("CollectPeer: %v", err)
	}
	if info.Comm == "" || info.UID != uint32(os.Getuid()) {
		t.Fatalf("info = %+v", info)
	}
	if info.PID != os.Getpid() {
		t.Fatalf("pid = %d", info.PID)
	}
	if !processExists(os.Getpid()) {
		t.Fatalf("own process reported missing")
	}
}

func TestCollectPeerMissing(t *testing.T) {
	// pids are capped well below this on both platforms.
	const missing = 1 << 30
	if _, err := CollectPeer(missing); err == nil {
		t.Fatalf("expected an error for pid %d", missing)
	}
	if processExists(missing) {
		t.Fatalf("pid %d reported alive", missing)
	}
}
