package process

import (
	"context"
	"fmt"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/apex/log"
)

// Simple cache for username lookups
var (
	usernameCacheMutex sync.RWMutex
	usernameCache      = make(map[uint32]string)
)

// GetUsernameFromUID resolves a uid, caching the answer.
func GetUsernameFromUID(uid uint32) string {
	usernameCacheMutex.RLock()
	if username, ok := usernameCache[uid]; ok {
		usernameCacheMutex.RUnlock()
		return username
	}
	usernameCacheMutex.RUnlock()

	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		usernameCacheMutex.Lock()
		usernameCache[uid] = u.Username
		usernameCacheMutex.Unlock()
		return u.Username
	}
	return ""
}

// Resolver answers peer lookups from a PeerMap, collecting from the host on
// a miss. Pids are reused, so entries older than TTL are collected again.
type Resolver struct {
	Peers   PeerTracker
	TTL     time.Duration
	collect func(pid int) (*PeerInfo, error)
}

// NewResolver creates a resolver over the local host's process table.
func NewResolver(ttl time.Duration) *Resolver {
	return &Resolver{Peers: NewPeerMap(), TTL: ttl, collect: CollectPeer}
}

// Lookup returns information about pid.
func (r *Resolver) Lookup(pid int) (*PeerInfo, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	if info, ok := r.Peers.Get(pid); ok && time.Since(info.LookedUp) < r.TTL {
		return info, nil
	}
	info, err := r.collect(pid)
	if err != nil {
		r.Peers.Remove(pid)
		return nil, err
	}
	info.LookedUp = time.Now()
	if info.Username == "" {
		info.Username = GetUsernameFromUID(info.UID)
	}
	r.Peers.Add(pid, info)
	return info, nil
}

// Name returns the peer's process name. It matches the engine's PeerName
// hook.
func (r *Resolver) Name(pid int) (string, error) {
	info, err := r.Lookup(pid)
	if err != nil {
		return "", err
	}
	return info.Name(), nil
}

// Prune drops cached peers that have gone away or expired.
func (r *Resolver) Prune() int {
	pruned := 0
	for _, info := range r.Peers.List() {
		if time.Since(info.LookedUp) >= r.TTL || !processExists(info.PID) {
			r.Peers.Remove(info.PID)
			pruned++
		}
	}
	return pruned
}

// Start prunes periodically until ctx is done.
func (r *Resolver) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Debugf("Pruning peer cache every %v", interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.Prune(); n > 0 {
				log.WithField("pruned", n).Debug("peer cache pruned")
			}
		}
	}
}
