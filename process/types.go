package process

import (
	"sync"
	"time"
)

// PeerInfo describes the process on the other end of a connection.
type PeerInfo struct {
	PID      int
	Comm     string
	ExePath  string
	CmdLine  string
	UID      uint32
	Username string

	// LookedUp is when the information was collected.
	LookedUp time.Time
}

// Name is the best short name for the peer.
func (p *PeerInfo) Name() string {
	if p.Comm != "" {
		return p.Comm
	}
	return p.ExePath
}

// PeerTracker defines the interface for peer caching
type PeerTracker interface {
	Add(pid int, info *PeerInfo)
	Get(pid int) (*PeerInfo, bool)
	Remove(pid int)
	List() []*PeerInfo
}

// PeerMap is a thread-safe map of peer information
type PeerMap struct {
	peers map[int]*PeerInfo
	mu    sync.RWMutex
}

// NewPeerMap creates a new peer map
func NewPeerMap() *PeerMap {
	return &PeerMap{
		peers: make(map[int]*PeerInfo),
	}
}

// Add adds or updates a peer in the map
func (pm *PeerMap) Add(pid int, info *PeerInfo) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.peers[pid] = info
}

// Get retrieves peer info from the map
func (pm *PeerMap) Get(pid int) (*PeerInfo, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	info, exists := pm.peers[pid]
	return info, exists
}

// Remove removes a peer from the map
func (pm *PeerMap) Remove(pid int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.peers, pid)
}

// List returns all peers in the map
func (pm *PeerMap) List() []*PeerInfo {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	peers := make([]*PeerInfo, 0, len(pm.peers))
	for _, p := range pm.peers {
		peers = append(peers, p)
	}
	return peers
}
