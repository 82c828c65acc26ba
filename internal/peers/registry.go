package peers

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Source records how a peer address became known
type Source string

const (
	// SourceReported peers came from a peer_addresses push
	SourceReported Source = "reported"
	// SourceSelected is the peer this client is configured to use
	SourceSelected Source = "selected"
)

// Peer represents a ledger peer address
type Peer struct {
	Address  string    `json:"address"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Source   Source    `json:"source"`
	LastSeen time.Time `json:"lastSeen"`
}

// ParsePeer splits a host:port address into a Peer
func ParsePeer(address string, source Source) (*Peer, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid peer port in %q", address)
	}
	return &Peer{
		Address: net.JoinHostPort(host, portStr),
		Host:    host,
		Port:    port,
		Source:  source,
	}, nil
}

// Registry manages known peers keyed by address
type Registry struct {
	peers map[string]*Peer
	mu    sync.RWMutex
	now   func() time.Time
}

// NewRegistry creates a new peer registry
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]*Peer),
		now:   time.Now,
	}
}

// Add adds or refreshes a peer. The selected peer keeps its source when
// it is later reported again.
func (r *Registry) Add(peer *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[peer.Address]; ok && existing.Source == SourceSelected {
		peer.Source = SourceSelected
	}
	peer.LastSeen = r.now()
	r.peers[peer.Address] = peer
}

// AddAddresses parses and adds reported addresses, returning how many were
// accepted. Malformed entries are skipped.
func (r *Registry) AddAddresses(addresses []string) int {
	added := 0
	for _, addr := range addresses {
		peer, err := ParsePeer(addr, SourceReported)
		if err != nil {
			continue
		}
		r.Add(peer)
		added++
	}
	return added
}

// Get retrieves a peer by address
func (r *Registry) Get(address string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[address]
	return peer, ok
}

// GetAll returns all peers sorted by address
func (r *Registry) GetAll() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Address < peers[j].Address })
	return peers
}

// Remove removes a peer by address
func (r *Registry) Remove(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, address)
}

// Cleanup removes reported peers not seen within timeout. The selected peer stays.
func (r *Registry) Cleanup(timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for addr, peer := range r.peers {
		if peer.Source == SourceSelected {
			continue
		}
		if now.Sub(peer.LastSeen) > timeout {
			delete(r.peers, addr)
		}
	}
}

// Count returns the number of peers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers)
}
