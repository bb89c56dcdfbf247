package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/observability"
)

// PeerDirectory tracks nodes discovered on the local network. The discovery
// beacon is its only writer; everything else reads. Entries are keyed by
// address so a node that changes its id keeps a single slot per socket.
type PeerDirectory struct {
	mu    sync.RWMutex
	peers map[string]*models.PeerNode
	ttl   time.Duration
}

// NewPeerDirectory creates a directory with the given staleness TTL
func NewPeerDirectory(ttl time.Duration) *PeerDirectory {
	return &PeerDirectory{
		peers: make(map[string]*models.PeerNode),
		ttl:   ttl,
	}
}

// Upsert inserts or refreshes a peer, keyed by address
func (d *PeerDirectory) Upsert(node *models.PeerNode) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.peers[node.Address]
	if !ok {
		d.peers[node.Address] = node
		return
	}
	existing.NodeID = node.NodeID
	existing.Hostname = node.Hostname
	existing.LastSeenAt = node.LastSeenAt
	existing.Capabilities = node.Capabilities
}

// GetByNodeID returns the freshest entry for a node id, nil when unknown
func (d *PeerDirectory) GetByNodeID(nodeID string) *models.PeerNode {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var best *models.PeerNode
	for _, p := range d.peers {
		if p.NodeID != nodeID {
			continue
		}
		if best == nil || p.LastSeenAt.After(best.LastSeenAt) {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// List returns a snapshot of all known peers sorted by node id
func (d *PeerDirectory) List() []*models.PeerNode {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*models.PeerNode, 0, len(d.peers))
	for _, p := range d.peers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Count returns the number of known peers
func (d *PeerDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Prune drops peers not seen within the TTL and returns how many were removed
func (d *PeerDirectory) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for addr, p := range d.peers {
		if p.IsStale(d.ttl, now) {
			delete(d.peers, addr)
			removed++
		}
	}
	return removed
}

// RunPruner prunes stale peers on an interval until the context is done
func (d *PeerDirectory) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := d.Prune(now); removed > 0 {
				observability.Debugf("Pruned %d stale peer(s) from directory", removed)
			}
		}
	}
}
