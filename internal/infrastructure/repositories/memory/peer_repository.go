package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"
)

// MemoryPeerRegistry stores peer records as given and applies the self
// tag on the way out, so identifiers marked as self after a record was
// stored are still reported as self.
type MemoryPeerRegistry struct {
	peers map[domain.PeerID]domain.PeerRecord
	self  map[domain.PeerID]struct{}
	mu    sync.RWMutex
}

func NewMemoryPeerRegistry() ports.PeerRegistry {
	return &MemoryPeerRegistry{
		peers: make(map[domain.PeerID]domain.PeerRecord),
		self:  make(map[domain.PeerID]struct{}),
	}
}

func (r *MemoryPeerRegistry) Upsert(ctx context.Context, peer domain.PeerRecord) error {
	if peer.Identifier == "" {
		return fmt.Errorf("peer identifier is required")
	}
	if len(peer.Addresses) == 0 {
		return fmt.Errorf("peer %s has no addresses", peer.Identifier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[peer.Identifier] = peer.WithSelf(peer.IsSelf)
	return nil
}

func (r *MemoryPeerRegistry) Remove(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; !exists {
		return domain.ErrPeerNotFound
	}
	delete(r.peers, id)
	return nil
}

func (r *MemoryPeerRegistry) Get(ctx context.Context, id domain.PeerID) (domain.PeerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, exists := r.peers[id]
	if !exists {
		return domain.PeerRecord{}, domain.ErrPeerNotFound
	}
	return r.annotate(peer), nil
}

// FindByAddress returns the first record, by identifier order, that
// advertises host.
func (r *MemoryPeerRegistry) FindByAddress(ctx context.Context, host string) (domain.PeerRecord, error) {
	peers, err := r.List(ctx)
	if err != nil {
		return domain.PeerRecord{}, err
	}
	for _, peer := range peers {
		if peer.HasAddress(host) {
			return peer, nil
		}
	}
	return domain.PeerRecord{}, domain.ErrPeerNotFound
}

func (r *MemoryPeerRegistry) List(ctx context.Context) ([]domain.PeerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]domain.PeerRecord, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, r.annotate(peer))
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Identifier < peers[j].Identifier
	})
	return peers, nil
}

func (r *MemoryPeerRegistry) MarkSelf(ctx context.Context, ids ...domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if id != "" {
			r.self[id] = struct{}{}
		}
	}
	return nil
}

func (r *MemoryPeerRegistry) IsSelf(ctx context.Context, id domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.self[id]
	return ok
}

// Clear drops every peer record. Self identifiers survive.
func (r *MemoryPeerRegistry) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers = make(map[domain.PeerID]domain.PeerRecord)
	return nil
}

// annotate must be called with r.mu held.
func (r *MemoryPeerRegistry) annotate(peer domain.PeerRecord) domain.PeerRecord {
	_, self := r.self[peer.Identifier]
	return peer.WithSelf(peer.IsSelf || self)
}
