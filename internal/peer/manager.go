package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/storage"
)

var ErrPeerNotFound = errors.New("peer not found")

const peerKeyPrefix = "peer/"

// Manager is the directory of known peers. Reads vastly outnumber writes,
// so lookups take a read lock only. When backed by a KeyValueStore every
// change is written through.
type Manager struct {
	mu     sync.RWMutex
	byKey  map[crypto.PublicKey]*Peer
	byNode map[NodeID]*Peer
	store  storage.KeyValueStore
}

// NewManager returns an in-memory directory.
func NewManager() *Manager {
	return &Manager{
		byKey:  make(map[crypto.PublicKey]*Peer),
		byNode: make(map[NodeID]*Peer),
	}
}

// OpenManager loads the directory persisted in store.
func OpenManager(ctx context.Context, store storage.KeyValueStore) (*Manager, error) {
	m := NewManager()
	m.store = store
	err := store.ForEach(ctx, peerKeyPrefix, func(key string, value []byte) error {
		var p Peer
		if err := json.Unmarshal(value, &p); err != nil {
			slog.Warn("Skipping unreadable peer record", "key", key, "error", err)
			return nil
		}
		p.NodeID = NodeIDFromPublicKey(p.PublicKey)
		m.byKey[p.PublicKey] = &p
		m.byNode[p.NodeID] = &p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	return m, nil
}

// Add inserts or updates a peer. Addresses are merged with any already
// known; an empty name does not overwrite a known one.
func (m *Manager) Add(ctx context.Context, p *Peer) error {
	if p.PublicKey.IsZero() {
		return fmt.Errorf("add peer: %w", crypto.ErrInvalidPublicKey)
	}
	p = p.Clone()
	p.NodeID = NodeIDFromPublicKey(p.PublicKey)

	m.mu.Lock()
	if existing, ok := m.byKey[p.PublicKey]; ok {
		if p.Name == "" {
			p.Name = existing.Name
		}
		for _, a := range existing.Addresses {
			if !slices.Contains(p.Addresses, a) {
				p.Addresses = append(p.Addresses, a)
			}
		}
		if !existing.AddedAt.IsZero() {
			p.AddedAt = existing.AddedAt
		}
		if p.LastSeen.Before(existing.LastSeen) {
			p.LastSeen = existing.LastSeen
		}
	}
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now().UTC()
	}
	m.byKey[p.PublicKey] = p
	m.byNode[p.NodeID] = p
	m.mu.Unlock()

	return m.persist(ctx, p)
}

// Remove deletes a peer. Removing an unknown peer returns ErrPeerNotFound.
func (m *Manager) Remove(ctx context.Context, pk crypto.PublicKey) error {
	m.mu.Lock()
	p, ok := m.byKey[pk]
	if ok {
		delete(m.byKey, pk)
		delete(m.byNode, p.NodeID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrPeerNotFound
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, peerKeyPrefix+pk.String()); err != nil {
			return fmt.Errorf("delete peer: %w", err)
		}
	}
	return nil
}

// MarkSeen records that the peer was active just now.
func (m *Manager) MarkSeen(ctx context.Context, pk crypto.PublicKey) error {
	m.mu.Lock()
	p, ok := m.byKey[pk]
	if ok {
		p.LastSeen = time.Now().UTC()
		p = p.Clone()
	}
	m.mu.Unlock()
	if !ok {
		return ErrPeerNotFound
	}
	return m.persist(ctx, p)
}

func (m *Manager) persist(ctx context.Context, p *Peer) error {
	if m.store == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal peer: %w", err)
	}
	if err := m.store.Put(ctx, peerKeyPrefix+p.PublicKey.String(), data); err != nil {
		return fmt.Errorf("store peer: %w", err)
	}
	return nil
}

// FindByPublicKey returns a copy of the peer with the given key.
func (m *Manager) FindByPublicKey(ctx context.Context, pk crypto.PublicKey) (*Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byKey[pk]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return p.Clone(), nil
}

// FindByNodeID returns a copy of the peer with the given node id.
func (m *Manager) FindByNodeID(ctx context.Context, id NodeID) (*Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byNode[id]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return p.Clone(), nil
}

func (m *Manager) Exists(pk crypto.PublicKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byKey[pk]
	return ok
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}

// All returns copies of every known peer ordered by node id.
func (m *Manager) All() []*Peer {
	m.mu.RLock()
	out := make([]*Peer, 0, len(m.byKey))
	for _, p := range m.byKey {
		out = append(out, p.Clone())
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Peer) int { return a.NodeID.Compare(b.NodeID) })
	return out
}

// ClosestPeers returns up to n peers ordered by distance to id, nearest
// first. Ties are broken by node id.
func (m *Manager) ClosestPeers(id NodeID, n int, excluded ...crypto.PublicKey) []*Peer {
	if n <= 0 {
		return nil
	}
	m.mu.RLock()
	candidates := make([]*Peer, 0, len(m.byKey))
	for _, p := range m.byKey {
		if slices.Contains(excluded, p.PublicKey) {
			continue
		}
		candidates = append(candidates, p.Clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(candidates, func(a, b *Peer) int {
		if c := id.Distance(a.NodeID).Compare(id.Distance(b.NodeID)); c != 0 {
			return c
		}
		return a.NodeID.Compare(b.NodeID)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// regionThreshold returns the distance from region to its n-th closest
// known peer, or MaxDistance when fewer than n peers are known.
func (m *Manager) regionThreshold(region NodeID, n int) Distance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	closest := make([]Distance, 0, n+1)
	for _, p := range m.byKey {
		d := region.Distance(p.NodeID)
		i, _ := slices.BinarySearchFunc(closest, d, Distance.Compare)
		if i >= n {
			continue
		}
		closest = slices.Insert(closest, i, d)
		if len(closest) > n {
			closest = closest[:n]
		}
	}
	if len(closest) < n {
		return MaxDistance
	}
	return closest[n-1]
}

// InNetworkRegion reports whether nodeID is at least as close to
// regionNodeID as the n-th closest peer this node knows of. With fewer than
// n known peers every node is in region; with n == 0 none is.
func (m *Manager) InNetworkRegion(ctx context.Context, nodeID, regionNodeID NodeID, n int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if n <= 0 {
		return false, nil
	}
	threshold := m.regionThreshold(regionNodeID, n)
	return regionNodeID.Distance(nodeID).Compare(threshold) <= 0, nil
}
