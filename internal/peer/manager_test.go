package peer

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/storage"
)

func newPeer(t *testing.T, name string) *Peer {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return New(kp.Public, name)
}

func populate(t *testing.T, m *Manager, n int) []*Peer {
	t.Helper()
	peers := make([]*Peer, n)
	for i := range peers {
		peers[i] = newPeer(t, "")
		if err := m.Add(context.Background(), peers[i]); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return peers
}

func TestNodeIDDistance(t *testing.T) {
	var a, b NodeID
	a[0], b[0] = 0x0f, 0xf0
	d := a.Distance(b)
	if d[0] != 0xff {
		t.Errorf("distance[0] = %x, want ff", d[0])
	}
	if a.Distance(a) != (Distance{}) {
		t.Error("distance to self should be zero")
	}
	if !a.Distance(a).Less(d) {
		t.Error("zero distance should be less than non-zero")
	}

	parsed, err := ParseNodeID(a.String())
	if err != nil || parsed != a {
		t.Errorf("ParseNodeID = %v, %v; want %v", parsed, err, a)
	}
	if _, err := ParseNodeID("abcd"); err == nil {
		t.Error("expected error for short node id")
	}
}

func TestManagerFind(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	p := newPeer(t, "alice")
	if err := m.Add(ctx, p); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := m.FindByPublicKey(ctx, p.PublicKey)
	if err != nil {
		t.Fatalf("FindByPublicKey: %v", err)
	}
	if got.Name != "alice" || got.NodeID != p.NodeID {
		t.Errorf("got %+v", got)
	}
	if _, err := m.FindByNodeID(ctx, p.NodeID); err != nil {
		t.Errorf("FindByNodeID: %v", err)
	}

	other := newPeer(t, "")
	if _, err := m.FindByPublicKey(ctx, other.PublicKey); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("unknown peer: got %v, want ErrPeerNotFound", err)
	}

	got.Name = "mutated"
	again, _ := m.FindByPublicKey(ctx, p.PublicKey)
	if again.Name != "alice" {
		t.Error("returned peer aliases directory state")
	}
}

func TestManagerAddMerges(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	p := newPeer(t, "bob")
	p.Addresses = []string{"ws://10.0.0.1:7946"}
	if err := m.Add(ctx, p); err != nil {
		t.Fatalf("Add: %v", err)
	}

	update := New(p.PublicKey, "", "ws://10.0.0.2:7946")
	if err := m.Add(ctx, update); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, _ := m.FindByPublicKey(ctx, p.PublicKey)
	if got.Name != "bob" {
		t.Errorf("Name = %q, want bob", got.Name)
	}
	if len(got.Addresses) != 2 {
		t.Errorf("Addresses = %v, want both", got.Addresses)
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d, want 1", m.Count())
	}
}

func TestManagerPersistence(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(filepath.Join(t.TempDir(), "peers.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	m, err := OpenManager(ctx, store)
	if err != nil {
		t.Fatalf("OpenManager: %v", err)
	}
	peers := populate(t, m, 3)
	if err := m.Remove(ctx, peers[0].PublicKey); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	reopened, err := OpenManager(ctx, store)
	if err != nil {
		t.Fatalf("OpenManager: %v", err)
	}
	if reopened.Count() != 2 {
		t.Fatalf("Count = %d, want 2", reopened.Count())
	}
	if reopened.Exists(peers[0].PublicKey) {
		t.Error("removed peer came back")
	}
	if _, err := reopened.FindByNodeID(ctx, peers[1].NodeID); err != nil {
		t.Errorf("FindByNodeID after reload: %v", err)
	}
}

func TestClosestPeers(t *testing.T) {
	m := NewManager()
	populate(t, m, 12)
	var region NodeID

	got := m.ClosestPeers(region, 5)
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if region.Distance(got[i].NodeID).Less(region.Distance(got[i-1].NodeID)) {
			t.Errorf("peers not sorted by distance at %d", i)
		}
	}

	excluded := m.ClosestPeers(region, 12, got[0].PublicKey)
	if len(excluded) != 11 {
		t.Errorf("len with exclusion = %d, want 11", len(excluded))
	}
	if slices.ContainsFunc(excluded, func(p *Peer) bool { return p.PublicKey == got[0].PublicKey }) {
		t.Error("excluded peer returned")
	}
	if n := len(m.ClosestPeers(region, 0)); n != 0 {
		t.Errorf("n=0 returned %d peers", n)
	}
}

func TestInNetworkRegion(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	populate(t, m, 15)
	local := newPeer(t, "local")

	ranked := m.ClosestPeers(local.NodeID, 15)
	tenth := ranked[9]

	tests := []struct {
		name string
		node NodeID
		n    int
		want bool
	}{
		{"tenth closest with n=3", tenth.NodeID, 3, false},
		{"tenth closest with n=10", tenth.NodeID, 10, true},
		{"tenth closest with n=9", tenth.NodeID, 9, false},
		{"closest with n=1", ranked[0].NodeID, 1, true},
		{"n larger than known peers", ranked[14].NodeID, 20, true},
		{"n zero", ranked[0].NodeID, 0, false},
		{"region node itself", local.NodeID, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.InNetworkRegion(ctx, tt.node, local.NodeID, tt.n)
			if err != nil {
				t.Fatalf("InNetworkRegion: %v", err)
			}
			if got != tt.want {
				t.Errorf("InNetworkRegion = %v, want %v", got, tt.want)
			}
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := m.InNetworkRegion(cancelled, tenth.NodeID, local.NodeID, 3); err == nil {
		t.Error("expected error on cancelled context")
	}
}
