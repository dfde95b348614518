package node

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/tschudin/tinyssb/keystore"
	"github.com/tschudin/tinyssb/packet"
)

func TestPeerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "peers.db")

	var fid packet.FID
	fid[0] = 0x42

	ps, err := OpenPeerStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := ps.AddPeer(fid); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Minute)
	if err := ps.SaveFeedState(fid, 3, deadline); err != nil {
		t.Fatal(err)
	}
	if err := ps.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenPeerStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	peers, err := reopened.ListPeers()
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0] != fid {
		t.Fatalf("ListPeers = %v, want [%v]", peers, fid)
	}

	sub, ts, ok, err := reopened.LoadFeedState(fid)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || sub != 3 || ts.Unix() != deadline.Unix() {
		t.Errorf("LoadFeedState = (%d, %v, %v), want (3, %v, true)", sub, ts, ok, deadline)
	}
}

func TestAttachPeerStoreRestoresFeedState(t *testing.T) {
	r := newTestRepo(t)
	ks := keystore.New()
	fid, err := ks.NewIdentity("remote")
	if err != nil {
		t.Fatal(err)
	}
	feed, err := r.MkGenericLog(fid, packet.TypePlain48, bytes.Repeat([]byte{0x1}, 48), ks.SignFunc(fid), packet.FID{}, 0)
	if err != nil {
		t.Fatal(err)
	}

	ps, err := OpenPeerStore(filepath.Join(t.TempDir(), "peers.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Close()

	deadline := time.Now().Add(30 * time.Second)
	if err := ps.SaveFeedState(fid, 2, deadline); err != nil {
		t.Fatal(err)
	}

	n := New(nil, ks, r, packet.FID{}, nil)
	if err := n.AttachPeerStore(ps); err != nil {
		t.Fatal(err)
	}

	if feed.Subscription != 2 {
		t.Errorf("Subscription = %d, want 2 restored from the store", feed.Subscription)
	}
	n.mu.Lock()
	restored := n.nextTimeout
	n.mu.Unlock()
	if restored.UnixNano() != deadline.UnixNano() {
		t.Errorf("nextTimeout = %v, want the persisted epoch %v", restored, deadline)
	}
}

func TestAttachPeerStoreMergesPeers(t *testing.T) {
	r := newTestRepo(t)
	dsn := filepath.Join(t.TempDir(), "peers.db")
	ps, err := OpenPeerStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Close()

	var saved packet.FID
	saved[1] = 0x99
	if err := ps.AddPeer(saved); err != nil {
		t.Fatal(err)
	}

	n := New(nil, nil, r, packet.FID{}, nil)
	if err := n.AttachPeerStore(ps); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, p := range n.peers {
		if p == saved {
			found = true
		}
	}
	if !found {
		t.Error("expected persisted peer to be merged into node's peer list")
	}

	var live packet.FID
	live[2] = 0x55
	if err := n.AddPeer(live); err != nil {
		t.Fatal(err)
	}
	peers, err := ps.ListPeers()
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected AddPeer to persist to the store, got %v", peers)
	}
}
