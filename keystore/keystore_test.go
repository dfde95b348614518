package keystore

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/tschudin/tinyssb/feedlog"
	"github.com/tschudin/tinyssb/packet"
)

func TestNewIdentitySignVerify(t *testing.T) {
	ks := New()
	fid, err := ks.NewIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("hello tinyssb")
	sig, err := ks.Sign(fid, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(fid, sig, msg) {
		t.Errorf("signature did not verify")
	}

	name, ok := ks.Name(fid)
	if !ok || name != "alice" {
		t.Errorf("Name() = %q, %v, want \"alice\", true", name, ok)
	}
}

func TestSignFuncIntegratesWithPacket(t *testing.T) {
	ks := New()
	fid, err := ks.NewIdentity("bob")
	if err != nil {
		t.Fatal(err)
	}

	var prev packet.Mid
	p := packet.New(fid, 1, prev)
	p.Sign(packet.TypePlain48, []byte("payload"), ks.SignFunc(fid))

	wire := p.Wire()
	if _, err := packet.FromWire(wire[:], fid, 1, prev, Verify); err != nil {
		t.Errorf("packet signed via SignFunc did not verify: %v", err)
	}
}

func TestRemoveAndUnknownFID(t *testing.T) {
	ks := New()
	fid, err := ks.NewIdentity("carol")
	if err != nil {
		t.Fatal(err)
	}
	ks.Remove(fid)

	if ks.Has(fid) {
		t.Errorf("Has() = true after Remove")
	}
	if _, err := ks.Sign(fid, []byte("x")); err != ErrUnknownFID {
		t.Errorf("Sign() err = %v, want ErrUnknownFID", err)
	}
}

func TestListPreservesInsertionOrder(t *testing.T) {
	ks := New()
	var fids []packet.FID
	for _, name := range []string{"a", "b", "c"} {
		fid, err := ks.NewIdentity(name)
		if err != nil {
			t.Fatal(err)
		}
		fids = append(fids, fid)
	}

	got := ks.List()
	if len(got) != len(fids) {
		t.Fatalf("List() returned %d entries, want %d", len(got), len(fids))
	}
	for i := range fids {
		if got[i] != fids[i] {
			t.Errorf("List()[%d] = %x, want %x", i, got[i], fids[i])
		}
	}
}

func TestIdentityPairsFIDWithGenesisLog(t *testing.T) {
	ks := New()
	fid, err := ks.NewIdentity("frank")
	if err != nil {
		t.Fatal(err)
	}

	var prev packet.Mid
	copy(prev[:], fid[:packet.MidSize])
	genesis := packet.New(fid, 1, prev)
	genesis.Sign(packet.TypePlain48, []byte("hi"), ks.SignFunc(fid))
	wire := genesis.Wire()

	l, err := feedlog.Create(filepath.Join(t.TempDir(), "feed.log"), fid, 0, prev, packet.FID{}, 0, wire[:], Verify)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	id := ks.Identity(fid, l)
	if id.Name != "frank" {
		t.Errorf("Name = %q, want \"frank\"", id.Name)
	}
	if id.Log.Len() != 1 {
		t.Errorf("Log.Len() = %d, want 1", id.Log.Len())
	}

	next := packet.New(fid, 2, genesis.Mid())
	next.Sign(packet.TypePlain48, []byte("x"), id.SignFunc())
	nw := next.Wire()
	if _, err := packet.FromWire(nw[:], fid, 2, genesis.Mid(), Verify); err != nil {
		t.Errorf("entry signed via Identity.SignFunc did not verify: %v", err)
	}
}

func TestLoadOrCreateIdentityBootstrapsOnce(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "keys.db")

	store, err := OpenSQLiteStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	_, fid, err := LoadOrCreateIdentity(store, "erin")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenSQLiteStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	ks, again, err := LoadOrCreateIdentity(reopened, "should-not-mint")
	if err != nil {
		t.Fatal(err)
	}
	if again != fid {
		t.Errorf("second bootstrap minted a new identity: %x != %x", again, fid)
	}
	name, _ := ks.Name(fid)
	if name != "erin" {
		t.Errorf("name = %q, want \"erin\"", name)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "keys.db")

	store, err := OpenSQLiteStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	pub, secret, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	var fid packet.FID
	copy(fid[:], pub)
	if err := store.Put(fid, secret, "dana"); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenSQLiteStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	loaded, err := reopened.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Has(fid) {
		t.Fatal("reopened store missing persisted identity")
	}
	name, _ := loaded.Name(fid)
	if name != "dana" {
		t.Errorf("name = %q, want \"dana\"", name)
	}

	sig, err := loaded.Sign(fid, []byte("msg"))
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(fid, sig, []byte("msg")) {
		t.Errorf("signature from reloaded key did not verify")
	}
}
