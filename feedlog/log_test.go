package feedlog

import (
	"bytes"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/tschudin/tinyssb/packet"
)

func keypair(t *testing.T) (packet.FID, packet.SignFunc, packet.VerifyFunc) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	var fid packet.FID
	copy(fid[:], pub)
	sign := func(_ packet.FID, msg []byte) []byte { return ed25519.Sign(priv, msg) }
	verify := func(fid packet.FID, sig, msg []byte) bool {
		return ed25519.Verify(ed25519.PublicKey(fid[:]), msg, sig)
	}
	return fid, sign, verify
}

func newGenesisLog(t *testing.T, dir string) (*Log, packet.FID, packet.SignFunc) {
	t.Helper()
	fid, sign, verify := keypair(t)
	var prev packet.Mid
	copy(prev[:], fid[:packet.MidSize])

	genesis := packet.New(fid, 1, prev)
	genesis.Sign(packet.TypePlain48, []byte("hello"), sign)
	wire := genesis.Wire()

	l, err := Create(filepath.Join(dir, "feed.log"), fid, 0, prev, packet.FID{}, 0, wire[:], verify)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return l, fid, sign
}

func TestMinimalGenesis(t *testing.T) {
	dir := t.TempDir()
	l, _, _ := newGenesisLog(t, dir)
	defer l.Close()

	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
	p, err := l.Read(1)
	if err != nil {
		t.Fatalf("Read(1): %v", err)
	}
	if p.Seq != 1 {
		t.Errorf("Seq = %d, want 1", p.Seq)
	}
}

func TestAppendFivePlainEntries(t *testing.T) {
	dir := t.TempDir()
	l, _, sign := newGenesisLog(t, dir)
	defer l.Close()

	for i := 0; i < 5; i++ {
		payload := bytes.Repeat([]byte{byte(0x30 + i)}, 48)
		if _, err := l.WriteTyped48(packet.TypePlain48, payload, sign); err != nil {
			t.Fatalf("WriteTyped48(%d): %v", i, err)
		}
	}

	if l.Len() != 6 { // genesis + 5
		t.Fatalf("Len() = %d, want 6", l.Len())
	}
	for i := 0; i < 5; i++ {
		p, err := l.Read(int64(i + 2))
		if err != nil {
			t.Fatalf("Read(%d): %v", i+2, err)
		}
		if p.Payload[0] != byte(0x30+i) {
			t.Errorf("entry %d payload[0] = %#x, want %#x", i, p.Payload[0], 0x30+i)
		}
	}
}

func TestAppendOutOfSequenceRejected(t *testing.T) {
	dir := t.TempDir()
	l, fid, sign := newGenesisLog(t, dir)
	defer l.Close()

	// Build a packet at seq 3 (skipping 2).
	bogus := packet.New(fid, 3, packet.Mid{})
	bogus.Sign(packet.TypePlain48, []byte("x"), sign)
	wire := bogus.Wire()

	verify := func(fid packet.FID, sig, msg []byte) bool {
		return ed25519.Verify(ed25519.PublicKey(fid[:]), msg, sig)
	}
	if _, err := l.Append(wire[:], verify); err == nil {
		t.Fatal("expected out-of-sequence append to fail")
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	l, _, _ := newGenesisLog(t, dir)
	path := l.file.Name()
	l.Close()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0, 1, 2}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := Open(path, nil); err != ErrLogFileCorrupt {
		t.Errorf("Open() err = %v, want ErrLogFileCorrupt", err)
	}
}

func TestPrepareChainAndAppendLocal(t *testing.T) {
	dir := t.TempDir()
	l, _, sign := newGenesisLog(t, dir)
	defer l.Close()

	content := bytes.Repeat([]byte{0x5}, 230)
	pkt, blobs := l.PrepareChain(content, sign)
	if len(blobs) == 0 {
		t.Fatalf("expected blobs for 230-byte content")
	}
	if err := l.AppendLocal(pkt); err != nil {
		t.Fatalf("AppendLocal: %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
}

func TestAppendCallback(t *testing.T) {
	dir := t.TempDir()
	l, _, sign := newGenesisLog(t, dir)
	defer l.Close()

	var got *packet.Packet
	l.SetAppendCallback(func(p *packet.Packet) { got = p })

	if _, err := l.WriteTyped48(packet.TypePlain48, []byte("x"), sign); err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Seq != 2 {
		t.Errorf("callback did not observe the new entry")
	}
}
