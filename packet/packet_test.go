package packet

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func keypair(t *testing.T) (FID, SignFunc, VerifyFunc) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	var fid FID
	copy(fid[:], pub)
	sign := func(_ FID, msg []byte) []byte { return ed25519.Sign(priv, msg) }
	verify := func(fid FID, sig, msg []byte) bool {
		return ed25519.Verify(ed25519.PublicKey(fid[:]), msg, sig)
	}
	return fid, sign, verify
}

func TestNewAndSignRoundTrip(t *testing.T) {
	fid, sign, verify := keypair(t)
	var prev Mid
	copy(prev[:], fid[:MidSize])

	tests := []struct {
		name    string
		typ     byte
		payload []byte
	}{
		{"plain48 full", TypePlain48, bytes.Repeat([]byte{0x42}, 48)},
		{"plain48 short", TypePlain48, []byte("hello")},
		{"mkchild", TypeMkChild, bytes.Repeat([]byte{0x01}, 48)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(fid, 1, prev)
			p.Sign(tt.typ, tt.payload, sign)

			wire := p.Wire()
			got, err := FromWire(wire[:], fid, 1, prev, verify)
			if err != nil {
				t.Fatalf("FromWire: %v", err)
			}
			if got.Typ != tt.typ {
				t.Errorf("typ = %#x, want %#x", got.Typ, tt.typ)
			}
			if got.Mid() != p.Mid() {
				t.Errorf("mid mismatch")
			}
			want := make([]byte, PayloadSize)
			copy(want, tt.payload)
			if !bytes.Equal(got.Payload[:], want) {
				t.Errorf("payload mismatch")
			}
		})
	}
}

func TestFromWireRejectsBadSignature(t *testing.T) {
	fid, sign, verify := keypair(t)
	var prev Mid
	p := New(fid, 1, prev)
	p.Sign(TypePlain48, []byte("hi"), sign)
	wire := p.Wire()
	wire[WireSize-1] ^= 0xff // flip a signature byte

	if _, err := FromWire(wire[:], fid, 1, prev, verify); err != ErrBadSignature {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestFromWireRejectsDMXMismatch(t *testing.T) {
	fid, sign, verify := keypair(t)
	var prev Mid
	p := New(fid, 1, prev)
	p.Sign(TypePlain48, []byte("hi"), sign)
	wire := p.Wire()

	var wrongPrev Mid
	wrongPrev[0] = 0xff
	if _, err := FromWire(wire[:], fid, 1, wrongPrev, verify); err != ErrDMXMismatch {
		t.Errorf("err = %v, want ErrDMXMismatch", err)
	}
}

func TestPredictNextDMX(t *testing.T) {
	fid, sign, _ := keypair(t)
	var prev Mid
	p := New(fid, 1, prev)
	p.Sign(TypePlain48, []byte("a"), sign)

	next := New(fid, 2, p.Mid())
	if next.DMXTag() != p.PredictNextDMX() {
		t.Errorf("PredictNextDMX mismatch")
	}
}

func TestSidechainRoundTrip(t *testing.T) {
	fid, sign, _ := keypair(t)
	var prev Mid

	contents := [][]byte{
		[]byte("short"),
		bytes.Repeat([]byte{0x07}, 28),
		bytes.Repeat([]byte{0x09}, 230),
		bytes.Repeat([]byte{0x0a}, 400),
		{},
	}

	for _, content := range contents {
		p := New(fid, 1, prev)
		blobs := p.MkChain(content, sign)

		store := make(map[Mid][]byte)
		for _, b := range blobs {
			store[BlobHash(b)] = b
		}
		lookup := func(h Mid) ([]byte, bool) {
			b, ok := store[h]
			return b, ok
		}

		if !p.UndoChain(lookup) {
			t.Fatalf("chain of length %d did not complete", len(content))
		}
		if !bytes.Equal(p.ChainContent(), content) {
			t.Errorf("content mismatch: got %d bytes, want %d", len(p.ChainContent()), len(content))
		}
	}
}

func TestUndoChainMissingBlobReturnsFalse(t *testing.T) {
	fid, sign, _ := keypair(t)
	var prev Mid
	p := New(fid, 1, prev)
	p.MkChain(bytes.Repeat([]byte{0x01}, 400), sign)

	lookup := func(Mid) ([]byte, bool) { return nil, false }
	if p.UndoChain(lookup) {
		t.Errorf("expected incomplete chain to report false")
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 252, 253, 0xffff, 0x10000, 0xffffffff, 0x100000000}
	for _, v := range values {
		enc := varintEncode(v)
		got, n := varintDecode(enc)
		if got != v || n != len(enc) {
			t.Errorf("varint(%d): got %d (n=%d), want %d (n=%d)", v, got, n, v, len(enc))
		}
	}
}
