package packet

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestChildGenesisProof(t *testing.T) {
	parentFID, parentSign, parentVerify := keypair(t)
	childFID, childSign, _ := keypair(t)

	var parentPrev Mid
	copy(parentPrev[:], parentFID[:MidSize])
	parentGenesis := New(parentFID, 1, parentPrev)
	parentGenesis.Sign(TypePlain48, nil, parentSign)

	usage := [16]byte{}
	mkchild := New(parentFID, 2, parentGenesis.Mid())
	mkchildPayload := MkChildPayload(childFID, usage)
	mkchild.Sign(TypeMkChild, mkchildPayload[:], parentSign)

	wire := mkchild.Wire()
	if _, err := FromWire(wire[:], parentFID, 2, parentGenesis.Mid(), parentVerify); err != nil {
		t.Fatalf("mkchild did not verify: %v", err)
	}

	proof := ProofOf(wire)
	childGenesisPayload := ChildGenesisPayload(parentFID, mkchild.Seq, proof)

	var childPrev Mid
	copy(childPrev[:], childFID[:MidSize])
	childGenesis := New(childFID, 1, childPrev)
	childGenesis.Sign(TypeIsChild, childGenesisPayload[:], childSign)

	if !bytes.Equal(childGenesis.Payload[:FIDSize], parentFID[:]) {
		t.Errorf("child genesis payload fid mismatch")
	}
	gotSeq := uint32(childGenesis.Payload[32])<<24 | uint32(childGenesis.Payload[33])<<16 |
		uint32(childGenesis.Payload[34])<<8 | uint32(childGenesis.Payload[35])
	if gotSeq != mkchild.Seq {
		t.Errorf("child genesis payload seq = %d, want %d", gotSeq, mkchild.Seq)
	}
	if !bytes.Equal(childGenesis.Payload[36:48], proof[:]) {
		t.Errorf("child genesis proof mismatch")
	}
	if !ed25519.Verify(ed25519.PublicKey(childFID[:]), mustConcat(childGenesis), childGenesis.Signature[:]) {
		t.Errorf("child genesis signature does not verify directly")
	}
}

func mustConcat(p *Packet) []byte {
	nm := buildName(p.FID, p.Seq, p.Prev)
	out := append([]byte(nil), nm[:]...)
	out = append(out, p.dmx[:]...)
	out = append(out, p.Typ)
	out = append(out, p.Payload[:]...)
	return out
}
