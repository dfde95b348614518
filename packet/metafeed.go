package packet

import "crypto/sha256"

// Metafeed payload layouts (always 48 bytes):
//
//	ischild / iscontn: predecessor FID(32) | predecessor seq(4, BE) | proof12(12)
//	mkchild / contdas: child/continuation FID(32) | usage/any(16)
//
// proof12 is the first 12 bytes of SHA-256 over the full 120-byte wire of
// the predecessor's mkchild/contdas entry.

// ProofOf returns the 12-byte birth-certificate proof for a predecessor
// entry's wire bytes.
func ProofOf(predecessorWire [WireSize]byte) [12]byte {
	sum := sha256.Sum256(predecessorWire[:])
	var out [12]byte
	copy(out[:], sum[:12])
	return out
}

// ChildGenesisPayload builds the 48-byte ischild payload referencing the
// parent's mkchild entry at parentSeq with the given proof.
func ChildGenesisPayload(parentFID FID, parentSeq uint32, proof [12]byte) [PayloadSize]byte {
	return metafeedGenesisPayload(parentFID, parentSeq, proof)
}

// ContinuationGenesisPayload builds the 48-byte iscontn payload referencing
// the predecessor's contdas entry.
func ContinuationGenesisPayload(predFID FID, predSeq uint32, proof [12]byte) [PayloadSize]byte {
	return metafeedGenesisPayload(predFID, predSeq, proof)
}

func metafeedGenesisPayload(fid FID, seq uint32, proof [12]byte) [PayloadSize]byte {
	var buf [PayloadSize]byte
	copy(buf[:FIDSize], fid[:])
	buf[FIDSize] = byte(seq >> 24)
	buf[FIDSize+1] = byte(seq >> 16)
	buf[FIDSize+2] = byte(seq >> 8)
	buf[FIDSize+3] = byte(seq)
	copy(buf[FIDSize+4:], proof[:])
	return buf
}

// MkChildPayload builds the 48-byte mkchild payload announcing childFID with
// an opaque 16-byte usage field.
func MkChildPayload(childFID FID, usage [16]byte) [PayloadSize]byte {
	var buf [PayloadSize]byte
	copy(buf[:FIDSize], childFID[:])
	copy(buf[FIDSize:], usage[:])
	return buf
}

// MkContdasPayload builds the 48-byte contdas payload naming the
// continuation feed (or all-zero to terminate a feed without continuation).
func MkContdasPayload(contFID FID) [PayloadSize]byte {
	var buf [PayloadSize]byte
	copy(buf[:FIDSize], contFID[:])
	return buf
}
