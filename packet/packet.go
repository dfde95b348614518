// Package packet implements the 120-byte tinySSB wire record: construction,
// signing, serialization and verification, plus the chain20 sidechain
// encoding for payloads larger than 48 bytes.
package packet

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// Version is prefixed to every DMX computation, scoping tags to this wire
// protocol generation.
const Version = "tinyssb-v0"

// Sizes of the fixed-width wire fields.
const (
	FIDSize       = 32
	DMXSize       = 7
	TypeSize      = 1
	PayloadSize   = 48
	SignatureSize = 64
	MidSize       = 20
	WireSize      = DMXSize + TypeSize + PayloadSize + SignatureSize // 120
	BlobSize      = 120
)

// Packet type tags (one byte).
const (
	TypePlain48 byte = 0x00
	TypeChain20 byte = 0x01
	TypeIsChild byte = 0x02
	TypeIsContn byte = 0x03
	TypeMkChild byte = 0x04
	TypeContdas byte = 0x05
	TypeSet     byte = 0x06 // private metadata logs only
	TypeDelete  byte = 0x07 // private metadata logs only
	TypeAcknldg byte = 0x08 // session control
)

// FID is a 32-byte feed identifier (the feed's Ed25519 verification key).
type FID [FIDSize]byte

// Mid is a 20-byte message identifier.
type Mid [MidSize]byte

// SignFunc signs msg with the secret key bound to fid.
type SignFunc func(fid FID, msg []byte) []byte

// VerifyFunc reports whether sig is a valid signature over msg under fid.
type VerifyFunc func(fid FID, sig, msg []byte) bool

// ErrBadSignature is returned when a packet's signature does not verify.
var ErrBadSignature = errors.New("packet: bad signature")

// ErrDMXMismatch is returned when a packet's DMX does not match the expected
// tag for its claimed (fid, seq, prev).
var ErrDMXMismatch = errors.New("packet: dmx mismatch")

// Packet is one signed 120-byte tinySSB log entry, reconstructed or about to
// be constructed.
type Packet struct {
	FID  FID
	Seq  uint32
	Prev Mid // prev msgID, or fid[:20] convention for seq==1

	name [FIDSize + 4 + MidSize]byte // fid ‖ seq(be32) ‖ prev
	dmx  [DMXSize]byte

	Typ       byte
	Payload   [PayloadSize]byte
	Signature [SignatureSize]byte
	wire      [WireSize]byte
	mid       Mid

	// Sidechain decode state (chain20 only); chainLen < 0 means "not yet
	// parsed". Decoding is lazy and resumable: UndoChain may be called
	// again as missing blobs arrive.
	chainLen     int
	chainContent []byte
	chainNext    *Mid
}

// buildName builds fid ‖ seq(big-endian 4) ‖ prev, the packet's unique coordinate.
func buildName(fid FID, seq uint32, prev Mid) [FIDSize + 4 + MidSize]byte {
	var nm [FIDSize + 4 + MidSize]byte
	copy(nm[:FIDSize], fid[:])
	binary.BigEndian.PutUint32(nm[FIDSize:FIDSize+4], seq)
	copy(nm[FIDSize+4:], prev[:])
	return nm
}

// DMX computes the 7-byte demultiplexing tag for an arbitrary name or label:
// SHA-256(Version ‖ name)[:7].
func DMX(name []byte) [DMXSize]byte {
	h := sha256.New()
	h.Write([]byte(Version))
	h.Write(name)
	sum := h.Sum(nil)
	var out [DMXSize]byte
	copy(out[:], sum[:DMXSize])
	return out
}

// New prepares an unsigned packet for the given coordinates.
func New(fid FID, seq uint32, prev Mid) *Packet {
	nm := buildName(fid, seq, prev)
	p := &Packet{FID: fid, Seq: seq, Prev: prev, name: nm, dmx: DMX(nm[:]), chainLen: -1}
	return p
}

// Sign pads payload to 48 bytes, signs it and caches the wire encoding and
// message id.
func (p *Packet) Sign(typ byte, payload []byte, sign SignFunc) {
	var buf [PayloadSize]byte
	copy(buf[:], payload)
	p.Typ = typ
	p.Payload = buf

	msg := make([]byte, 0, DMXSize+TypeSize+PayloadSize)
	msg = append(msg, p.dmx[:]...)
	msg = append(msg, typ)
	msg = append(msg, buf[:]...)

	signMsg := make([]byte, 0, len(p.name)+len(msg))
	signMsg = append(signMsg, p.name[:]...)
	signMsg = append(signMsg, msg...)
	sig := sign(p.FID, signMsg)
	copy(p.Signature[:], sig)

	copy(p.wire[:DMXSize], p.dmx[:])
	p.wire[DMXSize] = typ
	copy(p.wire[DMXSize+TypeSize:DMXSize+TypeSize+PayloadSize], buf[:])
	copy(p.wire[DMXSize+TypeSize+PayloadSize:], p.Signature[:])
	p.mid = p.computeMid()
}

// computeMid returns SHA-256(name ‖ wire)[:20].
func (p *Packet) computeMid() Mid {
	h := sha256.New()
	h.Write(p.name[:])
	h.Write(p.wire[:])
	sum := h.Sum(nil)
	var m Mid
	copy(m[:], sum[:MidSize])
	return m
}

// Mid returns the packet's message id, valid once Sign or FromWire succeeded.
func (p *Packet) Mid() Mid { return p.mid }

// Wire returns the 120-byte wire encoding.
func (p *Packet) Wire() [WireSize]byte { return p.wire }

// DMXTag returns the packet's demultiplexing tag.
func (p *Packet) DMXTag() [DMXSize]byte { return p.dmx }

// PredictNextDMX returns the DMX that the next entry in this feed (seq+1,
// prev=this packet's mid) would carry — used to arm a DMX handler ahead of
// the packet that will satisfy it.
func (p *Packet) PredictNextDMX() [DMXSize]byte {
	nm := buildName(p.FID, p.Seq+1, p.mid)
	return DMX(nm[:])
}

// FromWire reconstructs a packet from its 120-byte wire form at the given
// coordinates. If verify is non-nil, the DMX and signature are checked;
// a mismatch returns (nil, ErrDMXMismatch) or (nil, ErrBadSignature).
func FromWire(buf []byte, fid FID, seq uint32, prev Mid, verify VerifyFunc) (*Packet, error) {
	if len(buf) != WireSize {
		return nil, errors.New("packet: wire buffer must be 120 bytes")
	}
	nm := buildName(fid, seq, prev)
	p := &Packet{FID: fid, Seq: seq, Prev: prev, name: nm, chainLen: -1}
	copy(p.dmx[:], buf[:DMXSize])
	if verify != nil {
		want := DMX(nm[:])
		if want != p.dmx {
			return nil, ErrDMXMismatch
		}
	}
	p.Typ = buf[DMXSize]
	copy(p.Payload[:], buf[DMXSize+TypeSize:DMXSize+TypeSize+PayloadSize])
	copy(p.Signature[:], buf[DMXSize+TypeSize+PayloadSize:])
	copy(p.wire[:], buf)

	if verify != nil {
		signMsg := make([]byte, 0, len(nm)+DMXSize+TypeSize+PayloadSize)
		signMsg = append(signMsg, nm[:]...)
		signMsg = append(signMsg, buf[:DMXSize+TypeSize+PayloadSize]...)
		if !verify(fid, p.Signature[:], signMsg) {
			return nil, ErrBadSignature
		}
	}
	p.mid = p.computeMid()
	return p, nil
}
