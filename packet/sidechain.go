package packet

import "crypto/sha256"

const (
	chainHeadSize = 28 // bytes of content carried directly in the payload's chain20 head
	blobDataSize  = 100
)

// BlobHash returns the first 20 bytes of SHA-256 over a 120-byte blob; the
// content-addressing function used throughout the repository and sidechain.
func BlobHash(blob []byte) Mid {
	sum := sha256.Sum256(blob)
	var m Mid
	copy(m[:], sum[:MidSize])
	return m
}

// MkChain signs this packet as a chain20 head for content and returns the
// chain of 120-byte blobs in forward (first-to-last) order.
func (p *Packet) MkChain(content []byte, sign SignFunc) [][]byte {
	prefixed := append(varintEncode(uint64(len(content))), content...)

	var blobs [][]byte
	var payload []byte
	if len(prefixed) <= chainHeadSize {
		payload = make([]byte, 0, PayloadSize)
		payload = append(payload, prefixed...)
		payload = append(payload, make([]byte, chainHeadSize-len(prefixed))...)
		payload = append(payload, make([]byte, MidSize)...) // null ptr
	} else {
		head, tail := prefixed[:chainHeadSize], prefixed[chainHeadSize:]
		if rem := len(tail) % blobDataSize; rem != 0 {
			tail = append(tail, make([]byte, blobDataSize-rem)...)
		}
		var ptr Mid // null, terminal pointer
		var rev [][]byte
		for len(tail) > 0 {
			chunkStart := len(tail) - blobDataSize
			chunk := tail[chunkStart:]
			tail = tail[:chunkStart]
			blob := make([]byte, 0, BlobSize)
			blob = append(blob, chunk...)
			blob = append(blob, ptr[:]...)
			rev = append(rev, blob)
			ptr = BlobHash(blob)
		}
		for i := len(rev) - 1; i >= 0; i-- {
			blobs = append(blobs, rev[i])
		}
		payload = make([]byte, 0, PayloadSize)
		payload = append(payload, head...)
		payload = append(payload, ptr[:]...)
	}
	p.Sign(TypeChain20, payload, sign)
	return blobs
}

// BlobLookup resolves a blob hash pointer to its 120-byte contents, or
// reports that it is not (yet) available.
type BlobLookup func(hptr Mid) ([]byte, bool)

// UndoChain reconstructs the content carried by a chain20 packet, fetching
// blobs via lookup as needed. It returns true once the full declared length
// has been recovered; it may be called repeatedly as more blobs arrive.
func (p *Packet) UndoChain(lookup BlobLookup) bool {
	if p.chainLen < 0 {
		n, sz := varintDecode(p.Payload[:])
		p.chainLen = int(n)
		end := sz + p.chainLen
		if end > chainHeadSize {
			end = chainHeadSize
		}
		p.chainContent = append([]byte(nil), p.Payload[sz:end]...)
		if p.chainLen == len(p.chainContent) {
			p.chainNext = nil
		} else {
			var ptr Mid
			copy(ptr[:], p.Payload[PayloadSize-MidSize:])
			if ptr == (Mid{}) {
				p.chainNext = nil
			} else {
				p.chainNext = &ptr
			}
		}
	}
	for lookup != nil && p.chainLen > len(p.chainContent) && p.chainNext != nil {
		blob, ok := lookup(*p.chainNext)
		if !ok {
			return false
		}
		var next Mid
		copy(next[:], blob[blobDataSize:])
		remaining := p.chainLen - len(p.chainContent)
		take := blobDataSize
		if remaining < take {
			take = remaining
		}
		p.chainContent = append(p.chainContent, blob[:take]...)
		if next == (Mid{}) {
			p.chainNext = nil
		} else {
			p.chainNext = &next
		}
	}
	return p.chainLen == len(p.chainContent)
}

// ChainContent returns whatever content has been reconstructed so far.
func (p *Packet) ChainContent() []byte { return p.chainContent }

// ChainNextPointer returns the pointer to the next pending blob, or nil if
// the chain is complete or was never started.
func (p *Packet) ChainNextPointer() *Mid { return p.chainNext }

// ContentIsComplete reports whether the packet's logical content (plain48 or
// fully-assembled chain20) is available.
func (p *Packet) ContentIsComplete() bool {
	switch p.Typ {
	case TypePlain48:
		return true
	case TypeChain20:
		return p.chainLen >= 0 && p.chainLen == len(p.chainContent)
	default:
		return false
	}
}

// Content returns the packet's logical payload for plain48 and (once
// complete) chain20 packets.
func (p *Packet) Content() []byte {
	switch p.Typ {
	case TypePlain48:
		return p.Payload[:]
	case TypeChain20:
		return p.chainContent
	default:
		return nil
	}
}

// varintEncode is the Bitcoin-style variable-length integer encoding used by
// the chain20 length prefix.
func varintEncode(v uint64) []byte {
	switch {
	case v <= 252:
		return []byte{byte(v)}
	case v <= 0xffff:
		b := make([]byte, 3)
		b[0] = 0xfd
		b[1] = byte(v)
		b[2] = byte(v >> 8)
		return b
	case v <= 0xffffffff:
		b := make([]byte, 5)
		b[0] = 0xfe
		for i := 0; i < 4; i++ {
			b[1+i] = byte(v >> (8 * i))
		}
		return b
	default:
		b := make([]byte, 9)
		b[0] = 0xff
		for i := 0; i < 8; i++ {
			b[1+i] = byte(v >> (8 * i))
		}
		return b
	}
}

// varintDecode returns the decoded value and the number of bytes it occupied.
func varintDecode(buf []byte) (uint64, int) {
	h := buf[0]
	switch {
	case h <= 252:
		return uint64(h), 1
	case h == 0xfd:
		return uint64(buf[1]) | uint64(buf[2])<<8, 3
	case h == 0xfe:
		var v uint64
		for i := 0; i < 4; i++ {
			v |= uint64(buf[1+i]) << (8 * i)
		}
		return v, 5
	default:
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(buf[1+i]) << (8 * i)
		}
		return v, 9
	}
}
