// Package feedlog implements the authoritative on-disk append-only store for
// a single tinySSB feed: a 128-byte header followed by 128-byte entry slots
// (8 reserved bytes plus a 120-byte packet).
package feedlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/tschudin/tinyssb/packet"
)

const (
	headerSize    = 128
	entrySize     = 128
	entryReserved = 8
)

// ErrLogFileCorrupt is returned by Open when the file size disagrees with
// the header's anchor/front bookkeeping.
var ErrLogFileCorrupt = errors.New("feedlog: file size disagrees with header")

// ErrOutOfSequence is returned by AppendLocal when the packet's sequence
// number is not exactly front+1. Append never returns it: it derives the
// expected (seq, prev) itself, so a wire built for another position fails
// the DMX check (packet.ErrDMXMismatch) when a verify function is given.
var ErrOutOfSequence = errors.New("feedlog: entry not in sequence")

// AppendCallback is invoked after a successful append, with the newly
// stored packet.
type AppendCallback func(p *packet.Packet)

// Log is the append-only store for one feed id.
type Log struct {
	mu   sync.Mutex
	file *os.File

	fid       packet.FID
	parentFID packet.FID
	parentSeq uint32
	anchorSeq uint32
	anchorMid packet.Mid
	frontSeq  uint32
	frontMid  packet.Mid

	verify packet.VerifyFunc
	cb     AppendCallback

	// Subscription is an eagerness hint: a peer asked for the next entry
	// before it existed. Node.Push consults it to decide whether to
	// forward unsolicited updates for this feed.
	Subscription int
}

// Open opens an existing log file, validating that its size matches the
// header's (front-anchor) bookkeeping.
func Open(path string, verify packet.VerifyFunc) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	l := &Log{file: f, verify: verify}
	if err := l.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log: %w", err)
	}
	want := int64(headerSize) + int64(entrySize)*int64(l.frontSeq-l.anchorSeq)
	if info.Size() != want {
		f.Close()
		return nil, ErrLogFileCorrupt
	}
	return l, nil
}

func (l *Log) readHeader() error {
	var hdr [headerSize]byte
	if _, err := l.file.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	off := 12 // reserved
	copy(l.fid[:], hdr[off:off+32])
	off += 32
	copy(l.parentFID[:], hdr[off:off+32])
	off += 32
	l.parentSeq = binary.BigEndian.Uint32(hdr[off:])
	off += 4
	l.anchorSeq = binary.BigEndian.Uint32(hdr[off:])
	off += 4
	copy(l.anchorMid[:], hdr[off:off+20])
	off += 20
	l.frontSeq = binary.BigEndian.Uint32(hdr[off:])
	off += 4
	copy(l.frontMid[:], hdr[off:off+20])
	return nil
}

// Create initializes a new log file at path with the given anchor, optional
// parent link, and an optional first stored entry (already at
// anchorSeq+1, passed as a 120-byte wire buffer validated against verify).
func Create(path string, fid packet.FID, anchorSeq uint32, anchorMid packet.Mid,
	parentFID packet.FID, parentSeq uint32, firstEntryWire []byte, verify packet.VerifyFunc) (*Log, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("feedlog: %s: %w", path, os.ErrExist)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create log: %w", err)
	}

	l := &Log{
		file:      f,
		fid:       fid,
		parentFID: parentFID,
		parentSeq: parentSeq,
		anchorSeq: anchorSeq,
		anchorMid: anchorMid,
		frontSeq:  anchorSeq,
		frontMid:  anchorMid,
		verify:    verify,
	}

	var firstPkt *packet.Packet
	if firstEntryWire != nil {
		firstPkt, err = packet.FromWire(firstEntryWire, fid, anchorSeq+1, anchorMid, verify)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("validate first entry: %w", err)
		}
		l.frontSeq = firstPkt.Seq
		l.frontMid = firstPkt.Mid()
	}

	if err := l.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if firstPkt != nil {
		wire := firstPkt.Wire()
		buf := make([]byte, entrySize)
		copy(buf[entryReserved:], wire[:])
		if _, err := f.WriteAt(buf, headerSize); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("write first entry: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("sync log: %w", err)
		}
	}
	return l, nil
}

func (l *Log) writeHeader() error {
	var hdr [headerSize]byte
	off := 12
	copy(hdr[off:off+32], l.fid[:])
	off += 32
	copy(hdr[off:off+32], l.parentFID[:])
	off += 32
	binary.BigEndian.PutUint32(hdr[off:], l.parentSeq)
	off += 4
	binary.BigEndian.PutUint32(hdr[off:], l.anchorSeq)
	off += 4
	copy(hdr[off:off+20], l.anchorMid[:])
	off += 20
	binary.BigEndian.PutUint32(hdr[off:], l.frontSeq)
	off += 4
	copy(hdr[off:off+20], l.frontMid[:])
	if _, err := l.file.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return l.file.Sync()
}

// FID returns the feed id this log stores.
func (l *Log) FID() packet.FID { return l.fid }

// ParentFID returns the parent feed id, or the zero FID if this is a
// top-level feed.
func (l *Log) ParentFID() packet.FID { return l.parentFID }

// ParentSeq returns the sequence number in the parent feed that announced
// this feed, if any.
func (l *Log) ParentSeq() uint32 { return l.parentSeq }

// Len returns front_seq, the sequence number of the most recently stored
// entry.
func (l *Log) Len() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frontSeq
}

// Front returns the (seq, mid) of the most recently stored entry.
func (l *Log) Front() (uint32, packet.Mid) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frontSeq, l.frontMid
}

// SetAppendCallback installs (or, with nil, removes) the post-append
// callback.
func (l *Log) SetAppendCallback(cb AppendCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cb = cb
}

// AppendCallback returns the currently installed post-append callback, or
// nil if none is set. Used to carry a feed's callback over to the feed
// that replaces it (a continuation or a child subfeed).
func (l *Log) AppendCallback() AppendCallback {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cb
}

// Read performs random access by sequence number; negative values count
// back from the front (-1 is the most recent entry).
func (l *Log) Read(seq int64) (*packet.Packet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := seq
	if s < 0 {
		s = int64(l.frontSeq) + s + 1
	}
	if s <= int64(l.anchorSeq) || s > int64(l.frontSeq) {
		return nil, fmt.Errorf("feedlog: seq %d out of range (%d,%d]", seq, l.anchorSeq, l.frontSeq)
	}

	pos := int64(headerSize) + entrySize*(s-int64(l.anchorSeq)-1)
	buf := make([]byte, entrySize)
	if _, err := l.file.ReadAt(buf, pos); err != nil {
		return nil, fmt.Errorf("read entry: %w", err)
	}
	wire := buf[entryReserved:]

	// prev is only authoritative for the first entry after the anchor; for
	// later entries it would require walking the whole log back to the
	// anchor, which random access is meant to avoid. Content, type and
	// signature fields are unaffected; only the derived mid/dmx would be
	// wrong if recomputed from this placeholder. Callers that need a
	// verified mid should walk forward from Front() via the append
	// callback instead.
	var prev packet.Mid
	if uint32(s) == l.anchorSeq+1 {
		prev = l.anchorMid
	}
	return packet.FromWire(wire, l.fid, uint32(s), prev, nil)
}

// Append validates wire against the expected next (seq, prev) and, if it
// verifies, stores it and invokes the append callback.
func (l *Log) Append(wire []byte, verify packet.VerifyFunc) (*packet.Packet, error) {
	l.mu.Lock()
	nextSeq := l.frontSeq + 1
	prev := l.frontMid
	pkt, err := packet.FromWire(wire, l.fid, nextSeq, prev, verify)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if err := l.appendLocked(pkt); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	cb := l.cb
	l.mu.Unlock()
	if cb != nil {
		cb(pkt)
	}
	return pkt, nil
}

// appendLocked writes pkt at EOF and updates the header's front fields
// atomically with respect to header readers; must be called with mu held.
func (l *Log) appendLocked(pkt *packet.Packet) error {
	if pkt.Seq != l.frontSeq+1 {
		return ErrOutOfSequence
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock log: %w", err)
	}
	defer syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)

	wire := pkt.Wire()
	buf := make([]byte, entrySize)
	copy(buf[entryReserved:], wire[:])
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek log: %w", err)
	}
	if _, err := l.file.Write(buf); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}

	l.frontSeq = pkt.Seq
	l.frontMid = pkt.Mid()
	if err := l.writeHeader(); err != nil {
		return err
	}
	return l.file.Sync()
}

// WriteTyped48 constructs, signs (with sign, which must own the feed's
// secret key) and appends a new locally-originated entry, bypassing
// external verification.
func (l *Log) WriteTyped48(typ byte, payload []byte, sign packet.SignFunc) (*packet.Packet, error) {
	l.mu.Lock()
	pkt := packet.New(l.fid, l.frontSeq+1, l.frontMid)
	pkt.Sign(typ, payload, sign)
	if err := l.appendLocked(pkt); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	cb := l.cb
	l.mu.Unlock()
	if cb != nil {
		cb(pkt)
	}
	return pkt, nil
}

// WriteEOF appends a terminal contdas entry with a null continuation,
// permanently ending this feed (no continuation is named).
func (l *Log) WriteEOF(sign packet.SignFunc) (*packet.Packet, error) {
	return l.WriteTyped48(packet.TypeContdas, make([]byte, packet.PayloadSize), sign)
}

// PrepareChain builds (but does not persist) a chain20 packet and its blob
// chain for content longer than 48 bytes.
func (l *Log) PrepareChain(content []byte, sign packet.SignFunc) (*packet.Packet, [][]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pkt := packet.New(l.fid, l.frontSeq+1, l.frontMid)
	blobs := pkt.MkChain(content, sign)
	return pkt, blobs
}

// AppendLocal stores a packet produced by PrepareChain/WriteTyped48-style
// local construction without re-verifying the signature (the caller already
// holds the feed's secret key).
func (l *Log) AppendLocal(pkt *packet.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.appendLocked(pkt); err != nil {
		return err
	}
	if l.cb != nil {
		l.cb(pkt)
	}
	return nil
}

// Close closes the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
