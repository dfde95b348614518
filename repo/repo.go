// Package repo implements on-disk storage for a node's feeds and blobs:
//
//	path_to_repo/
//	    +--> _logs/FID_IN_HEX.log
//	    `--> _blob/xx/REST_OF_HASHPTR_IN_HEX
//
// Logs are feedlog.Log files; blobs are content-addressed 120-byte files
// keyed by the first 20 bytes of their SHA-256.
package repo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tschudin/tinyssb/feedlog"
	"github.com/tschudin/tinyssb/packet"
)

// Repo owns a directory tree of feed logs and blobs, and caches opened logs.
type Repo struct {
	path   string
	verify packet.VerifyFunc

	mu   sync.Mutex
	logs map[packet.FID]*feedlog.Log
}

// Open creates (if needed) and opens a repository rooted at path.
func Open(path string, verify packet.VerifyFunc) (*Repo, error) {
	if err := os.MkdirAll(filepath.Join(path, "_logs"), 0700); err != nil {
		return nil, fmt.Errorf("repo: create _logs: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(path, "_blob"), 0700); err != nil {
		return nil, fmt.Errorf("repo: create _blob: %w", err)
	}
	return &Repo{
		path:   path,
		verify: verify,
		logs:   make(map[packet.FID]*feedlog.Log),
	}, nil
}

func (r *Repo) logFn(fid packet.FID) string {
	return filepath.Join(r.path, "_logs", hex.EncodeToString(fid[:])+".log")
}

func (r *Repo) blobFn(hptr packet.Mid) string {
	h := hex.EncodeToString(hptr[:])
	return filepath.Join(r.path, "_blob", h[:2], h[2:])
}

// ListLogs returns the feed ids of every log file stored on disk.
func (r *Repo) ListLogs() ([]packet.FID, error) {
	entries, err := os.ReadDir(filepath.Join(r.path, "_logs"))
	if err != nil {
		return nil, fmt.Errorf("repo: list logs: %w", err)
	}
	var out []packet.FID
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".log" {
			continue
		}
		raw, err := hex.DecodeString(name[:len(name)-len(ext)])
		if err != nil || len(raw) != packet.FIDSize {
			continue
		}
		var fid packet.FID
		copy(fid[:], raw)
		out = append(out, fid)
	}
	return out, nil
}

// AllocateLog creates a log file whose entries start at any index (the
// anchor seq/mid need not be 0/zero), optionally seeded with a first entry
// already validated at anchorSeq+1.
func (r *Repo) AllocateLog(fid packet.FID, anchorSeq uint32, anchorMid packet.Mid,
	firstEntryWire []byte, parentFID packet.FID, parentSeq uint32) (*feedlog.Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := feedlog.Create(r.logFn(fid), fid, anchorSeq, anchorMid, parentFID, parentSeq, firstEntryWire, r.verify)
	if err != nil {
		return nil, err
	}
	r.logs[fid] = l
	return l, nil
}

// MkGenericLog creates a new top-level (or child/continuation) log whose
// genesis entry (seq 1) is signed with the given type and payload. The
// feed's own id, truncated to 20 bytes, stands in for prev, following the
// self-signed-certificate convention of the genesis entry.
func (r *Repo) MkGenericLog(fid packet.FID, typ byte, payload []byte, sign packet.SignFunc,
	parentFID packet.FID, parentSeq uint32) (*feedlog.Log, error) {
	var prev packet.Mid
	copy(prev[:], fid[:packet.MidSize])

	genesis := packet.New(fid, 1, prev)
	genesis.Sign(typ, payload, sign)
	wire := genesis.Wire()

	return r.AllocateLog(fid, 0, prev, wire[:], parentFID, parentSeq)
}

// MkChildLog appends a mkchild entry to the parent feed and creates the
// child feed's genesis log, linked by a birth-certificate proof over the
// parent's mkchild wire.
func (r *Repo) MkChildLog(parentFID packet.FID, parentSign packet.SignFunc,
	childFID packet.FID, childSign packet.SignFunc, usage [16]byte) (*packet.Packet, *feedlog.Log, error) {
	parent, err := r.GetLog(parentFID)
	if err != nil {
		return nil, nil, err
	}
	mkchildPayload := packet.MkChildPayload(childFID, usage)
	pkt, err := parent.WriteTyped48(packet.TypeMkChild, mkchildPayload[:], parentSign)
	if err != nil {
		return nil, nil, fmt.Errorf("repo: write mkchild: %w", err)
	}

	proof := packet.ProofOf(pkt.Wire())
	childPayload := packet.ChildGenesisPayload(parentFID, pkt.Seq, proof)
	child, err := r.MkGenericLog(childFID, packet.TypeIsChild, childPayload[:], childSign, parentFID, pkt.Seq)
	if err != nil {
		return nil, nil, err
	}
	return pkt, child, nil
}

// MkContinuationLog appends a contdas entry naming contFID in prevFID and
// creates the continuation feed's genesis log.
func (r *Repo) MkContinuationLog(prevFID packet.FID, prevSign packet.SignFunc,
	contFID packet.FID, contSign packet.SignFunc) (*packet.Packet, *feedlog.Log, error) {
	prev, err := r.GetLog(prevFID)
	if err != nil {
		return nil, nil, err
	}
	contdasPayload := packet.MkContdasPayload(contFID)
	pkt, err := prev.WriteTyped48(packet.TypeContdas, contdasPayload[:], prevSign)
	if err != nil {
		return nil, nil, fmt.Errorf("repo: write contdas: %w", err)
	}

	proof := packet.ProofOf(pkt.Wire())
	contPayload := packet.ContinuationGenesisPayload(prevFID, pkt.Seq, proof)
	cont, err := r.MkGenericLog(contFID, packet.TypeIsContn, contPayload[:], contSign, packet.FID{}, 0)
	if err != nil {
		return nil, nil, err
	}
	return pkt, cont, nil
}

// GetLog opens (or returns the cached handle for) the log belonging to fid.
func (r *Repo) GetLog(fid packet.FID) (*feedlog.Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.logs[fid]; ok {
		return l, nil
	}
	l, err := feedlog.Open(r.logFn(fid), r.verify)
	if err != nil {
		return nil, err
	}
	r.logs[fid] = l
	return l, nil
}

// DelLog closes and removes the log file for fid.
func (r *Repo) DelLog(fid packet.FID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.logs[fid]; ok {
		l.Close()
		delete(r.logs, fid)
	}
	if err := os.Remove(r.logFn(fid)); err != nil {
		return fmt.Errorf("repo: remove log: %w", err)
	}
	return nil
}

// AddBlob stores a 120-byte blob, content-addressed by the first 20 bytes
// of its SHA-256, and returns that hash pointer. A blob already present is
// left untouched.
func (r *Repo) AddBlob(blob []byte) (packet.Mid, error) {
	sum := sha256.Sum256(blob)
	var hptr packet.Mid
	copy(hptr[:], sum[:packet.MidSize])

	fn := r.blobFn(hptr)
	if _, err := os.Stat(fn); err == nil {
		return hptr, nil
	}
	if err := os.MkdirAll(filepath.Dir(fn), 0700); err != nil {
		return hptr, fmt.Errorf("repo: mkdir blob dir: %w", err)
	}
	if err := os.WriteFile(fn, blob, 0600); err != nil {
		return hptr, fmt.Errorf("repo: write blob: %w", err)
	}
	return hptr, nil
}

// GetBlob returns the 120-byte blob named by hptr, or false if absent.
func (r *Repo) GetBlob(hptr packet.Mid) ([]byte, bool) {
	buf, err := os.ReadFile(r.blobFn(hptr))
	if err != nil {
		return nil, false
	}
	return buf, true
}

// PersistChain durably stores the blobs of a chain20 packet before the
// packet entry itself, so a crash never leaves an entry pointing at a blob
// that was never written.
func (r *Repo) PersistChain(pkt *packet.Packet, blobs [][]byte) error {
	for _, b := range blobs {
		if _, err := r.AddBlob(b); err != nil {
			return err
		}
	}
	l, err := r.GetLog(pkt.FID)
	if err != nil {
		return err
	}
	return l.AppendLocal(pkt)
}

// Close closes every open log handle.
func (r *Repo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fid, l := range r.logs {
		l.Close()
		delete(r.logs, fid)
	}
	return nil
}
