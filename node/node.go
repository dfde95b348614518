// Package node implements the tinySSB forwarding fabric: DMX/blob filter
// banks, want-request and blob-chain-request protocols, and the periodic
// ARQ loop that keeps locally pulled feeds in sync with their remote
// writers.
package node

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/tschudin/tinyssb/face"
	"github.com/tschudin/tinyssb/feedlog"
	"github.com/tschudin/tinyssb/keystore"
	"github.com/tschudin/tinyssb/packet"
	"github.com/tschudin/tinyssb/repo"
)

const (
	arqPeriod      = 9 * time.Second
	progressWindow = 6 * time.Second
	blobBatchCount = 4
)

// DMXHandler processes a packet matching an armed DMX tag.
type DMXHandler func(buf []byte, f face.Face)

// BlobHandler processes a blob matching an armed hash pointer.
type BlobHandler func(buf []byte, f face.Face)

// Node is a single participant in the forwarding fabric: it owns a set of
// faces, a repository of feeds, and the demultiplexing state needed to
// pull missing entries opportunistically.
type Node struct {
	faces  []face.Face
	queues map[face.Face]*face.OutQueue
	ks     *keystore.Keystore
	repo   *repo.Repo
	me     packet.FID
	peers  []packet.FID

	mu            sync.Mutex
	dmxt          map[[7]byte]DMXHandler
	comm          map[[7]byte]string
	blbt          map[packet.Mid]BlobHandler
	pendingChains []*packet.Packet
	nextTimeout   time.Time

	peerstore *PeerStore
}

// New creates a node serving the given faces and feeds, identified on the
// fabric as me (its own feed id, whose log must already exist in repo).
// Each face gets its own non-blocking out-queue so a slow or
// duty-cycle-gated face never blocks sends on the others.
func New(faces []face.Face, ks *keystore.Keystore, r *repo.Repo, me packet.FID, peers []packet.FID) *Node {
	queues := make(map[face.Face]*face.OutQueue, len(faces))
	for _, f := range faces {
		queues[f] = face.NewOutQueue(f)
	}
	return &Node{
		faces:  faces,
		queues: queues,
		ks:     ks,
		repo:   r,
		me:     me,
		peers:  peers,
		dmxt:   make(map[[7]byte]DMXHandler),
		comm:   make(map[[7]byte]string),
		blbt:   make(map[packet.Mid]BlobHandler),
	}
}

// broadcast enqueues buf for sending on every face's out-queue.
func (n *Node) broadcast(buf []byte) {
	for _, f := range n.faces {
		n.queues[f].Enqueue(buf)
	}
}

// sendOn enqueues buf on f's out-queue specifically (used when replying to
// the face a request arrived on).
func (n *Node) sendOn(f face.Face, buf []byte) {
	if q, ok := n.queues[f]; ok {
		q.Enqueue(buf)
		return
	}
	f.Send(buf)
}

// Close stops every face's out-queue drain goroutine. It does not close the
// faces themselves.
func (n *Node) Close() {
	for _, q := range n.queues {
		q.Close()
	}
}

// AttachPeerStore wires a PeerStore into the node: its saved peers are
// merged into n's in-memory peer list, each stored feed's subscription
// counter and the ARQ timeout epoch are restored from the last run, and
// subsequent ARQ rounds persist that bookkeeping back, so a restarted
// node resumes without re-discovering everything cold.
func (n *Node) AttachPeerStore(ps *PeerStore) error {
	peers, err := ps.ListPeers()
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.peerstore = ps
	known := make(map[packet.FID]bool, len(n.peers))
	for _, p := range n.peers {
		known[p] = true
	}
	for _, p := range peers {
		if !known[p] {
			n.peers = append(n.peers, p)
			known[p] = true
		}
	}
	n.mu.Unlock()

	fids, err := n.repo.ListLogs()
	if err != nil {
		return err
	}
	var latest time.Time
	for _, fid := range fids {
		sub, timeout, ok, err := ps.LoadFeedState(fid)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		feed, err := n.repo.GetLog(fid)
		if err != nil {
			continue
		}
		feed.Subscription = sub
		if timeout.After(latest) {
			latest = timeout
		}
	}
	// A saved epoch in the past just makes the first ARQ round due
	// immediately, which is the same as starting cold.
	if !latest.IsZero() {
		n.mu.Lock()
		n.nextTimeout = latest
		n.mu.Unlock()
	}
	return nil
}

// AddPeer registers a newly discovered peer both in memory and, if a
// PeerStore is attached, on disk.
func (n *Node) AddPeer(fid packet.FID) error {
	n.mu.Lock()
	for _, p := range n.peers {
		if p == fid {
			n.mu.Unlock()
			return nil
		}
	}
	n.peers = append(n.peers, fid)
	ps := n.peerstore
	n.mu.Unlock()
	if ps != nil {
		return ps.AddPeer(fid)
	}
	return nil
}

// Start spins up a read loop per face and the periodic ARQ loop. It
// returns once every goroutine has been launched; cancel ctx to stop them.
func (n *Node) Start(ctx context.Context) {
	for _, f := range n.faces {
		go n.readLoop(ctx, f)
	}
	go n.arqLoop(ctx)
}

func (n *Node) readLoop(ctx context.Context, f face.Face) {
	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-f.Incoming():
			if !ok {
				return
			}
			n.OnRX(buf, f)
		}
	}
}

// ArmDMX installs (fct non-nil) or removes (fct nil) the handler called
// when a packet with the given DMX tag arrives.
func (n *Node) ArmDMX(dmx [7]byte, fct DMXHandler, comment string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if fct == nil {
		delete(n.dmxt, dmx)
		delete(n.comm, dmx)
		return
	}
	n.dmxt[dmx] = fct
	n.comm[dmx] = comment
}

// ArmBlob installs (fct non-nil) or removes (fct nil) the handler called
// when a blob with the given hash pointer arrives.
func (n *Node) ArmBlob(hptr packet.Mid, fct BlobHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if fct == nil {
		delete(n.blbt, hptr)
		return
	}
	n.blbt[hptr] = fct
}

// OnRX dispatches a buffer received on f: first by DMX tag, then, if no
// handler matches, by treating it as a blob and hashing it.
func (n *Node) OnRX(buf []byte, f face.Face) {
	if len(buf) < 7 {
		return
	}
	var dmx [7]byte
	copy(dmx[:], buf[:7])

	n.mu.Lock()
	handler := n.dmxt[dmx]
	n.mu.Unlock()
	if handler != nil {
		handler(buf, f)
		return
	}

	hptr := packet.BlobHash(buf)
	n.mu.Lock()
	blobHandler := n.blbt[hptr]
	n.mu.Unlock()
	if blobHandler != nil {
		blobHandler(buf, f)
	}
}

// Push forwards already-stored packets to every face, honoring each feed's
// subscription count unless forced is set.
func (n *Node) Push(pkts []*packet.Packet, forced bool) {
	for _, pkt := range pkts {
		feed, err := n.repo.GetLog(pkt.FID)
		if err != nil {
			continue
		}
		if !forced {
			if feed.Subscription <= 0 {
				continue
			}
			feed.Subscription = 0
		}
		wire := pkt.Wire()
		n.broadcast(wire[:])
	}
}

// WritePlain48 appends and broadcasts a plain48 entry for fid.
func (n *Node) WritePlain48(fid packet.FID, payload []byte, sign packet.SignFunc) error {
	return n.WriteTyped48(fid, packet.TypePlain48, payload, sign)
}

// WriteTyped48 appends, then broadcasts, a new locally-originated entry.
func (n *Node) WriteTyped48(fid packet.FID, typ byte, payload []byte, sign packet.SignFunc) error {
	feed, err := n.repo.GetLog(fid)
	if err != nil {
		return err
	}

	n.mu.Lock()
	pkt, err := feed.WriteTyped48(typ, payload, sign)
	if err == nil {
		delete(n.dmxt, pkt.DMXTag())
		delete(n.comm, pkt.DMXTag())
	}
	n.mu.Unlock()
	if err != nil {
		return err
	}

	wire := pkt.Wire()
	n.broadcast(wire[:])
	return nil
}

// WriteBlobChain appends a chain20 entry plus its blobs to fid's feed and
// broadcasts only the chain20 entry; blobs are pulled on demand via
// RequestChain.
func (n *Node) WriteBlobChain(fid packet.FID, content []byte, sign packet.SignFunc) error {
	feed, err := n.repo.GetLog(fid)
	if err != nil {
		return err
	}

	n.mu.Lock()
	pkt, blobs := feed.PrepareChain(content, sign)
	err = n.repo.PersistChain(pkt, blobs)
	n.mu.Unlock()
	if err != nil {
		return err
	}

	wire := pkt.Wire()
	n.broadcast(wire[:])
	return nil
}

// IncomingWantRequest serves a batch of (fid, seq) requests: for each one
// we hold, reply with the entry; for each one we don't yet have but expect
// next, bump that feed's subscription count so Push forwards it eagerly
// once it arrives.
func (n *Node) IncomingWantRequest(buf []byte, f face.Face) {
	buf = buf[7:]
	const recSize = packet.FIDSize + 4
	for len(buf) >= recSize {
		var fid packet.FID
		copy(fid[:], buf[:packet.FIDSize])
		seq := binary.BigEndian.Uint32(buf[packet.FIDSize : packet.FIDSize+4])

		if feed, err := n.repo.GetLog(fid); err == nil {
			if pkt, err := feed.Read(int64(seq)); err == nil {
				wire := pkt.Wire()
				n.sendOn(f, wire[:])
			} else if seq == feed.Len()+1 {
				feed.Subscription++
			}
		}
		buf = buf[recSize:]
	}
}

// IncomingBlobRequest serves chained-blob requests: for each (hptr, count)
// pair, send up to count blobs starting at hptr, following each blob's
// trailing 20-byte forward pointer.
func (n *Node) IncomingBlobRequest(buf []byte, f face.Face) {
	buf = buf[7:]
	const recSize = packet.MidSize + 2
	for len(buf) >= recSize {
		var hptr packet.Mid
		copy(hptr[:], buf[:packet.MidSize])
		cnt := binary.BigEndian.Uint16(buf[packet.MidSize : packet.MidSize+2])

		for cnt > 0 {
			blob, ok := n.repo.GetBlob(hptr)
			if !ok {
				break
			}
			n.sendOn(f, blob)
			cnt--
			copy(hptr[:], blob[len(blob)-packet.MidSize:])
		}
		buf = buf[recSize:]
	}
}

// IncomingLogEntry tries to append buf to feed as the entry matching dmx.
// On success it handles any structural follow-up (subfeed creation, feed
// continuation, chain-entry blob requests) and re-arms the DMX for the
// feed's next expected entry, except after a terminal contdas, where
// tracking moves to the named continuation instead.
func (n *Node) IncomingLogEntry(dmx [7]byte, feed *feedlog.Log, buf []byte, f face.Face) {
	pkt, err := feed.Append(buf, keystore.Verify)
	if err != nil {
		return
	}

	n.mu.Lock()
	delete(n.dmxt, dmx)
	delete(n.comm, dmx)
	n.mu.Unlock()

	switch pkt.Typ {
	case packet.TypeContdas:
		// The feed is terminated; tracking switches to the continuation
		// (if one is named) instead of re-arming this feed.
		var newFID packet.FID
		copy(newFID[:], pkt.Payload[:packet.FIDSize])
		if newFID != (packet.FID{}) {
			n.installContinuation(feed, newFID)
		}
		return
	case packet.TypeMkChild:
		var newFID packet.FID
		copy(newFID[:], pkt.Payload[:packet.FIDSize])
		n.installChild(feed, newFID)
	case packet.TypeChain20:
		lookup := func(h packet.Mid) ([]byte, bool) { return n.repo.GetBlob(h) }
		if !pkt.UndoChain(lookup) {
			n.mu.Lock()
			n.pendingChains = append(n.pendingChains, pkt)
			n.mu.Unlock()
			n.RequestChain(pkt)
		}
	}

	n.rearmNext(feed, f)
}

func (n *Node) installContinuation(oldFeed *feedlog.Log, newFID packet.FID) {
	var anchorMid packet.Mid
	copy(anchorMid[:], newFID[:packet.MidSize])
	newFeed, err := n.repo.AllocateLog(newFID, 0, anchorMid, nil, packet.FID{}, 0)
	if err != nil {
		return
	}
	newFeed.SetAppendCallback(oldFeed.AppendCallback())
	n.RequestLatest(newFeed, "continuation of "+fmt.Sprintf("%x", oldFeed.FID()))
}

func (n *Node) installChild(parentFeed *feedlog.Log, childFID packet.FID) {
	var anchorMid packet.Mid
	copy(anchorMid[:], childFID[:packet.MidSize])
	childFeed, err := n.repo.AllocateLog(childFID, 0, anchorMid, nil, parentFeed.FID(), parentFeed.Len())
	if err != nil {
		return
	}
	childFeed.SetAppendCallback(parentFeed.AppendCallback())
	n.RequestLatest(childFeed, "child of "+fmt.Sprintf("%x", parentFeed.FID()))
}

func (n *Node) rearmNext(feed *feedlog.Log, f face.Face) {
	seq, mid := feed.Front()
	nextSeq := seq + 1
	dmx := nextEntryDMX(feed.FID(), nextSeq, mid)
	n.ArmDMX(dmx, func(buf []byte, f face.Face) { n.IncomingLogEntry(dmx, feed, buf, f) },
		fmt.Sprintf("%x.[%d] /incoming", feed.FID(), nextSeq))

	n.mu.Lock()
	n.nextTimeout = time.Now().Add(progressWindow)
	n.mu.Unlock()
}

// IncomingChainedBlob receives a blob belonging to a sidechain, persists
// it, and, unless it was the last blob, re-arms for the next blob in the
// chain; every blobBatchCount blobs it also sends another batched request.
func (n *Node) IncomingChainedBlob(cnt int, h packet.Mid, buf []byte, f face.Face) {
	if len(buf) != packet.BlobSize {
		return
	}
	n.ArmBlob(h, nil)
	n.repo.AddBlob(buf)

	var hptr packet.Mid
	copy(hptr[:], buf[len(buf)-packet.MidSize:])
	if hptr == (packet.Mid{}) {
		return
	}

	cnt--
	if cnt == 0 {
		n.sendBlobRequest(hptr, blobBatchCount)
		cnt = blobBatchCount
	}
	n.ArmBlob(hptr, func(buf []byte, f face.Face) { n.IncomingChainedBlob(cnt, hptr, buf, f) })
}

func (n *Node) sendBlobRequest(hptr packet.Mid, count uint16) {
	blobDMX := packet.DMX([]byte("blobs"))
	wire := make([]byte, 0, 7+packet.MidSize+2)
	wire = append(wire, blobDMX[:]...)
	wire = append(wire, hptr[:]...)
	wire = binary.BigEndian.AppendUint16(wire, count)
	n.broadcast(wire)
}

// RequestLatest arms a DMX handler for feed's next expected entry and asks
// every peer for it via a want request.
func (n *Node) RequestLatest(feed *feedlog.Log, comment string) {
	if feed.FID() == n.me {
		return
	}
	seq, mid := feed.Front()
	nextSeq := seq + 1
	dmx := nextEntryDMX(feed.FID(), nextSeq, mid)
	n.ArmDMX(dmx, func(buf []byte, f face.Face) { n.IncomingLogEntry(dmx, feed, buf, f) },
		fmt.Sprintf("%s %x.[%d]", comment, feed.FID(), nextSeq))

	fid := feed.FID()
	n.mu.Lock()
	peers := append([]packet.FID(nil), n.peers...)
	n.mu.Unlock()
	for _, p := range peers {
		wantDMX := packet.DMX(append(append([]byte{}, p[:]...), []byte("want")...))
		wire := make([]byte, 0, 7+packet.FIDSize+4)
		wire = append(wire, wantDMX[:]...)
		wire = append(wire, fid[:]...)
		wire = binary.BigEndian.AppendUint32(wire, nextSeq)
		n.broadcast(wire)
	}
}

// RequestChain arms a blob handler for pkt's next chain pointer and sends
// a batched blob request for it.
func (n *Node) RequestChain(pkt *packet.Packet) {
	hptr := pkt.ChainNextPointer()
	if hptr == nil {
		return
	}
	n.ArmBlob(*hptr, func(buf []byte, f face.Face) { n.IncomingChainedBlob(blobBatchCount, *hptr, buf, f) })
	n.sendBlobRequest(*hptr, blobBatchCount)
}

// arqLoop periodically re-requests the latest entry of every feed that
// isn't terminated, and retries any pending chain downloads.
func (n *Node) arqLoop(ctx context.Context) {
	wantDMX := packet.DMX(append(append([]byte{}, n.me[:]...), []byte("want")...))
	n.ArmDMX(wantDMX, func(buf []byte, f face.Face) { n.IncomingWantRequest(buf, f) },
		fmt.Sprintf("arq to me %x", n.me))

	blobDMX := packet.DMX([]byte("blobs"))
	n.ArmDMX(blobDMX, func(buf []byte, f face.Face) { n.IncomingBlobRequest(buf, f) }, "init blobs")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	n.mu.Lock()
	if n.nextTimeout.IsZero() {
		n.nextTimeout = time.Now()
	}
	n.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			due := !time.Now().Before(n.nextTimeout)
			n.mu.Unlock()
			if !due {
				continue
			}
			n.runARQRound()
		}
	}
}

func (n *Node) runARQRound() {
	fids, err := n.repo.ListLogs()
	if err == nil {
		for _, fid := range fids {
			if fid == n.me {
				continue
			}
			feed, err := n.repo.GetLog(fid)
			if err != nil {
				continue
			}
			if last, err := feed.Read(int64(feed.Len())); err == nil && last.Typ == packet.TypeContdas {
				continue
			}
			n.RequestLatest(feed, "arq")

			n.mu.Lock()
			ps := n.peerstore
			timeout := n.nextTimeout
			n.mu.Unlock()
			if ps != nil {
				ps.SaveFeedState(fid, feed.Subscription, timeout)
			}
		}
	}

	n.mu.Lock()
	pending := n.pendingChains
	n.pendingChains = nil
	n.mu.Unlock()

	var stillPending []*packet.Packet
	for _, pkt := range pending {
		lookup := func(h packet.Mid) ([]byte, bool) { return n.repo.GetBlob(h) }
		if pkt.UndoChain(lookup) && pkt.ContentIsComplete() {
			continue
		}
		n.RequestChain(pkt)
		stillPending = append(stillPending, pkt)
	}

	n.mu.Lock()
	n.pendingChains = append(n.pendingChains, stillPending...)
	n.nextTimeout = time.Now().Add(arqPeriod)
	n.mu.Unlock()
}

// nextEntryDMX computes the DMX tag for the entry that would follow the
// one at (fid, frontSeq, frontMid) in feed fid.
func nextEntryDMX(fid packet.FID, nextSeq uint32, frontMid packet.Mid) [7]byte {
	name := make([]byte, 0, packet.FIDSize+4+packet.MidSize)
	name = append(name, fid[:]...)
	name = binary.BigEndian.AppendUint32(name, nextSeq)
	name = append(name, frontMid[:]...)
	return packet.DMX(name)
}
