// Package session implements the sliding-window replication session that
// sits above a node's raw feed sync: it bounds how many entries a local
// feed may grow to before rolling over to a fresh continuation feed, and
// it dispatches incoming entries from remote feeds (including following
// their own continuation chains) up to application content.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tschudin/tinyssb/feedlog"
	"github.com/tschudin/tinyssb/keystore"
	"github.com/tschudin/tinyssb/packet"
	"github.com/tschudin/tinyssb/repo"
)

// windowLength bounds how many entries a local feed carries before a
// continuation feed is started. Small enough to keep truncated segments
// short on constrained nodes, large enough that an ack round trip normally
// completes before the next rollover.
const windowLength = 7

// ErrUnexpectedPacket is returned by the dispatch loop when a feed
// designated for session content carries a packet type the session layer
// itself must never produce (mkchild/set/delete). An ischild entry is
// ignored without error.
var ErrUnexpectedPacket = errors.New("session: unexpected packet type on session feed")

// ContentCallback receives the reconstructed application payload of each
// plain48 or completed chain20 entry arriving on a remote feed.
type ContentCallback func(payload []byte)

// Session manages one local feed (rolled over via continuation feeds as it
// fills) and a set of remote feeds being replicated into this instance.
type Session struct {
	repo     *repo.Repo
	ks       *keystore.Keystore
	callback ContentCallback

	mu         sync.Mutex
	window     uint32
	localFID   packet.FID
	remotes    map[packet.FID]*feedlog.Log
	pendingFID *packet.FID
	started    bool
}

// New creates a session writing to localFID's feed (which must already
// exist in repo) and delivering remote content to cb.
func New(r *repo.Repo, ks *keystore.Keystore, localFID packet.FID, cb ContentCallback) *Session {
	return &Session{
		repo:     r,
		ks:       ks,
		callback: cb,
		window:   windowLength,
		localFID: localFID,
		remotes:  make(map[packet.FID]*feedlog.Log),
	}
}

// SetWindowLength overrides the default rollover window. Shrinking it below
// the current local feed's length makes the next Write roll over
// immediately.
func (s *Session) SetWindowLength(w uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w > 0 {
		s.window = w
	}
}

// SetCallback replaces the content callback, including for already-added
// remote feeds.
func (s *Session) SetCallback(cb ContentCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// AddRemote brings remoteFID's feed into the session; once Start has run,
// its live appends are dispatched through process.
func (s *Session) AddRemote(remoteFID packet.FID) error {
	rf, err := s.repo.GetLog(remoteFID)
	if err != nil {
		return fmt.Errorf("session: add remote: %w", err)
	}
	s.mu.Lock()
	s.remotes[remoteFID] = rf
	started := s.started
	s.mu.Unlock()
	if started {
		rf.SetAppendCallback(func(pkt *packet.Packet) { s.onIncoming(pkt) })
	}
	return nil
}

// Write appends payload to the local feed under typ, rolling over to a
// fresh continuation feed first if the current one holds more entries than
// the session's window length.
func (s *Session) Write(payload []byte, typ byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, err := s.repo.GetLog(s.localFID)
	if err != nil {
		return fmt.Errorf("session: write: %w", err)
	}

	if local.Len() > s.window {
		if s.pendingFID == nil {
			old := s.localFID
			s.pendingFID = &old
		}
		contFID, err := s.ks.NewIdentity("continuation")
		if err != nil {
			return fmt.Errorf("session: create continuation identity: %w", err)
		}
		_, contLog, err := s.repo.MkContinuationLog(s.localFID, s.ks.SignFunc(s.localFID), contFID, s.ks.SignFunc(contFID))
		if err != nil {
			return fmt.Errorf("session: create continuation log: %w", err)
		}
		s.localFID = contFID
		local = contLog
	}

	sign := s.ks.SignFunc(s.localFID)
	if len(payload) <= packet.PayloadSize {
		_, err := local.WriteTyped48(typ, payload, sign)
		return err
	}
	pkt, blobs := local.PrepareChain(payload, sign)
	return s.repo.PersistChain(pkt, blobs)
}

func (s *Session) onIncoming(pkt *packet.Packet) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.process(pkt)
}

// process dispatches a single incoming entry by type. It is also used
// during Start's catch-up replay, before live callbacks are installed.
func (s *Session) process(pkt *packet.Packet) error {
	switch pkt.Typ {
	case packet.TypeContdas:
		var newFID packet.FID
		copy(newFID[:], pkt.Payload[:packet.FIDSize])
		return s.AddRemote(newFID)

	case packet.TypeIsContn:
		var oldFID packet.FID
		copy(oldFID[:], pkt.Payload[:packet.FIDSize])
		oldFeed, err := s.repo.GetLog(oldFID)
		if err != nil {
			return fmt.Errorf("session: iscontn: %w", err)
		}
		frontSeq, _ := oldFeed.Front()
		claimedSeq := binary.BigEndian.Uint32(pkt.Payload[packet.FIDSize : packet.FIDSize+4])
		if frontSeq != claimedSeq {
			return fmt.Errorf("session: iscontn seq mismatch: have %d, claimed %d", frontSeq, claimedSeq)
		}
		ack := make([]byte, packet.FIDSize)
		copy(ack, oldFID[:])
		return s.Write(ack, packet.TypeAcknldg)

	case packet.TypeAcknldg:
		var named packet.FID
		copy(named[:], pkt.Payload[:packet.FIDSize])
		s.mu.Lock()
		pending := s.pendingFID
		s.mu.Unlock()
		if pending == nil || *pending != named {
			return nil
		}
		return s.retirePending(named)

	case packet.TypeIsChild:
		return nil

	case packet.TypeMkChild:
		return fmt.Errorf("%w: mkchild on session feed", ErrUnexpectedPacket)

	case packet.TypeSet, packet.TypeDelete:
		return fmt.Errorf("%w: set/delete on session feed", ErrUnexpectedPacket)

	case packet.TypeChain20:
		lookup := func(h packet.Mid) ([]byte, bool) { return s.repo.GetBlob(h) }
		pkt.UndoChain(lookup)
		s.deliver(pkt.Content())
		return nil

	default:
		s.deliver(pkt.Content())
		return nil
	}
}

// retirePending deletes the acknowledged feed and erases its secret from
// the keystore. If the feed's terminal entry is itself a contdas (a
// multi-hop rollover acknowledged out of order), pendingFID advances to
// the continuation it names instead of clearing, so that feed is retired
// in turn once its own ack arrives. The pointer never advances onto the
// session's live local feed.
func (s *Session) retirePending(fid packet.FID) error {
	feed, err := s.repo.GetLog(fid)
	if err != nil {
		return fmt.Errorf("session: retire pending: %w", err)
	}
	var next *packet.FID
	if feed.Len() > 0 {
		last, err := feed.Read(-1)
		if err != nil {
			return fmt.Errorf("session: retire pending: read last entry: %w", err)
		}
		if last.Typ == packet.TypeContdas {
			var contFID packet.FID
			copy(contFID[:], last.Payload[:packet.FIDSize])
			if contFID != (packet.FID{}) {
				next = &contFID
			}
		}
	}

	s.mu.Lock()
	if next != nil && *next == s.localFID {
		next = nil
	}
	s.pendingFID = next
	s.mu.Unlock()

	if err := s.repo.DelLog(fid); err != nil {
		return fmt.Errorf("session: retire pending: %w", err)
	}
	s.ks.Remove(fid)
	return nil
}

func (s *Session) deliver(payload []byte) {
	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	if cb != nil && payload != nil {
		cb(payload)
	}
}

// Start replays every remote feed from its first entry (following
// continuation chains as contdas entries are encountered) and then
// installs live dispatch for all feeds now in the session.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.started || len(s.remotes) == 0 {
		s.mu.Unlock()
		return nil
	}
	remotes := make([]packet.FID, 0, len(s.remotes))
	for fid := range s.remotes {
		remotes = append(remotes, fid)
	}
	s.mu.Unlock()

	for _, fid := range remotes {
		if err := s.replay(fid); err != nil {
			return err
		}
	}

	s.mu.Lock()
	for _, rf := range s.remotes {
		rf.SetAppendCallback(func(pkt *packet.Packet) { s.onIncoming(pkt) })
	}
	s.started = true
	s.mu.Unlock()
	return nil
}

// replay walks fid's feed from seq 1, following a contdas entry's payload
// to continue the walk on its continuation feed.
func (s *Session) replay(fid packet.FID) error {
	for {
		feed, err := s.repo.GetLog(fid)
		if err != nil {
			return fmt.Errorf("session: replay: %w", err)
		}
		var next *packet.FID
		for seq := int64(1); seq <= int64(feed.Len()); seq++ {
			pkt, err := feed.Read(seq)
			if err != nil {
				return fmt.Errorf("session: replay read: %w", err)
			}
			if err := s.process(pkt); err != nil {
				return err
			}
			if pkt.Typ == packet.TypeContdas {
				var contFID packet.FID
				copy(contFID[:], pkt.Payload[:packet.FIDSize])
				if contFID != (packet.FID{}) {
					next = &contFID
				}
				break
			}
		}
		if next == nil {
			return nil
		}
		fid = *next
	}
}
