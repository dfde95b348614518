package node

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/tschudin/tinyssb/packet"
)

// PeerStore persists a node's peer list and per-feed ARQ bookkeeping across
// restarts. The in-memory Node keeps this state in plain fields during a
// run; PeerStore is an optional adjunct for nodes that need it to survive a
// process restart instead of rediscovering peers and re-subscribing cold.
type PeerStore struct {
	db *sql.DB
}

// OpenPeerStore opens (creating if necessary) a peer/ARQ bookkeeping
// database at dsn.
func OpenPeerStore(dsn string) (*PeerStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("node: open peerstore: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("node: ping peerstore: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("node: set %s: %w", pragma, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS peers (
  fid BLOB PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS feed_state (
  fid          BLOB PRIMARY KEY,
  subscription INTEGER NOT NULL DEFAULT 0,
  next_timeout INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("node: create peerstore schema: %w", err)
	}
	return &PeerStore{db: db}, nil
}

// AddPeer records fid as a known peer; repeated calls are no-ops.
func (s *PeerStore) AddPeer(fid packet.FID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peers(fid) VALUES(?) ON CONFLICT(fid) DO NOTHING`, fid[:])
	if err != nil {
		return fmt.Errorf("node: add peer: %w", err)
	}
	return nil
}

// RemovePeer forgets fid.
func (s *PeerStore) RemovePeer(fid packet.FID) error {
	_, err := s.db.Exec(`DELETE FROM peers WHERE fid=?`, fid[:])
	if err != nil {
		return fmt.Errorf("node: remove peer: %w", err)
	}
	return nil
}

// ListPeers returns every known peer fid.
func (s *PeerStore) ListPeers() ([]packet.FID, error) {
	rows, err := s.db.Query(`SELECT fid FROM peers`)
	if err != nil {
		return nil, fmt.Errorf("node: list peers: %w", err)
	}
	defer rows.Close()

	var out []packet.FID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("node: scan peer: %w", err)
		}
		var fid packet.FID
		copy(fid[:], raw)
		out = append(out, fid)
	}
	return out, rows.Err()
}

// SaveFeedState persists fid's subscription counter and next ARQ timeout
// epoch (unix nanos), so a restarted node doesn't forget eager-push state.
func (s *PeerStore) SaveFeedState(fid packet.FID, subscription int, nextTimeout time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO feed_state(fid, subscription, next_timeout) VALUES(?, ?, ?)
		 ON CONFLICT(fid) DO UPDATE SET subscription=excluded.subscription, next_timeout=excluded.next_timeout`,
		fid[:], subscription, nextTimeout.UnixNano())
	if err != nil {
		return fmt.Errorf("node: save feed state: %w", err)
	}
	return nil
}

// LoadFeedState returns the persisted subscription counter and next ARQ
// timeout for fid, or (0, zero-time, false) if nothing was saved.
func (s *PeerStore) LoadFeedState(fid packet.FID) (int, time.Time, bool, error) {
	var subscription int
	var nanos int64
	err := s.db.QueryRow(`SELECT subscription, next_timeout FROM feed_state WHERE fid=?`, fid[:]).
		Scan(&subscription, &nanos)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("node: load feed state: %w", err)
	}
	return subscription, time.Unix(0, nanos), true, nil
}

// Close closes the underlying database handle.
func (s *PeerStore) Close() error {
	return s.db.Close()
}
