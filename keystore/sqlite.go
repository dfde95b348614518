package keystore

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/tschudin/tinyssb/packet"
)

// SQLiteStore persists identities in a modernc.org/sqlite database, for
// nodes that want their secret keys to survive restarts without relying on
// the filesystem's directory layout.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a keystore database at dsn
// and ensures its schema and WAL pragmas are set.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("keystore: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore: ping db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("keystore: set %s: %w", pragma, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS identities (
  fid    BLOB PRIMARY KEY,
  secret BLOB NOT NULL,
  name   TEXT NOT NULL DEFAULT ''
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put upserts the identity for fid.
func (s *SQLiteStore) Put(fid packet.FID, secret ed25519.PrivateKey, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities(fid, secret, name) VALUES(?, ?, ?)
		 ON CONFLICT(fid) DO UPDATE SET secret=excluded.secret, name=excluded.name`,
		fid[:], []byte(secret), name)
	if err != nil {
		return fmt.Errorf("keystore: put identity: %w", err)
	}
	return nil
}

// Get loads the identity for fid.
func (s *SQLiteStore) Get(fid packet.FID) (ed25519.PrivateKey, string, error) {
	var secret []byte
	var name string
	err := s.db.QueryRow(`SELECT secret, name FROM identities WHERE fid=?`, fid[:]).Scan(&secret, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrUnknownFID
	}
	if err != nil {
		return nil, "", fmt.Errorf("keystore: get identity: %w", err)
	}
	return ed25519.PrivateKey(secret), name, nil
}

// Delete removes the identity for fid.
func (s *SQLiteStore) Delete(fid packet.FID) error {
	_, err := s.db.Exec(`DELETE FROM identities WHERE fid=?`, fid[:])
	if err != nil {
		return fmt.Errorf("keystore: delete identity: %w", err)
	}
	return nil
}

// LoadAll returns an in-memory Keystore populated from every persisted
// identity.
func (s *SQLiteStore) LoadAll() (*Keystore, error) {
	rows, err := s.db.Query(`SELECT fid, secret, name FROM identities`)
	if err != nil {
		return nil, fmt.Errorf("keystore: list identities: %w", err)
	}
	defer rows.Close()

	ks := New()
	for rows.Next() {
		var fidBytes, secret []byte
		var name string
		if err := rows.Scan(&fidBytes, &secret, &name); err != nil {
			return nil, fmt.Errorf("keystore: scan identity: %w", err)
		}
		var fid packet.FID
		copy(fid[:], fidBytes)
		ks.Add(fid, ed25519.PrivateKey(secret), name)
	}
	return ks, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadOrCreateIdentity restores every identity persisted in s and returns
// the first one, or, for an empty store, mints a fresh identity named name
// and persists it. This is the usual bootstrap for a node that owns a
// single feed.
func LoadOrCreateIdentity(s *SQLiteStore, name string) (*Keystore, packet.FID, error) {
	ks, err := s.LoadAll()
	if err != nil {
		return nil, packet.FID{}, err
	}
	if existing := ks.List(); len(existing) > 0 {
		return ks, existing[0], nil
	}

	fid, err := ks.NewIdentity(name)
	if err != nil {
		return nil, packet.FID{}, err
	}
	if err := ks.PersistTo(fid, s); err != nil {
		return nil, packet.FID{}, err
	}
	return ks, fid, nil
}
