// Command tinynode is a minimal demonstration of the tinySSB replication
// engine: it creates (or loads) a feed identity under a repository
// directory, appends a plain48 entry if one is given, and then runs the
// forwarding node over a UDP multicast face until interrupted.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/tschudin/tinyssb/face"
	"github.com/tschudin/tinyssb/keystore"
	"github.com/tschudin/tinyssb/node"
	"github.com/tschudin/tinyssb/packet"
	"github.com/tschudin/tinyssb/repo"
)

func main() {
	repoDir := flag.String("repo", "", "repository directory (default: a fresh temp dir)")
	multicast := flag.String("multicast", "239.5.5.5:5555", "UDP multicast address for the wire face")
	name := flag.String("name", "", "display name for the local identity (default: a generated uuid)")
	message := flag.String("write", "", "if set, append this text as a plain48 entry before running")
	peerHex := flag.String("peer", "", "hex-encoded 32-byte feed id of a peer to pull from")
	flag.Parse()

	runID := uuid.New().String()
	if *name == "" {
		*name = runID
	}

	dir := *repoDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "tinynode-*")
		if err != nil {
			log.Fatalf("tinynode[%s]: create repo dir: %v", runID, err)
		}
		log.Printf("tinynode[%s]: using temporary repository at %s", runID, dir)
	}

	r, err := repo.Open(dir, keystore.Verify)
	if err != nil {
		log.Fatalf("tinynode[%s]: open repo: %v", runID, err)
	}
	defer r.Close()

	ks, me, err := loadOrCreateIdentity(dir, *name)
	if err != nil {
		log.Fatalf("tinynode[%s]: identity: %v", runID, err)
	}

	meLog, err := r.GetLog(me)
	if err != nil {
		meLog, err = r.MkGenericLog(me, packet.TypePlain48, make([]byte, packet.PayloadSize), ks.SignFunc(me), packet.FID{}, 0)
		if err != nil {
			log.Fatalf("tinynode[%s]: create genesis log: %v", runID, err)
		}
	}
	id := ks.Identity(me, meLog)
	log.Printf("tinynode[%s]: identity %x (%s)", runID, id.FID, id.Name)

	f, err := face.NewUDPMulticastFace(*multicast)
	if err != nil {
		log.Fatalf("tinynode[%s]: open multicast face: %v", runID, err)
	}
	defer f.Close()

	n := node.New([]face.Face{f}, ks, r, id.FID, nil)
	defer n.Close()

	ps, err := node.OpenPeerStore(dir + "/peers.db")
	if err != nil {
		log.Fatalf("tinynode[%s]: open peer store: %v", runID, err)
	}
	defer ps.Close()
	if err := n.AttachPeerStore(ps); err != nil {
		log.Fatalf("tinynode[%s]: attach peer store: %v", runID, err)
	}

	if *peerHex != "" {
		fid, err := parseFID(*peerHex)
		if err != nil {
			log.Fatalf("tinynode[%s]: parse -peer: %v", runID, err)
		}
		if err := n.AddPeer(fid); err != nil {
			log.Fatalf("tinynode[%s]: add peer: %v", runID, err)
		}
		if _, err := r.AllocateLog(fid, 0, firstAnchor(fid), nil, packet.FID{}, 0); err != nil && !errors.Is(err, os.ErrExist) {
			log.Printf("tinynode[%s]: allocate peer log: %v", runID, err)
		}
	}

	if *message != "" {
		if err := n.WriteTyped48(id.FID, packet.TypePlain48, []byte(*message), id.SignFunc()); err != nil {
			log.Fatalf("tinynode[%s]: write entry: %v", runID, err)
		}
		log.Printf("tinynode[%s]: appended entry %q", runID, *message)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)
	log.Printf("tinynode[%s]: node running on %s, ctrl-c to stop", runID, *multicast)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("tinynode[%s]: shutting down", runID)
}

// loadOrCreateIdentity opens the sqlite-backed keystore under dir, reusing
// an existing single identity if present, or minting one named name.
func loadOrCreateIdentity(dir, name string) (*keystore.Keystore, packet.FID, error) {
	store, err := keystore.OpenSQLiteStore(dir + "/identity.db")
	if err != nil {
		return nil, packet.FID{}, fmt.Errorf("open keystore: %w", err)
	}
	ks, fid, err := keystore.LoadOrCreateIdentity(store, name)
	if err != nil {
		return nil, packet.FID{}, fmt.Errorf("bootstrap identity: %w", err)
	}
	return ks, fid, nil
}

func firstAnchor(fid packet.FID) packet.Mid {
	var m packet.Mid
	copy(m[:], fid[:packet.MidSize])
	return m
}

func parseFID(hexStr string) (packet.FID, error) {
	var fid packet.FID
	if len(hexStr) != packet.FIDSize*2 {
		return fid, fmt.Errorf("expected %d hex characters, got %d", packet.FIDSize*2, len(hexStr))
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return fid, fmt.Errorf("invalid hex feed id: %w", err)
	}
	copy(fid[:], raw)
	return fid, nil
}
