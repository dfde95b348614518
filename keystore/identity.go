package keystore

import (
	"github.com/tschudin/tinyssb/feedlog"
	"github.com/tschudin/tinyssb/packet"
)

// Identity binds one named feed id to the log carrying its entries. It is
// the unit a node boots from: the key pair lives in the keystore, the
// entries in the log.
type Identity struct {
	FID  packet.FID
	Name string
	Log  *feedlog.Log

	ks *Keystore
}

// Identity pairs fid with its genesis log. The name is whatever the
// keystore has on record for fid.
func (ks *Keystore) Identity(fid packet.FID, log *feedlog.Log) *Identity {
	name, _ := ks.Name(fid)
	return &Identity{FID: fid, Name: name, Log: log, ks: ks}
}

// SignFunc returns the sign function for this identity's feed.
func (id *Identity) SignFunc() packet.SignFunc {
	return id.ks.SignFunc(id.FID)
}
