// Package face implements the network interfaces a Node sends and receives
// tinySSB wire packets over. Every Face is send-and-forget and
// connectionless in spirit: packets are delivered best-effort, and the ARQ
// loop in package node is what recovers from loss.
package face

import "time"

// maxDatagram is the largest frame any face is expected to carry; larger
// payloads travel as blob sidechains, never as bigger datagrams.
const maxDatagram = 250

// Face abstracts a single network interface (UDP multicast group,
// websocket connection, in-process link, ...). Incoming returns a channel
// that is closed when the face's read loop ends.
type Face interface {
	// Send transmits a raw wire buffer (a 120-byte packet, a blob, or a
	// control message) to this face's peer(s).
	Send(pkt []byte) error

	// Incoming returns the channel of packets received on this face.
	Incoming() <-chan []byte

	// EarliestSend returns the earliest time this face is willing to send
	// another packet, enforcing any duty-cycle/jitter discipline the
	// underlying transport needs (e.g. LoRa's airtime budget). A face with
	// no such constraint returns a time at or before now.
	EarliestSend() time.Time

	// Close shuts the face down.
	Close() error

	String() string
}
