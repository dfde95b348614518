package face

import (
	"sync"
	"time"
)

// DutyCycleFace wraps another Face and enforces a minimum interval between
// sends, as constrained radio transports require (LoRa needs >= 1s between
// transmissions, KISS/serial >= 0.5s). A concrete LoRa or KISS face would
// compose this wrapper to plug its airtime gate into the node's out-queue
// without the node needing to know the transport's specifics.
type DutyCycleFace struct {
	Face
	interval time.Duration

	mu    sync.Mutex
	ready time.Time
}

// NewDutyCycleFace wraps f so that consecutive sends are spaced at least
// interval apart.
func NewDutyCycleFace(f Face, interval time.Duration) *DutyCycleFace {
	return &DutyCycleFace{Face: f, interval: interval, ready: time.Now()}
}

// EarliestSend returns the time at which the duty cycle next permits a send.
func (f *DutyCycleFace) EarliestSend() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// Send forwards pkt to the wrapped face at once and advances the next
// permitted send time. It does not wait itself; the gate takes effect
// through EarliestSend, which OutQueue honors before each send.
func (f *DutyCycleFace) Send(pkt []byte) error {
	f.mu.Lock()
	f.ready = time.Now().Add(f.interval)
	f.mu.Unlock()
	return f.Face.Send(pkt)
}
