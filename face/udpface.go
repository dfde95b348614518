package face

import (
	"fmt"
	"net"
	"time"
)

// UDPFace implements Face over a UDP multicast group, the usual carrier on
// commodity WiFi/Ethernet links where no LoRa radio is attached.
type UDPFace struct {
	conn     *net.UDPConn
	addr     *net.UDPAddr
	incoming chan []byte
	closeCh  chan struct{}
}

// NewUDPMulticastFace joins the multicast group at addr (e.g. "239.0.0.1:5000")
// and returns a Face that broadcasts to and listens on that group.
func NewUDPMulticastFace(addr string) (*UDPFace, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("face: resolve multicast addr: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("face: listen multicast: %w", err)
	}
	conn.SetReadBuffer(1 << 16)

	f := &UDPFace{
		conn:     conn,
		addr:     udpAddr,
		incoming: make(chan []byte, 64),
		closeCh:  make(chan struct{}),
	}
	go f.readLoop()
	return f, nil
}

func (f *UDPFace) readLoop() {
	defer close(f.incoming)
	buf := make([]byte, maxDatagram)
	for {
		n, err := f.conn.Read(buf)
		if err != nil {
			select {
			case <-f.closeCh:
				return
			default:
				return
			}
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case f.incoming <- pkt:
		case <-f.closeCh:
			return
		}
	}
}

// Send writes pkt to the multicast group.
func (f *UDPFace) Send(pkt []byte) error {
	_, err := f.conn.WriteToUDP(pkt, f.addr)
	if err != nil {
		return fmt.Errorf("face: udp send: %w", err)
	}
	return nil
}

// Incoming returns the channel of received packets.
func (f *UDPFace) Incoming() <-chan []byte { return f.incoming }

// EarliestSend reports that UDP multicast has no duty-cycle restriction.
func (f *UDPFace) EarliestSend() time.Time { return time.Time{} }

// Close leaves the multicast group.
func (f *UDPFace) Close() error {
	close(f.closeCh)
	return f.conn.Close()
}

func (f *UDPFace) String() string { return "udp-multicast:" + f.addr.String() }
