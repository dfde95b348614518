package face

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSFace carries tinySSB packets over a websocket connection, useful for
// relaying between nodes across NAT/firewall boundaries where UDP
// multicast does not reach.
type WSFace struct {
	conn     *websocket.Conn
	incoming chan []byte
	writeMu  sync.Mutex
	name     string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AcceptWS upgrades an incoming HTTP request to a websocket face, for use
// inside an http.HandlerFunc.
func AcceptWS(w http.ResponseWriter, r *http.Request) (*WSFace, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("face: websocket upgrade: %w", err)
	}
	return newWSFace(conn, r.RemoteAddr), nil
}

// DialWS connects to a peer node's websocket endpoint.
func DialWS(url string) (*WSFace, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("face: websocket dial %s: %w", url, err)
	}
	return newWSFace(conn, url), nil
}

func newWSFace(conn *websocket.Conn, name string) *WSFace {
	f := &WSFace{
		conn:     conn,
		incoming: make(chan []byte, 64),
		name:     name,
	}
	go f.readLoop()
	return f
}

func (f *WSFace) readLoop() {
	defer close(f.incoming)
	for {
		msgType, msg, err := f.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		f.incoming <- msg
	}
}

// Send writes pkt as a single binary websocket message.
func (f *WSFace) Send(pkt []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := f.conn.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
		return fmt.Errorf("face: websocket send: %w", err)
	}
	return nil
}

// Incoming returns the channel of received packets.
func (f *WSFace) Incoming() <-chan []byte { return f.incoming }

// EarliestSend reports that the websocket face has no duty-cycle restriction.
func (f *WSFace) EarliestSend() time.Time { return time.Time{} }

// Close closes the underlying websocket connection.
func (f *WSFace) Close() error { return f.conn.Close() }

func (f *WSFace) String() string { return "ws:" + f.name }
