package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader accepts the daemon side of the same framed DVC protocol
// Transport dials out to; CheckOrigin is permissive because this runs
// behind a local Unix-domain or loopback-bound listener, not a public
// one (§6 "Wire formats").
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServerConn is the daemon-side half of one client's DVC connection:
// the same [1-byte channel id][payload] framing Transport uses, driven
// from an accepted *websocket.Conn instead of a dialed one.
type ServerConn struct {
	conn    *websocket.Conn
	handler Handler

	sendChan chan framedPDU
	done     chan struct{}
	stopOnce sync.Once
}

// Accept upgrades an incoming HTTP request to a ServerConn. handler is
// invoked from the connection's read goroutine for every PDU received.
func Accept(w http.ResponseWriter, r *http.Request, handler Handler) (*ServerConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)

	sc := &ServerConn{
		conn:     conn,
		handler:  handler,
		sendChan: make(chan framedPDU, sendQueueDepth),
		done:     make(chan struct{}),
	}
	return sc, nil
}

// Serve runs the connection's read/write pumps until the peer
// disconnects or Close is called. It blocks; call it in its own
// goroutine per accepted connection.
func (sc *ServerConn) Serve() {
	pumpDone := make(chan struct{})
	go sc.writePump(pumpDone)
	sc.readPump()
	close(pumpDone)
}

// Send submits a PDU for the given channel, matching Transport.Send's
// non-blocking, drop-when-full policy.
func (sc *ServerConn) Send(ch ChannelID, pdu []byte) error {
	select {
	case sc.sendChan <- framedPDU{ch: ch, pdu: pdu}:
		return nil
	case <-sc.done:
		return fmt.Errorf("server connection stopped")
	default:
		return fmt.Errorf("send queue full, dropping channel %d pdu", ch)
	}
}

// Close terminates the connection.
func (sc *ServerConn) Close() {
	sc.stopOnce.Do(func() {
		close(sc.done)
		sc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		sc.conn.Close()
	})
}

func (sc *ServerConn) readPump() {
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		sc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("server read error", "error", err)
			}
			return
		}
		if len(msg) < 1 {
			continue
		}

		ch := ChannelID(msg[0])
		pdu := msg[1:]
		if sc.handler != nil {
			sc.handler(ch, pdu)
		}
	}
}

func (sc *ServerConn) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-sc.done:
			return

		case framed := <-sc.sendChan:
			msg := make([]byte, 1+len(framed.pdu))
			msg[0] = uint8(framed.ch)
			copy(msg[1:], framed.pdu)

			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				log.Warn("server write error", "error", err)
				return
			}

		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
