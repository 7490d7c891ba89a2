// Package transport carries dynamic-virtual-channel PDUs for the graphics
// and camera redirection channels over a single duplex connection.
//
// A real RDP stack multiplexes DVCs over the core protocol's static virtual
// channel; here each logical channel's PDUs are framed as
// [1-byte channel id][payload] and carried over a gorilla/websocket
// connection, mirroring the binary desktop-frame framing the agent side of
// this codebase already uses for its own transport.
package transport

import (
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/logging"
)

var log = logging.L("dvctransport")

// ChannelID identifies which dynamic virtual channel a framed PDU belongs
// to.
type ChannelID uint8

const (
	ChannelGraphics ChannelID = 0x01
	ChannelCamera   ChannelID = 0x02
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3

	sendQueueDepth = 256
)

// Handler receives a fully reassembled PDU for one channel, as delivered
// in the order it was read from the wire.
type Handler func(ch ChannelID, pdu []byte)

// Config holds connection parameters for a Transport.
type Config struct {
	ServerURL string
}

// Transport manages one duplex DVC connection with automatic reconnection.
// Callers submit PDUs with Send; received PDUs are delivered to the
// Handler supplied to New, one goroutine per connection.
type Transport struct {
	cfg     Config
	handler Handler

	connMu sync.RWMutex
	conn   *websocket.Conn

	sendChan chan framedPDU
	done     chan struct{}
	stopOnce sync.Once

	runningMu sync.RWMutex
	isRunning bool

	onConnect    func()
	onDisconnect func()
}

type framedPDU struct {
	ch  ChannelID
	pdu []byte
}

// New creates a Transport. handler is invoked from the connection's read
// goroutine for every PDU received; it must not block for long.
func New(cfg Config, handler Handler) *Transport {
	return &Transport{
		cfg:      cfg,
		handler:  handler,
		sendChan: make(chan framedPDU, sendQueueDepth),
		done:     make(chan struct{}),
	}
}

// OnConnect registers a callback run after each successful (re)connection,
// e.g. to retrigger CapsAdvertise.
func (t *Transport) OnConnect(fn func()) { t.onConnect = fn }

// OnDisconnect registers a callback run after the connection drops, e.g.
// to tear down surfaces pending a fresh ResetGraphics.
func (t *Transport) OnDisconnect(fn func()) { t.onDisconnect = fn }

// Start runs the connect/reconnect loop. It blocks until Stop is called.
func (t *Transport) Start() {
	t.runningMu.Lock()
	if t.isRunning {
		t.runningMu.Unlock()
		return
	}
	t.isRunning = true
	t.runningMu.Unlock()

	t.reconnectLoop()
}

// Stop closes the connection and terminates the reconnect loop.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.runningMu.Lock()
		t.isRunning = false
		t.runningMu.Unlock()

		close(t.done)

		t.connMu.Lock()
		if t.conn != nil {
			t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			t.conn.Close()
			t.conn = nil
		}
		t.connMu.Unlock()

		log.Info("transport stopped")
	})
}

// Send submits a PDU for the given channel. Non-blocking: if the send
// queue is full the PDU is dropped and an error is returned, matching the
// frame-drop policy frame pacing already expects from a lossy transport.
func (t *Transport) Send(ch ChannelID, pdu []byte) error {
	select {
	case t.sendChan <- framedPDU{ch: ch, pdu: pdu}:
		return nil
	case <-t.done:
		return fmt.Errorf("transport stopped")
	default:
		return fmt.Errorf("send queue full, dropping channel %d pdu", ch)
	}
}

func (t *Transport) connect() error {
	u, err := url.Parse(t.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	log.Info("connected", "server", t.cfg.ServerURL)
	return nil
}

func (t *Transport) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-t.done:
			return
		default:
		}

		if err := t.connect(); err != nil {
			log.Warn("connect failed", "error", err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			select {
			case <-t.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		if t.onConnect != nil {
			t.onConnect()
		}

		pumpDone := make(chan struct{})
		go t.writePump(pumpDone)
		t.readPump()
		close(pumpDone)

		if t.onDisconnect != nil {
			t.onDisconnect()
		}

		t.runningMu.RLock()
		running := t.isRunning
		t.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

func (t *Transport) readPump() {
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", "error", err)
			}
			return
		}
		if len(msg) < 1 {
			continue
		}

		ch := ChannelID(msg[0])
		pdu := msg[1:]
		if t.handler != nil {
			t.handler(ch, pdu)
		}
	}
}

func (t *Transport) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.done:
			return

		case framed := <-t.sendChan:
			t.connMu.RLock()
			conn := t.conn
			t.connMu.RUnlock()
			if conn == nil {
				continue
			}

			msg := make([]byte, 1+len(framed.pdu))
			msg[0] = uint8(framed.ch)
			copy(msg[1:], framed.pdu)

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				log.Warn("write error", "error", err)
				return
			}

		case <-ticker.C:
			t.connMu.RLock()
			conn := t.conn
			t.connMu.RUnlock()
			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
