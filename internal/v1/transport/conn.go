// Package transport accepts duplex connections, frames named JSON events,
// and exposes emit-to-one / emit-to-room primitives. It never mutates
// registries itself; the event router does.
package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wrightline/meshsignal/internal/v1/logging"
	"go.uber.org/zap"
)

// Envelope is the wire shape of every inbound and outbound message:
// {"event": "...", "payload": {...}}.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsConn narrows *websocket.Conn to what Conn needs, so tests can supply a
// fake without pulling in a real socket. WriteControl is kept separate from
// WriteMessage because it is the mechanism gorilla documents as safe to call
// concurrently with the data writer goroutine, which is how health pings
// reach the wire without going through writePump's send queue.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	EnableWriteCompression(enable bool)
}

const writeWait = 10 * time.Second

// Conn is one live duplex connection, backed by a WebSocket or a long-poll
// queue (see longPollConn in fallback.go). Its underlying transport can be
// swapped exactly once, by UpgradeFromLongPoll, while its id and send queue
// (observed by callers through enqueue) stay stable.
type Conn struct {
	ID string

	mu   sync.Mutex
	send chan []byte
	ws   wsConn

	// suppressNextClose absorbs the readPump exit that UpgradeFromLongPoll
	// triggers when it retires the old transport, so that swap is not
	// mistaken for the participant disconnecting.
	suppressNextClose bool

	maxPayloadBytes   int
	compressThreshold int

	closeOnce bool

	pongMu sync.Mutex
	onPong func()
}

func newConn(id string, maxPayloadBytes, compressThreshold int) *Conn {
	return &Conn{
		ID:                id,
		send:              make(chan []byte, 256),
		maxPayloadBytes:   maxPayloadBytes,
		compressThreshold: compressThreshold,
	}
}

// runPumps binds ws and sendCh to one transport generation: readPump decodes
// inbound frames until ws errors or closes, then invokes onClose unless a
// swap has suppressed it; writePump drains sendCh to ws independently.
// Installing the pong handler here, before either pump starts, means a pong
// that races the very first read is never missed.
func (c *Conn) runPumps(ws wsConn, sendCh chan []byte, handle func(Envelope), onClose func()) {
	ws.SetReadLimit(int64(c.maxPayloadBytes))
	ws.SetPongHandler(func(string) error {
		c.firePong()
		return nil
	})

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	go c.writePump(ws, sendCh)
	go c.readPump(ws, handle, onClose)
}

// SetPongHandler registers the callback invoked whenever this connection's
// transport reports a pong: a real WebSocket control frame, or (for the
// long-poll fallback, which has no control frames) the client's own act of
// polling. Safe to call before or after runPumps.
func (c *Conn) SetPongHandler(fn func()) {
	c.pongMu.Lock()
	c.onPong = fn
	c.pongMu.Unlock()
}

func (c *Conn) firePong() {
	c.pongMu.Lock()
	fn := c.onPong
	c.pongMu.Unlock()
	if fn != nil {
		fn()
	}
}

// sendControl writes a WebSocket control frame directly to the current
// transport generation, bypassing writePump's send queue. Gorilla documents
// WriteControl as safe to call concurrently with the data writer, unlike
// WriteMessage.
func (c *Conn) sendControl(messageType int, data []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("connection %s has no attached transport", c.ID)
	}
	return ws.WriteControl(messageType, data, time.Now().Add(writeWait))
}

func (c *Conn) readPump(ws wsConn, handle func(Envelope), onClose func()) {
	defer func() {
		ws.Close()
		c.mu.Lock()
		suppress := c.suppressNextClose
		c.suppressNextClose = false
		c.mu.Unlock()
		if !suppress {
			onClose()
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn(nil, "failed to decode envelope", zap.String("conn_id", c.ID), zap.Error(err))
			continue
		}
		handle(env)
	}
}

func (c *Conn) writePump(ws wsConn, sendCh chan []byte) {
	defer ws.Close()

	for data := range sendCh {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.EnableWriteCompression(len(data) >= c.compressThreshold)
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	ws.WriteMessage(websocket.CloseMessage, []byte{})
}

// enqueue marshals event/payload and queues it for delivery, dropping it
// if it exceeds the payload ceiling or the send buffer is full.
func (c *Conn) enqueue(event string, payload any) {
	inner, err := json.Marshal(payload)
	if err != nil {
		logging.Error(nil, "failed to marshal outbound payload", zap.String("event", event), zap.Error(err))
		return
	}
	env := Envelope{Event: event, Payload: inner}
	data, err := json.Marshal(env)
	if err != nil {
		logging.Error(nil, "failed to marshal outbound envelope", zap.String("event", event), zap.Error(err))
		return
	}
	if len(data) > c.maxPayloadBytes {
		logging.Warn(nil, "dropping oversized outbound payload",
			zap.String("event", event), zap.Int("bytes", len(data)))
		return
	}

	c.mu.Lock()
	sendCh := c.send
	c.mu.Unlock()

	select {
	case sendCh <- data:
	default:
		logging.Warn(nil, "connection send buffer full, dropping message",
			zap.String("conn_id", c.ID), zap.String("event", event))
	}
}

// Close force-closes the connection's current send channel, tearing down
// its writePump.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeOnce {
		return
	}
	c.closeOnce = true
	close(c.send)
}

// swapTransport retires the current transport generation (suppressing the
// disconnect callback it would otherwise trigger) and starts a new one
// bound to ws, replaying any frames left in replay onto the new send queue.
func (c *Conn) swapTransport(oldWS wsConn, ws wsConn, handle func(Envelope), onClose func(), replay [][]byte) {
	c.mu.Lock()
	c.suppressNextClose = true
	newSend := make(chan []byte, cap(c.send))
	for _, frame := range replay {
		select {
		case newSend <- frame:
		default:
		}
	}
	c.send = newSend
	c.closeOnce = false
	c.mu.Unlock()

	oldWS.Close()
	c.runPumps(ws, newSend, handle, onClose)
}
