package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// longPollConn adapts the long-poll HTTP fallback to the wsConn interface so
// it can share Conn's readPump/writePump machinery with real WebSockets.
type longPollConn struct {
	mu      sync.Mutex
	inbox   chan []byte
	outbox  [][]byte
	waiters []chan struct{}
	closed  bool

	pongHandler func(string) error
}

func newLongPollConn() *longPollConn {
	return &longPollConn{inbox: make(chan []byte, 64)}
}

func (l *longPollConn) ReadMessage() (int, []byte, error) {
	data, ok := <-l.inbox
	if !ok {
		return 0, nil, errConnClosed
	}
	return websocket.TextMessage, data, nil
}

func (l *longPollConn) WriteMessage(messageType int, data []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errConnClosed
	}
	l.outbox = append(l.outbox, append([]byte(nil), data...))
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return nil
}

func (l *longPollConn) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.inbox)
	for _, w := range l.waiters {
		close(w)
	}
	l.waiters = nil
	return nil
}

func (l *longPollConn) SetReadLimit(limit int64)           {}
func (l *longPollConn) SetWriteDeadline(t time.Time) error { return nil }
func (l *longPollConn) SetReadDeadline(t time.Time) error  { return nil }
func (l *longPollConn) EnableWriteCompression(enable bool) {}

// SetPongHandler stores the handler; long-poll has no control-frame concept,
// so it is invoked from drain instead (see drain).
func (l *longPollConn) SetPongHandler(h func(appData string) error) {
	l.mu.Lock()
	l.pongHandler = h
	l.mu.Unlock()
}

// WriteControl has no wire representation over long-poll HTTP: a ping is
// simply dropped rather than surfacing as a bogus application frame in the
// client's next poll response.
func (l *longPollConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

// deliver injects a client-submitted frame, used by POST /lp/:connId/send.
func (l *longPollConn) deliver(data []byte) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.mu.Unlock()
	select {
	case l.inbox <- data:
		return true
	default:
		return false
	}
}

// drain returns every queued outbound frame, waiting up to timeout if the
// queue is currently empty, used by GET /lp/:connId/poll. A poll call is
// itself the long-poll transport's only liveness signal, so it always fires
// the pong handler regardless of whether any frames are ready.
func (l *longPollConn) drain(timeout time.Duration) [][]byte {
	l.mu.Lock()
	handler := l.pongHandler
	l.mu.Unlock()
	if handler != nil {
		handler("")
	}

	l.mu.Lock()
	if len(l.outbox) > 0 || l.closed {
		out := l.outbox
		l.outbox = nil
		l.mu.Unlock()
		return out
	}
	wait := make(chan struct{})
	l.waiters = append(l.waiters, wait)
	l.mu.Unlock()

	select {
	case <-wait:
	case <-time.After(timeout):
	}

	l.mu.Lock()
	out := l.outbox
	l.outbox = nil
	l.mu.Unlock()
	return out
}

var errConnClosed = &connClosedError{}

type connClosedError struct{}

func (*connClosedError) Error() string { return "long-poll connection closed" }

// LongPollRegistry tracks active long-poll connections by id so HTTP
// handlers can reach the same Conn their readPump/writePump is driving.
type LongPollRegistry struct {
	mu    sync.Mutex
	conns map[string]*longPollConn
}

// NewLongPollRegistry returns an empty registry.
func NewLongPollRegistry() *LongPollRegistry {
	return &LongPollRegistry{conns: make(map[string]*longPollConn)}
}

// RegisterLongPoll starts a new long-poll backed connection the same way
// Register does for WebSockets, returning its connection id.
func (a *Adapter) RegisterLongPoll(reg *LongPollRegistry, handle func(connID string, env Envelope), onClose func(connID string)) string {
	lp := newLongPollConn()
	id := a.Register(lp, handle, onClose)

	reg.mu.Lock()
	reg.conns[id] = lp
	reg.mu.Unlock()

	return id
}

// Deliver submits a client frame for connID, used by the POST send handler.
func (reg *LongPollRegistry) Deliver(connID string, env Envelope) bool {
	reg.mu.Lock()
	lp, ok := reg.conns[connID]
	reg.mu.Unlock()
	if !ok {
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	return lp.deliver(data)
}

// Poll drains queued outbound frames for connID, blocking briefly if none
// are ready yet, used by the GET poll handler.
func (reg *LongPollRegistry) Poll(connID string, timeout time.Duration) ([][]byte, bool) {
	reg.mu.Lock()
	lp, ok := reg.conns[connID]
	reg.mu.Unlock()
	if !ok {
		return nil, false
	}
	return lp.drain(timeout), true
}

// SendHandler handles POST /lp/:connId/send.
func (reg *LongPollRegistry) SendHandler(c *gin.Context) {
	connID := c.Param("connId")
	var env Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid envelope"})
		return
	}
	if !reg.Deliver(connID, env) {
		c.JSON(http.StatusGone, gin.H{"error": "unknown or closed connection"})
		return
	}
	c.Status(http.StatusAccepted)
}

// PollHandler handles GET /lp/:connId/poll.
func (reg *LongPollRegistry) PollHandler(c *gin.Context) {
	connID := c.Param("connId")
	frames, ok := reg.Poll(connID, 25*time.Second)
	if !ok {
		c.JSON(http.StatusGone, gin.H{"error": "unknown or closed connection"})
		return
	}
	raw := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		raw[i] = f
	}
	c.JSON(http.StatusOK, gin.H{"messages": raw})
}
