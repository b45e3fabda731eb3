package transport

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Adapter owns every live connection and is the only component permitted to
// write to the wire. It never mutates room or connection-registry state.
type Adapter struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	byRoom   map[string]map[string]struct{}
	roomMu   sync.RWMutex
	maxBytes int
	compress int
}

// NewAdapter builds an Adapter enforcing maxPayloadBytes on read/write and
// compressing outbound frames at or above compressThreshold bytes.
func NewAdapter(maxPayloadBytes, compressThreshold int) *Adapter {
	return &Adapter{
		conns:    make(map[string]*Conn),
		byRoom:   make(map[string]map[string]struct{}),
		maxBytes: maxPayloadBytes,
		compress: compressThreshold,
	}
}

// Register wraps ws as a tracked connection with a fresh id and starts its
// pumps. handle is invoked for every decoded inbound Envelope; onClose is
// invoked exactly once when the connection terminates.
func (a *Adapter) Register(ws wsConn, handle func(connID string, env Envelope), onClose func(connID string)) string {
	id := uuid.New().String()
	c := newConn(id, a.maxBytes, a.compress)

	a.mu.Lock()
	a.conns[id] = c
	a.mu.Unlock()

	c.runPumps(ws, c.send,
		func(env Envelope) { handle(id, env) },
		func() {
			a.mu.Lock()
			delete(a.conns, id)
			a.mu.Unlock()
			a.leaveAllRooms(id)
			onClose(id)
		},
	)

	return id
}

// JoinRoom records that connID should receive EmitToRoom fan-out for
// roomID. The event router calls this alongside RoomRegistry.AddMember.
func (a *Adapter) JoinRoom(roomID, connID string) {
	a.roomMu.Lock()
	defer a.roomMu.Unlock()
	set, ok := a.byRoom[roomID]
	if !ok {
		set = make(map[string]struct{})
		a.byRoom[roomID] = set
	}
	set[connID] = struct{}{}
}

// LeaveRoom reverses JoinRoom.
func (a *Adapter) LeaveRoom(roomID, connID string) {
	a.roomMu.Lock()
	defer a.roomMu.Unlock()
	if set, ok := a.byRoom[roomID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(a.byRoom, roomID)
		}
	}
}

func (a *Adapter) leaveAllRooms(connID string) {
	a.roomMu.Lock()
	defer a.roomMu.Unlock()
	for roomID, set := range a.byRoom {
		if _, ok := set[connID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(a.byRoom, roomID)
			}
		}
	}
}

// IsLive reports whether connID is a currently registered connection.
func (a *Adapter) IsLive(connID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.conns[connID]
	return ok
}

func (a *Adapter) get(connID string) (*Conn, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.conns[connID]
	return c, ok
}

// Emit sends event/payload to exactly one connection.
func (a *Adapter) Emit(connID, event string, payload any) {
	if c, ok := a.get(connID); ok {
		c.enqueue(event, payload)
	}
}

// EmitToPeer is Emit with intent made explicit at call sites that relay
// signaling between two specific connections.
func (a *Adapter) EmitToPeer(fromConnID, toConnID, event string, payload any) {
	a.Emit(toConnID, event, payload)
}

// EmitToRoom sends event/payload to every connection joined to roomID.
func (a *Adapter) EmitToRoom(roomID, event string, payload any) {
	for _, id := range a.roomMembers(roomID) {
		a.Emit(id, event, payload)
	}
}

// EmitToRoomExceptSender sends event/payload to every connection joined to
// roomID except senderConnID.
func (a *Adapter) EmitToRoomExceptSender(roomID, senderConnID, event string, payload any) {
	for _, id := range a.roomMembers(roomID) {
		if id == senderConnID {
			continue
		}
		a.Emit(id, event, payload)
	}
}

// Broadcast sends event/payload to every live connection, used by graceful
// shutdown.
func (a *Adapter) Broadcast(event string, payload any) {
	a.mu.RLock()
	ids := make([]string, 0, len(a.conns))
	for id := range a.conns {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	for _, id := range ids {
		a.Emit(id, event, payload)
	}
}

// ForceClose closes connID's connection without waiting for a client
// disconnect.
func (a *Adapter) ForceClose(connID string) {
	a.mu.Lock()
	c, ok := a.conns[connID]
	delete(a.conns, connID)
	a.mu.Unlock()
	if ok {
		c.Close()
	}
	a.leaveAllRooms(connID)
}

// LiveCount returns the number of currently registered connections.
func (a *Adapter) LiveCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.conns)
}

// CloseAll force-closes every live connection, used by graceful shutdown's
// soft deadline.
func (a *Adapter) CloseAll() {
	a.mu.RLock()
	ids := make([]string, 0, len(a.conns))
	for id := range a.conns {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	for _, id := range ids {
		a.ForceClose(id)
	}
}

func (a *Adapter) roomMembers(roomID string) []string {
	a.roomMu.RLock()
	defer a.roomMu.RUnlock()
	set := a.byRoom[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// UpgradeFromLongPoll swaps oldConnID's transport from a long-poll queue to
// a freshly accepted WebSocket, under the same connection id, so room
// membership and participant identity need no change. Any frames still
// queued for the long-poll connection are replayed onto the new socket
// before the swap completes. handle and onClose must be built the same way
// Register's caller built them originally, since the old pump generation is
// retired and a new one started in its place.
func (a *Adapter) UpgradeFromLongPoll(oldConnID string, ws wsConn, reg *LongPollRegistry, handle func(connID string, env Envelope), onClose func(connID string)) bool {
	a.mu.Lock()
	c, ok := a.conns[oldConnID]
	a.mu.Unlock()
	if !ok {
		return false
	}

	reg.mu.Lock()
	lp, hadLongPoll := reg.conns[oldConnID]
	delete(reg.conns, oldConnID)
	reg.mu.Unlock()
	if !hadLongPoll {
		return false
	}

	replay := lp.drain(0)

	c.swapTransport(lp, ws,
		func(env Envelope) { handle(oldConnID, env) },
		func() {
			a.mu.Lock()
			delete(a.conns, oldConnID)
			a.mu.Unlock()
			a.leaveAllRooms(oldConnID)
			onClose(oldConnID)
		},
		replay,
	)

	return true
}

// SendPing satisfies presence.Pinger by writing a native WebSocket ping
// control frame. payload is accepted for interface compatibility but
// carries no data: the monitor correlates the reply by timing, not by
// decoding anything out of the control frame itself.
func (a *Adapter) SendPing(connID string, _ any) error {
	c, ok := a.get(connID)
	if !ok {
		return fmt.Errorf("connection %s not live", connID)
	}
	return c.sendControl(websocket.PingMessage, nil)
}

// SetPongHandler registers the callback invoked when connID's transport
// reports liveness (a real pong, or a long-poll client's own poll request).
func (a *Adapter) SetPongHandler(connID string, fn func()) {
	if c, ok := a.get(connID); ok {
		c.SetPongHandler(fn)
	}
}
