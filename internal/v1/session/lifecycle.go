package session

import (
	"time"

	"github.com/wrightline/meshsignal/internal/v1/metrics"
)

// SweepStale runs the lifecycle supervisor's 60-second pass (spec.md §4.8):
// every connection whose last ping predates presence.StaleAfter is removed
// silently — no user-left, since a dead socket has no one left to notify.
// Returns the number of participants removed.
func (h *Hub) SweepStale(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for _, connID := range h.monitor.KnownConnIDs() {
		if !h.monitor.StaleSince(connID, now) {
			continue
		}
		h.removeSilently(connID)
		removed++
	}
	if removed > 0 {
		metrics.StaleSweepRemovedTotal.Add(float64(removed))
	}
	return removed
}

// removeSilently tears down a connection assumed already dead: registry,
// room membership, and transport, with no user-left emission. Caller must
// hold h.mu.
func (h *Hub) removeSilently(connID string) {
	h.monitor.Stop(connID)
	p, ok := h.connReg.Remove(connID)
	if !ok {
		h.adapter.ForceClose(connID)
		return
	}
	becameEmpty := h.roomReg.RemoveMember(p.RoomID, connID)
	h.adapter.ForceClose(connID)

	if becameEmpty {
		metrics.RoomParticipants.DeleteLabelValues(p.RoomID)
		return
	}
	if hostID, hasHost := h.roomReg.Host(p.RoomID); hasHost && hostID == connID {
		h.promoteNextHost(p.RoomID, connID)
	}
	size := h.roomReg.Size(p.RoomID)
	metrics.RoomParticipants.WithLabelValues(p.RoomID).Set(float64(size))
}

// Stats reports the numbers the lifecycle supervisor's 30-second health line
// wants: total live participants and non-empty rooms.
func (h *Hub) Stats() (participants, rooms int) {
	return h.connReg.Count(), len(h.roomReg.RoomIDs())
}

// BroadcastShutdown is step 2 of graceful shutdown (spec.md §4.9): it hints
// at recovery without committing to resurrect any state.
func (h *Hub) BroadcastShutdown(message string, recoveryData any, expectedDowntime time.Duration) {
	h.adapter.Broadcast(OutServerShutdown, ServerShutdownPayload{
		Message:          message,
		Timestamp:        nowMillis(),
		RecoveryData:     recoveryData,
		ExpectedDowntime: expectedDowntime.Milliseconds(),
	})
}

// ShutdownSnapshot is step 1 of graceful shutdown: participants and rooms,
// published as server-shutdown's recoveryData hint.
type ShutdownSnapshot struct {
	Rooms        []string `json:"rooms"`
	Participants int      `json:"participantCount"`
}

// Snapshot captures the current participant/room counts for the shutdown
// recovery hint.
func (h *Hub) Snapshot() ShutdownSnapshot {
	participants, _ := h.Stats()
	return ShutdownSnapshot{Rooms: h.roomReg.RoomIDs(), Participants: participants}
}

// CloseAllConnections force-closes every live transport connection, used by
// graceful shutdown's 5-second soft deadline.
func (h *Hub) CloseAllConnections() {
	h.adapter.CloseAll()
}

// LiveConnections reports how many transport connections are still open,
// polled by graceful shutdown while waiting for clients to disconnect on
// their own before the soft deadline forces the issue.
func (h *Hub) LiveConnections() int {
	return h.adapter.LiveCount()
}
