package session

import "strings"

const (
	maxTotalParticipants = 1000
	maxRoomSize          = 50
)

// looksLikeRoomID is the heuristic spec.md keeps for telling a pasted room id
// apart from a display name: long, hyphenated strings are assumed to be
// room ids typed into the wrong field. Isolated behind one predicate so it
// is trivial to replace with an explicit id-typed field later.
func looksLikeRoomID(name string) bool {
	return strings.Contains(name, "-") && len(name) > 10
}

// resolveJoin runs the session-collision resolver (spec.md §4.5) while
// h.mu is held, so every step completes before the joiner is added to the
// room set. Returns ok=false and a message for join-error when the join is
// rejected; on success it has already evicted any duplicate-session and
// stale-connection entries from roomID.
func (h *Hub) resolveJoin(connID string, payload JoinRoomPayload) (ok bool, message string) {
	if h.connReg.Count() >= maxTotalParticipants {
		return false, "Server at capacity"
	}

	if payload.RoomID == "" || payload.UserName == "" || looksLikeRoomID(payload.UserName) {
		return false, "Invalid room id or user name"
	}

	// Step 3: evict any other live connection using the same display name.
	for _, staleID := range h.connReg.ConnectionsForName(payload.UserName) {
		if staleID == connID {
			continue
		}
		h.evictParticipant(staleID, LeaveReasonDuplicate)
	}

	// Step 4: scan the target room for zombies — entries whose transport is
	// no longer live, or whose name collides with the joiner.
	for _, memberID := range h.roomReg.Members(payload.RoomID) {
		p, ok := h.connReg.Get(memberID)
		if !ok {
			continue
		}
		if !h.adapter.IsLive(memberID) || p.DisplayName == payload.UserName {
			h.evictParticipant(memberID, LeaveReasonStale)
		}
	}

	if h.roomReg.Size(payload.RoomID) >= maxRoomSize {
		return false, "Room is full"
	}

	return true, ""
}

// evictParticipant removes a superseded or zombie connection's registry,
// room, and health state, announces its departure, and force-closes its
// transport. Synchronous with respect to the caller's join so the new
// participant never observes its own predecessor in the room snapshot.
func (h *Hub) evictParticipant(connID, reason string) {
	h.monitor.Stop(connID)
	p, ok := h.connReg.Remove(connID)
	if !ok {
		return
	}
	becameEmpty := h.roomReg.RemoveMember(p.RoomID, connID)
	h.adapter.LeaveRoom(p.RoomID, connID)

	h.adapter.EmitToRoom(p.RoomID, OutUserLeft, UserLeftPayload{
		ParticipantID: connID,
		UserName:      p.DisplayName,
		Timestamp:     nowMillis(),
		Reason:        reason,
	})
	recordSessionCollision(reason)

	h.adapter.ForceClose(connID)

	if becameEmpty {
		return
	}
	if hostID, hasHost := h.roomReg.Host(p.RoomID); hasHost && hostID == connID {
		h.promoteNextHost(p.RoomID, connID)
	}
}
