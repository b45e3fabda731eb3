package session

import (
	"context"

	"github.com/wrightline/meshsignal/internal/v1/metrics"
)

func recordSessionCollision(reason string) {
	metrics.SessionCollisionsTotal.WithLabelValues(reason).Inc()
}

func recordHostTransition(reason string) {
	metrics.HostTransitionsTotal.WithLabelValues(reason).Inc()
}

// electHost runs the host-election state machine's join-time rules
// (spec.md §4.6) for a joiner who has just been added to roomID. It returns
// whether the joiner became host. checkSplitBrain and SetAdd exercise the
// distributed ownership check described alongside it: every pod that grants
// itself host of roomID records that claim in the shared set, so a failover
// race that leaves two pods both believing they host the same room surfaces
// as a logged split-brain warning.
func (h *Hub) electHost(ctx context.Context, roomID, joinerConnID, joinerUserID string) bool {
	h.checkSplitBrain(ctx, roomID)

	currentHostID, hasHost := h.roomReg.Host(roomID)

	// No live host: empty room, or the host-map points at a dead entry.
	if !hasHost || !h.roomReg.IsMember(roomID, currentHostID) {
		h.roomReg.SetHost(roomID, joinerConnID)
		recordHostTransition("elected-no-host")
		_ = h.bus.SetAdd(ctx, roomOwnerKey(roomID), h.busInstanceID)
		return true
	}

	// Creator re-entry: a different host is incumbent, but the joiner is the
	// room's remembered creator, so it displaces the incumbent.
	if joinerUserID != "" {
		if creatorID, ok := h.roomReg.Creator(roomID); ok && creatorID == joinerUserID && currentHostID != joinerConnID {
			h.demoteAndPromote(roomID, currentHostID, joinerConnID, "creator-reentry")
			_ = h.bus.SetAdd(ctx, roomOwnerKey(roomID), h.busInstanceID)
			return true
		}
	}

	return false
}

// demoteAndPromote flips the host-map entry and the two participants' Host
// flags, then broadcasts host-changed with the full participant vector.
func (h *Hub) demoteAndPromote(roomID, previousHostID, newHostID, reason string) {
	h.roomReg.SetHost(roomID, newHostID)
	h.connReg.Update(previousHostID, func(p *Participant) { p.Host = false })
	h.connReg.Update(newHostID, func(p *Participant) { p.Host = true })
	recordHostTransition(reason)

	newHostName := ""
	if p, ok := h.connReg.Get(newHostID); ok {
		newHostName = p.DisplayName
	}

	h.adapter.EmitToRoom(roomID, OutHostChanged, HostChangedPayload{
		NewHostID:      newHostID,
		NewHostName:    newHostName,
		PreviousHostID: previousHostID,
		Participants:   h.hostFlagVector(roomID),
	})
}

// promoteNextHost runs the disconnect-time host-transfer rule: the
// deterministic first remaining member (join order) is promoted.
func (h *Hub) promoteNextHost(roomID, previousHostID string) {
	remaining := h.roomReg.Members(roomID)
	if len(remaining) == 0 {
		h.roomReg.ClearHost(roomID)
		return
	}
	newHostID := remaining[0]
	h.connReg.Update(newHostID, func(p *Participant) { p.Host = true })
	h.roomReg.SetHost(roomID, newHostID)
	recordHostTransition("disconnect-transfer")

	newHostName := ""
	if p, ok := h.connReg.Get(newHostID); ok {
		newHostName = p.DisplayName
	}

	h.adapter.EmitToRoom(roomID, OutHostChanged, HostChangedPayload{
		NewHostID:      newHostID,
		NewHostName:    newHostName,
		PreviousHostID: previousHostID,
		Participants:   h.hostFlagVector(roomID),
	})
}

func (h *Hub) hostFlagVector(roomID string) []HostParticipantFlag {
	members := h.roomReg.Members(roomID)
	out := make([]HostParticipantFlag, 0, len(members))
	for _, id := range members {
		p, ok := h.connReg.Get(id)
		if !ok {
			continue
		}
		out = append(out, HostParticipantFlag{ID: id, IsHost: p.Host})
	}
	return out
}
