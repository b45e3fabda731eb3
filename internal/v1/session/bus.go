package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/wrightline/meshsignal/internal/v1/bus"
	"github.com/wrightline/meshsignal/internal/v1/logging"
	"github.com/wrightline/meshsignal/internal/v1/metrics"
)

// ensureRoomSubscriptionLocked starts a cross-pod listener for roomID the
// first time this pod hosts a member of it. Caller must hold h.mu. A no-op
// when bus is disabled, since bus.Service.Subscribe degrades to a no-op
// itself once its client is nil.
func (h *Hub) ensureRoomSubscriptionLocked(roomID string) {
	if h.bus == nil {
		return
	}
	if _, ok := h.busSubs[roomID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.busSubs[roomID] = cancel
	h.bus.Subscribe(ctx, roomID, &h.busWG, h.handleBusEnvelope)
}

// stopRoomSubscriptionLocked tears down roomID's cross-pod listener once the
// last local member leaves. Caller must hold h.mu.
func (h *Hub) stopRoomSubscriptionLocked(roomID string) {
	cancel, ok := h.busSubs[roomID]
	if !ok {
		return
	}
	delete(h.busSubs, roomID)
	cancel()
}

// handleBusEnvelope relays an event another pod published to this pod's
// local members of the room, skipping envelopes this pod published itself
// (every pod subscribed to a room receives its own publishes back).
func (h *Hub) handleBusEnvelope(env bus.Envelope) {
	if env.SenderID == h.busInstanceID {
		return
	}
	h.adapter.EmitToRoom(env.RoomID, env.Event, env.Payload)
}

// roomOwnerKey namespaces the Redis set tracking which pods currently claim
// a live host for roomID, used for host-election split-brain detection.
func roomOwnerKey(roomID string) string {
	return "meshsignal:room-owner:" + roomID
}

// checkSplitBrain logs and counts when more than one pod claims ownership of
// roomID. Under correct single-writer-per-room operation this never happens;
// it can surface briefly during a pod failover race, which is what the
// gobreaker-guarded SetMembers check exists to surface, not silently fix.
func (h *Hub) checkSplitBrain(ctx context.Context, roomID string) {
	if h.bus == nil {
		return
	}
	owners, err := h.bus.SetMembers(ctx, roomOwnerKey(roomID))
	if err != nil || len(owners) <= 1 {
		return
	}
	metrics.HostTransitionsTotal.WithLabelValues("split-brain-detected").Inc()
	logging.Warn(ctx, "multiple pods claim ownership of room",
		zap.String("room_id", roomID), zap.Strings("owners", owners))
}
