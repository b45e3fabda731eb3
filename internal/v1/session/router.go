package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/wrightline/meshsignal/internal/v1/logging"
	"github.com/wrightline/meshsignal/internal/v1/metrics"
	"github.com/wrightline/meshsignal/internal/v1/transport"
)

type handlerFunc func(ctx context.Context, h *Hub, connID string, raw json.RawMessage)

// dispatchTable is the static event-dispatch table spec.md's Design Notes
// call for: event name -> typed handler. Unknown events are dropped.
var dispatchTable = map[string]handlerFunc{
	EventJoinRoom:     handleJoinRoom,
	EventOffer:        handlePeerSignal(EventOffer),
	EventAnswer:       handlePeerSignal(EventAnswer),
	EventICECandidate: handlePeerSignal(EventICECandidate),

	EventUserMuted:       handleSelfToggle(EventUserMuted, OutUserMuted, func(p *Participant, v bool) { p.Muted = v }),
	EventUserVideoToggle: handleSelfToggle(EventUserVideoToggle, OutUserVideoToggled, func(p *Participant, v bool) { p.VideoOff = v }),
	EventRaiseHand:       handleSelfToggle(EventRaiseHand, OutRaiseHandToggled, func(p *Participant, v bool) { p.RaisedHand = v }),

	EventReaction:    handleRoomBroadcast(EventReaction, OutReactionReceived),
	EventChatMessage: handleRoomBroadcast(EventChatMessage, OutChatMessage),
	EventTyping:      handleTyping,

	EventHostMuteParticipant:   handleHostToggleTarget(OutParticipantForceMuted, func(p *Participant) { p.Muted = true }),
	EventHostToggleVideo:       handleHostToggleTarget(OutParticipantForceVideoToggle, func(p *Participant) { p.VideoOff = !p.VideoOff }),
	EventHostRemoveParticipant: handleHostRemoveParticipant,
	EventHostTransfer:          handleHostTransfer,
	EventRenameParticipant:     handleRenameParticipant,

	EventHostSpotlightParticipant: handleHostOpaqueBroadcast(OutParticipantSpotlight, true),
	EventHostRemoveSpotlight:      handleHostOpaqueBroadcast(OutSpotlightRemoved, true),
	EventToggleMeetingLock:        handleHostOpaqueBroadcast(OutMeetingLocked, true),
	EventToggleWaitingRoom:        handleHostOpaqueBroadcast(OutWaitingRoomToggled, true),
	EventToggleScreenShareLock:    handleHostOpaqueBroadcast(OutScreenShareRestricted, true),
	EventToggleChatLock:           handleHostOpaqueBroadcast(OutChatRestricted, true),

	EventPing:             handlePing,
	EventReconnectRequest: handleReconnectRequest,

	EventStartBreakoutRooms: handleStartBreakoutRooms,
	EventEndBreakoutRooms:   handleHostOpaqueBroadcast(OutBreakoutRoomsEnded, true),

	EventCreatePoll: handleHostOpaqueBroadcast(OutPollCreated, true),
	EventVotePoll:   handleOpaqueBroadcast(OutPollVote, false),
	EventEndPoll:    handleHostOpaqueBroadcast(OutPollEnded, true),

	EventWhiteboardDraw:  handleOpaqueBroadcast(OutWhiteboardDraw, true),
	EventWhiteboardClear: handleOpaqueBroadcast(OutWhiteboardClear, true),

	EventShareFile:  handleOpaqueBroadcast(OutFileShared, false),
	EventDeleteFile: handleOpaqueBroadcast(OutFileDeleted, false),

	EventAskQuestion:    handleOpaqueBroadcast(OutQuestionAsked, false),
	EventUpvoteQuestion: handleOpaqueBroadcast(OutQuestionUpvoted, false),
	EventAnswerQuestion: handleHostOpaqueBroadcast(OutQuestionAnswered, false),

	EventScreenShareStarted: handleScreenShare(OutScreenShareStarted, OutParticipantSpotlight),
	EventScreenShareStopped: handleScreenShare(OutScreenShareStopped, OutSpotlightRemoved),

	EventError: handleTransportError,
}

// dispatch looks up connID's event in the static table and invokes it under
// a recover/metrics/logging decorator (spec.md §4.7: a faulty handler never
// terminates the connection or the process).
func dispatch(ctx context.Context, h *Hub, connID string, env transport.Envelope) {
	handler, ok := dispatchTable[env.Event]
	if !ok {
		logging.Debug(ctx, "dropping unknown event", zap.String("event", env.Event), zap.String("conn_id", connID))
		return
	}

	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			logging.Error(ctx, "event handler panicked",
				zap.String("event", env.Event), zap.String("conn_id", connID), zap.Any("recover", r))
		}
		metrics.EventsTotal.WithLabelValues(env.Event, outcome).Inc()
		metrics.EventProcessingSeconds.WithLabelValues(env.Event).Observe(time.Since(start).Seconds())
	}()

	handler(ctx, h, connID, env.Payload)
}

// --- join-room -------------------------------------------------------------

func handleJoinRoom(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
	var payload JoinRoomPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.adapter.Emit(connID, OutJoinError, JoinErrorPayload{Message: "Invalid join request"})
		return
	}

	if err := h.rl.CheckUser(ctx, payload.UserName); err != nil {
		h.adapter.Emit(connID, OutJoinError, JoinErrorPayload{Message: "Too many connection attempts, please wait and try again"})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ok, message := h.resolveJoin(connID, payload)
	if !ok {
		h.adapter.Emit(connID, OutJoinError, JoinErrorPayload{Message: message})
		return
	}

	p := &Participant{
		ConnID:      connID,
		DisplayName: payload.UserName,
		RoomID:      payload.RoomID,
		UserID:      payload.UserID,
		JoinedAt:    time.Now(),
		LastSeen:    time.Now(),
		Online:      true,
	}
	h.connReg.RegisterOrPreempt(p)
	h.roomReg.AddMember(payload.RoomID, connID)
	h.adapter.JoinRoom(payload.RoomID, connID)
	h.roomReg.SetCreatorIfAbsent(payload.RoomID, payload.UserID)
	h.ensureRoomSubscriptionLocked(payload.RoomID)

	isHost := h.electHost(ctx, payload.RoomID, connID, payload.UserID)
	if isHost {
		h.connReg.Update(connID, func(p *Participant) { p.Host = true })
	}

	joinedView := ParticipantView{
		ID: connID, Name: p.DisplayName, IsMuted: p.Muted, IsVideoOff: p.VideoOff, IsHost: isHost, IsRaised: p.RaisedHand,
	}
	h.adapter.EmitToRoomExceptSender(payload.RoomID, connID, OutUserJoined, joinedView)
	_ = h.bus.Publish(ctx, payload.RoomID, OutUserJoined, joinedView, h.busInstanceID)

	if isHost {
		h.adapter.EmitToRoom(payload.RoomID, OutHostStatusUpdate, HostStatusUpdatePayload{HostID: connID, HostName: p.DisplayName})
	}

	h.adapter.Emit(connID, OutCurrentParticipants, snapshotExcluding(h, payload.RoomID, connID))

	size := h.roomReg.Size(payload.RoomID)
	metrics.RoomParticipants.WithLabelValues(payload.RoomID).Set(float64(size))
	h.adapter.EmitToRoom(payload.RoomID, OutParticipantCount, map[string]int{"count": size})
}

func snapshotExcluding(h *Hub, roomID, exceptConnID string) []ParticipantView {
	members := h.roomReg.Members(roomID)
	out := make([]ParticipantView, 0, len(members))
	for _, id := range members {
		if id == exceptConnID {
			continue
		}
		p, ok := h.connReg.Get(id)
		if !ok {
			continue
		}
		out = append(out, ParticipantView{ID: id, Name: p.DisplayName, IsMuted: p.Muted, IsVideoOff: p.VideoOff, IsHost: p.Host, IsRaised: p.RaisedHand})
	}
	return out
}

// --- peer signaling ----------------------------------------------------------

// handlePeerSignal relays offer/answer/ice-candidate to exactly the named
// target, stamping senderId from the authenticated connection rather than
// trusting any client-supplied value.
func handlePeerSignal(event string) handlerFunc {
	return func(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
		var payload PeerSignalPayload
		if err := json.Unmarshal(raw, &payload); err != nil || payload.TargetID == "" {
			return
		}
		if !h.adapter.IsLive(payload.TargetID) {
			return // unknown target: dropped, no error to sender
		}
		h.adapter.EmitToPeer(connID, payload.TargetID, event, PeerSignalRelay{
			Payload:  raw,
			SenderID: connID,
		})
	}
}

// --- self state toggles -----------------------------------------------------

type boolPayload struct {
	Value bool `json:"value"`
}

// handleSelfToggle applies apply to the sender's own participant record and
// broadcasts the same event to the room except the sender. The payload names
// no target, so a host cannot toggle another participant's state through
// this handler.
func handleSelfToggle(inEvent, outEvent string, apply func(p *Participant, v bool)) handlerFunc {
	return func(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
		var payload boolPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		self, ok := h.connReg.Get(connID)
		if !ok {
			return
		}
		apply(self, payload.Value)
		h.adapter.EmitToRoomExceptSender(self.RoomID, connID, outEvent, map[string]any{
			"id":    connID,
			"value": payload.Value,
		})
	}
}

// --- room-wide broadcasts ----------------------------------------------------

type broadcastPayload struct {
	Text string `json:"text,omitempty"`
	Kind string `json:"type,omitempty"`
}

// handleRoomBroadcast fans a reaction/chat-message out to the whole room,
// including the sender, enriched with the sender's display name.
func handleRoomBroadcast(inEvent, outEvent string) handlerFunc {
	return func(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
		var payload broadcastPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return
		}
		self, ok := h.connReg.Get(connID)
		if !ok {
			return
		}
		h.adapter.EmitToRoom(self.RoomID, outEvent, map[string]any{
			"senderId": connID,
			"userName": self.DisplayName,
			"text":     payload.Text,
			"type":     payload.Kind,
		})
	}
}

func handleTyping(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
	var payload struct {
		IsTyping bool `json:"isTyping"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	self, ok := h.connReg.Get(connID)
	if !ok {
		return
	}
	h.adapter.EmitToRoomExceptSender(self.RoomID, connID, OutUserTyping, map[string]any{
		"id":       connID,
		"isTyping": payload.IsTyping,
	})
}

// --- host actions -------------------------------------------------------------

type targetPayload struct {
	TargetID string `json:"targetId"`
}

// requireHostSameRoom is spec.md §7's authorization taxonomy for host-only
// actions: a non-host invocation is silently ignored, no emission, and the
// engine never leaks capability state to the caller.
func requireHostSameRoom(h *Hub, connID, targetID string) (callerRoom *Participant, targetParticipant *Participant, ok bool) {
	self, exists := h.connReg.Get(connID)
	if !exists || !self.Host {
		return nil, nil, false
	}
	target, exists := h.connReg.Get(targetID)
	if !exists || target.RoomID != self.RoomID {
		return nil, nil, false
	}
	return self, target, true
}

func handleHostToggleTarget(outEvent string, apply func(p *Participant)) handlerFunc {
	return func(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
		var payload targetPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		_, target, ok := requireHostSameRoom(h, connID, payload.TargetID)
		if !ok {
			return
		}
		apply(target)
		h.adapter.Emit(payload.TargetID, outEvent, map[string]any{"by": connID})
		h.adapter.EmitToRoomExceptSender(target.RoomID, payload.TargetID, outEvent, map[string]any{"id": payload.TargetID})
	}
}

func handleHostRemoveParticipant(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
	var payload targetPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	_, _, ok := requireHostSameRoom(h, connID, payload.TargetID)
	if !ok {
		return
	}

	h.adapter.Emit(payload.TargetID, OutForceDisconnect, ForceDisconnectPayload{
		Reason:  "removed-by-host",
		Message: "You have been removed from the meeting by the host.",
	})
	h.removeParticipantLocked(payload.TargetID, LeaveReasonHostRemoved)
	h.adapter.ForceClose(payload.TargetID)
}

type hostTransferPayload struct {
	NewHostID string `json:"newHostId"`
}

func handleHostTransfer(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
	var payload hostTransferPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	self, ok := h.connReg.Get(connID)
	if !ok || !self.Host {
		return
	}
	target, ok := h.connReg.Get(payload.NewHostID)
	if !ok || target.RoomID != self.RoomID {
		return
	}

	h.demoteAndPromote(self.RoomID, connID, payload.NewHostID, "host-transfer")
}

type renamePayload struct {
	TargetID string `json:"targetId"`
	NewName  string `json:"newName"`
}

func handleRenameParticipant(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
	var payload renamePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.NewName == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	self, ok := h.connReg.Get(connID)
	if !ok {
		return
	}
	target, ok := h.connReg.Get(payload.TargetID)
	if !ok || target.RoomID != self.RoomID {
		return
	}
	if connID != payload.TargetID && !self.Host {
		return
	}

	// Re-register under the new name so the session index follows the rename.
	if renamed, ok := h.connReg.Remove(payload.TargetID); ok {
		renamed.DisplayName = payload.NewName
		h.connReg.RegisterOrPreempt(renamed)
	}
	h.adapter.EmitToRoom(self.RoomID, OutParticipantRenamed, map[string]string{
		"id":      payload.TargetID,
		"newName": payload.NewName,
	})
}

// --- opaque fan-out (breakout rooms, polls, whiteboard, files, Q&A) --------

// handleOpaqueBroadcast re-emits the inbound payload unchanged under
// outEvent to the sender's room. excludeSender controls whether the sender
// itself receives its own fan-out.
func handleOpaqueBroadcast(outEvent string, excludeSender bool) handlerFunc {
	return func(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
		self, ok := h.connReg.Get(connID)
		if !ok {
			return
		}
		if excludeSender {
			h.adapter.EmitToRoomExceptSender(self.RoomID, connID, outEvent, raw)
		} else {
			h.adapter.EmitToRoom(self.RoomID, outEvent, raw)
		}
	}
}

// handleHostOpaqueBroadcast is handleOpaqueBroadcast with the host-only
// authorization check spec.md lists for moderation-scoped opaque events.
func handleHostOpaqueBroadcast(outEvent string, excludeSender bool) handlerFunc {
	inner := handleOpaqueBroadcast(outEvent, excludeSender)
	return func(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
		self, ok := h.connReg.Get(connID)
		if !ok || !self.Host {
			return
		}
		inner(ctx, h, connID, raw)
	}
}

type breakoutStartPayload struct {
	Rooms       json.RawMessage   `json:"rooms"`
	Duration    int               `json:"duration"`
	Assignments map[string]string `json:"assignments"` // connId -> breakout roomId
}

func handleStartBreakoutRooms(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
	var payload breakoutStartPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	self, ok := h.connReg.Get(connID)
	if !ok || !self.Host {
		return
	}

	h.adapter.EmitToRoom(self.RoomID, OutBreakoutRoomsCreated, map[string]any{"rooms": payload.Rooms})
	h.adapter.EmitToRoom(self.RoomID, OutBreakoutRoomsStarted, map[string]int{"duration": payload.Duration})

	for participantID, breakoutRoomID := range payload.Assignments {
		if !h.roomReg.IsMember(self.RoomID, participantID) {
			continue
		}
		h.adapter.Emit(participantID, OutAssignedToBreakoutRoom, map[string]string{"roomId": breakoutRoomID})
	}
}

// --- screen share ------------------------------------------------------------

func handleScreenShare(shareEvent, spotlightEvent string) handlerFunc {
	return func(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
		self, ok := h.connReg.Get(connID)
		if !ok {
			return
		}
		h.adapter.EmitToRoom(self.RoomID, shareEvent, map[string]string{"id": connID})
		h.adapter.EmitToRoom(self.RoomID, spotlightEvent, map[string]string{"id": connID})
	}
}

// --- ping / reconnect / transport error -------------------------------------

func handlePing(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
	h.monitor.RecordPong(connID)
	snap, ok := h.monitor.Snapshot(connID)
	if !ok {
		return
	}
	h.adapter.Emit(connID, OutPong, snap)
}

func handleReconnectRequest(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
	p, ok := h.connReg.Get(connID)
	if !ok {
		h.adapter.Emit(connID, OutReconnectResponse, ReconnectResponsePayload{
			Success: false, PriorConnectionRecovered: false,
		})
		return
	}
	snap, _ := h.monitor.Snapshot(connID)
	h.adapter.Emit(connID, OutReconnectResponse, ReconnectResponsePayload{
		Success:                  true,
		UserData:                 ParticipantView{ID: connID, Name: p.DisplayName, IsMuted: p.Muted, IsVideoOff: p.VideoOff, IsHost: p.Host, IsRaised: p.RaisedHand},
		ConnectionHealth:         snap,
		PriorConnectionRecovered: false,
	})
}

func handleTransportError(ctx context.Context, h *Hub, connID string, raw json.RawMessage) {
	h.adapter.Emit(connID, OutConnectionRecovery, ConnectionRecoveryPayload{
		Message:   "A transport error was reported; reconnect if the connection does not recover.",
		Timestamp: nowMillis(),
	})
}
