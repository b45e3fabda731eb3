// Package session implements the signaling engine: the event router, the
// session-collision resolver, the host-election state machine, and the Hub
// that wires them to the transport adapter and the shared registries.
package session

import (
	"encoding/json"
	"time"

	"github.com/wrightline/meshsignal/internal/v1/registry"
)

// Participant aliases the registry's record so session code can refer to it
// without importing registry everywhere it appears in a handler signature.
type Participant = registry.Participant

// Inbound event names, per the external interface catalog.
const (
	EventJoinRoom        = "join-room"
	EventOffer           = "offer"
	EventAnswer          = "answer"
	EventICECandidate    = "ice-candidate"
	EventUserMuted       = "user-muted"
	EventUserVideoToggle = "user-video-toggled"
	EventRaiseHand       = "raise-hand-toggled"
	EventReaction        = "reaction"
	EventChatMessage     = "chat-message"
	EventTyping          = "typing"

	EventHostMuteParticipant      = "host-mute-participant"
	EventHostToggleVideo          = "host-toggle-video"
	EventHostRemoveParticipant    = "host-remove-participant"
	EventHostTransfer             = "host-transfer"
	EventRenameParticipant        = "rename-participant"
	EventHostSpotlightParticipant = "host-spotlight-participant"
	EventHostRemoveSpotlight      = "host-remove-spotlight"
	EventToggleMeetingLock        = "toggle-meeting-lock"
	EventToggleWaitingRoom        = "toggle-waiting-room"
	EventToggleScreenShareLock    = "toggle-screen-share-restriction"
	EventToggleChatLock           = "toggle-chat-restriction"

	EventPing             = "ping"
	EventReconnectRequest = "reconnect-request"

	EventStartBreakoutRooms = "start-breakout-rooms"
	EventEndBreakoutRooms   = "end-breakout-rooms"

	EventCreatePoll = "create-poll"
	EventVotePoll   = "vote-poll"
	EventEndPoll    = "end-poll"

	EventWhiteboardDraw  = "whiteboard-draw"
	EventWhiteboardClear = "whiteboard-clear"

	EventShareFile  = "share-file"
	EventDeleteFile = "delete-file"

	EventAskQuestion     = "ask-question"
	EventUpvoteQuestion  = "upvote-question"
	EventAnswerQuestion  = "answer-question"

	EventScreenShareStarted = "screen-share-started"
	EventScreenShareStopped = "screen-share-stopped"

	EventError = "error"
)

// Outbound event names.
const (
	OutConnectionConfirmed = "connection-confirmed"
	OutUserJoined          = "user-joined"
	OutCurrentParticipants = "current-participants"
	OutParticipantCount    = "participant-count"
	OutUserLeft            = "user-left"
	OutUserMuted           = "user-muted"
	OutUserVideoToggled    = "user-video-toggled"
	OutRaiseHandToggled    = "raise-hand-toggled"
	OutReactionReceived    = "reaction-received"
	OutChatMessage         = "chat-message"
	OutUserTyping          = "user-typing"

	OutParticipantForceMuted       = "participant-force-muted"
	OutParticipantForceVideoToggle = "participant-force-video-toggle"
	OutForceDisconnect             = "force-disconnect"
	OutHostChanged                 = "host-changed"
	OutHostStatusUpdate            = "host-status-update"
	OutParticipantRenamed          = "participant-renamed"

	OutPong               = "pong"
	OutReconnectResponse  = "reconnect-response"
	OutServerShutdown     = "server-shutdown"
	OutJoinError          = "join-error"
	OutConnectionRecovery = "connection-recovery"

	OutBreakoutRoomsCreated   = "breakout-rooms-created"
	OutBreakoutRoomsStarted   = "breakout-rooms-started"
	OutAssignedToBreakoutRoom = "assigned-to-breakout-room"
	OutBreakoutRoomsEnded     = "breakout-rooms-ended"

	OutPollCreated = "poll-created"
	OutPollVote    = "poll-vote"
	OutPollEnded   = "poll-ended"

	OutWhiteboardDraw  = "whiteboard-draw"
	OutWhiteboardClear = "whiteboard-clear"

	OutFileShared  = "file-shared"
	OutFileDeleted = "file-deleted"

	OutQuestionAsked     = "question-asked"
	OutQuestionUpvoted   = "question-upvoted"
	OutQuestionAnswered  = "question-answered"

	OutMeetingLocked         = "meeting-locked"
	OutWaitingRoomToggled    = "waiting-room-toggled"
	OutScreenShareRestricted = "screen-share-restricted"
	OutChatRestricted        = "chat-restricted"

	OutScreenShareStarted   = "screen-share-started"
	OutScreenShareStopped   = "screen-share-stopped"
	OutParticipantSpotlight = "participant-spotlighted"
	OutSpotlightRemoved     = "spotlight-removed"
)

const serverVersion = "2.0.0"

// ParticipantView is the wire shape of one participant in `user-joined` and
// `current-participants`.
type ParticipantView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsMuted    bool   `json:"isMuted"`
	IsVideoOff bool   `json:"isVideoOff"`
	IsHost     bool   `json:"isHost"`
	IsRaised   bool   `json:"isRaiseHand"`
}

// ConnectionConfirmedPayload is the greeting sent to a newly accepted
// transport connection, before any join-room is processed.
type ConnectionConfirmedPayload struct {
	SocketID      string   `json:"socketId"`
	Timestamp     int64    `json:"timestamp"`
	ServerTime    int64    `json:"serverTime"`
	ServerVersion string   `json:"serverVersion"`
	Features      []string `json:"features"`
}

// JoinRoomPayload is the inbound join-room request.
type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
	UserID   string `json:"userId,omitempty"`
}

// JoinErrorPayload reports a rejected join without closing the connection.
type JoinErrorPayload struct {
	Message string `json:"message"`
}

// UserLeftPayload is emitted once per participant removal.
type UserLeftPayload struct {
	ParticipantID string `json:"participantId"`
	UserName      string `json:"userName"`
	Timestamp     int64  `json:"timestamp"`
	Reason        string `json:"reason"`
}

const (
	LeaveReasonDisconnect      = "disconnect"
	LeaveReasonDuplicate       = "duplicate-session"
	LeaveReasonStale           = "stale-connection"
	LeaveReasonHostRemoved     = "host-removed"
)

// HostStatusUpdatePayload announces the current host after a join.
type HostStatusUpdatePayload struct {
	HostID   string `json:"hostId"`
	HostName string `json:"hostName"`
}

// HostParticipantFlag is one entry of host-changed's participant vector.
type HostParticipantFlag struct {
	ID     string `json:"id"`
	IsHost bool   `json:"isHost"`
}

// HostChangedPayload is broadcast whenever the room's host changes.
type HostChangedPayload struct {
	NewHostID      string                 `json:"newHostId"`
	NewHostName    string                 `json:"newHostName"`
	PreviousHostID string                 `json:"previousHostId"`
	Participants   []HostParticipantFlag  `json:"participants"`
}

// PeerSignalPayload carries offer/answer/ice-candidate relays.
type PeerSignalPayload struct {
	TargetID string `json:"targetId,omitempty"`
	SDP      any    `json:"sdp,omitempty"`
	Offer    any    `json:"offer,omitempty"`
	Answer   any    `json:"answer,omitempty"`
	Candidate any   `json:"candidate,omitempty"`
}

// PeerSignalRelay is the outbound shape: the router always stamps senderId
// itself, never trusting a client-supplied value.
type PeerSignalRelay struct {
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// ForceDisconnectPayload is sent to a participant just before the host
// forcibly removes them.
type ForceDisconnectPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ReconnectResponsePayload answers a reconnect-request. priorConnectionRecovered
// is always false: the engine issues a fresh connection id and makes no
// commitment to resurrect the prior participant identity (resolves the
// reconnect-request open question).
type ReconnectResponsePayload struct {
	Success                  bool   `json:"success"`
	UserData                 any    `json:"userData"`
	ConnectionHealth         any    `json:"connectionHealth"`
	PriorConnectionRecovered bool   `json:"priorConnectionRecovered"`
}

// ServerShutdownPayload hints at recovery; it commits to nothing.
type ServerShutdownPayload struct {
	Message          string `json:"message"`
	Timestamp        int64  `json:"timestamp"`
	RecoveryData     any    `json:"recoveryData"`
	ExpectedDowntime int64  `json:"expectedDowntime"`
}

// ConnectionRecoveryPayload hints at client-driven reconnection after a
// transport-level error event.
type ConnectionRecoveryPayload struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }
