package session

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wrightline/meshsignal/internal/v1/auth"
	"github.com/wrightline/meshsignal/internal/v1/bus"
	"github.com/wrightline/meshsignal/internal/v1/logging"
	"github.com/wrightline/meshsignal/internal/v1/metrics"
	"github.com/wrightline/meshsignal/internal/v1/presence"
	"github.com/wrightline/meshsignal/internal/v1/ratelimit"
	"github.com/wrightline/meshsignal/internal/v1/registry"
	"github.com/wrightline/meshsignal/internal/v1/transport"
)

// Hub is the process-wide signaling coordinator: it owns the registries, the
// transport adapter, and the health monitor, and is the only component that
// mutates room or connection state (spec.md §5's shared-resource policy).
//
// Hub.mu is the single process-wide lock spec.md's Design Notes call out as
// acceptable for the specified capacity (≤1000 participants, ≤50/room): it
// serializes every mutation to the connection registry, room registry, and
// host-map, so concurrent joins/disconnects/host-actions never interleave
// mid-mutation. Reads (Emit*, registry lookups) do not take it.
type Hub struct {
	mu sync.Mutex

	connReg *registry.ConnectionRegistry
	roomReg *registry.RoomRegistry
	adapter *transport.Adapter
	monitor *presence.Monitor
	lp      *transport.LongPollRegistry

	validator auth.TokenValidator
	bus       *bus.Service
	rl        *ratelimit.RateLimiter

	// busInstanceID tags every event this pod publishes to bus, so its own
	// subscription echo is recognized and skipped (see handleBusEnvelope).
	busInstanceID string
	// busSubs tracks the cancel func of each room's cross-pod subscription,
	// guarded by mu: one subscription per room this pod currently hosts a
	// member of, torn down once the last local member leaves.
	busSubs map[string]context.CancelFunc
	busWG   sync.WaitGroup

	allowedOrigins []string
	tracer         trace.Tracer
}

// NewHub wires a Hub from its already-constructed collaborators.
func NewHub(
	connReg *registry.ConnectionRegistry,
	roomReg *registry.RoomRegistry,
	adapter *transport.Adapter,
	monitor *presence.Monitor,
	lp *transport.LongPollRegistry,
	validator auth.TokenValidator,
	busSvc *bus.Service,
	rl *ratelimit.RateLimiter,
	allowedOrigins []string,
) *Hub {
	return &Hub{
		connReg:        connReg,
		roomReg:        roomReg,
		adapter:        adapter,
		monitor:        monitor,
		lp:             lp,
		validator:      validator,
		bus:            busSvc,
		rl:             rl,
		busInstanceID:  uuid.New().String(),
		busSubs:        make(map[string]context.CancelFunc),
		allowedOrigins: allowedOrigins,
		tracer:         otel.Tracer("meshsignal/session"),
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request to a WebSocket and registers it as a live
// connection. join-room (not this handshake) is what assigns the connection
// to a room; a bare connection is simply greeted with connection-confirmed.
func (h *Hub) ServeWS(c *gin.Context) {
	claims := h.authenticateOptional(c)
	if claims == nil {
		return // response already written by authenticateOptional
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade websocket", zap.Error(err))
		return
	}

	connID := h.adapter.Register(ws, h.handleEnvelope, h.handleDisconnect)
	h.greet(connID)
}

// ServeLongPoll registers a client using the HTTP long-poll fallback
// transport instead of a WebSocket.
func (h *Hub) ServeLongPoll(c *gin.Context) {
	claims := h.authenticateOptional(c)
	if claims == nil {
		return
	}

	connID := h.adapter.RegisterLongPoll(h.lp, h.handleEnvelope, h.handleDisconnect)
	h.greet(connID)
	c.JSON(http.StatusOK, gin.H{"connId": connID})
}

// UpgradeLongPoll upgrades an existing long-poll connection to a WebSocket
// under the same connection id.
func (h *Hub) UpgradeLongPoll(c *gin.Context) {
	connID := c.Param("connId")
	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade long-poll connection", zap.Error(err))
		return
	}
	if !h.adapter.UpgradeFromLongPoll(connID, ws, h.lp, h.handleEnvelope, h.handleDisconnect) {
		ws.Close()
	}
}

func (h *Hub) authenticateOptional(c *gin.Context) *auth.Claims {
	if h.validator == nil {
		return &auth.Claims{}
	}
	token := c.Query("token")
	if token == "" {
		return &auth.Claims{}
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return nil
	}
	return claims
}

func (h *Hub) greet(connID string) {
	h.monitor.Start(context.Background(), connID)
	h.adapter.SetPongHandler(connID, func() { h.monitor.RecordPong(connID) })
	metrics.IncConnection()
	h.adapter.Emit(connID, OutConnectionConfirmed, ConnectionConfirmedPayload{
		SocketID:      connID,
		Timestamp:     nowMillis(),
		ServerTime:    nowMillis(),
		ServerVersion: serverVersion,
		Features:      []string{"mesh-webrtc", "breakout-rooms", "polls", "whiteboard", "long-poll-fallback"},
	})
}

// handleEnvelope decodes the event name from the raw envelope and dispatches
// to the static handler table, decorated with recover/metrics/logging.
func (h *Hub) handleEnvelope(connID string, env transport.Envelope) {
	ctx, span := h.tracer.Start(context.Background(), "session.dispatch",
		trace.WithAttributes(attribute.String("event", env.Event), attribute.String("conn_id", connID)))
	defer span.End()

	dispatch(ctx, h, connID, env)
}

// handleDisconnect is the transport adapter's onClose callback: it runs the
// full natural-disconnect cleanup path (registry, room, host re-election,
// participant-count broadcast).
func (h *Hub) handleDisconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	metrics.DecConnection()
	h.removeParticipantLocked(connID, LeaveReasonDisconnect)
}

// removeParticipantLocked is the shared tail of every "a participant is
// gone" path (natural disconnect, host-remove, collision eviction already
// calls its own narrower evictParticipant). Caller must hold h.mu.
func (h *Hub) removeParticipantLocked(connID, reason string) {
	h.monitor.Stop(connID)
	p, ok := h.connReg.Remove(connID)
	if !ok {
		return
	}
	becameEmpty := h.roomReg.RemoveMember(p.RoomID, connID)

	leftPayload := UserLeftPayload{
		ParticipantID: connID,
		UserName:      p.DisplayName,
		Timestamp:     nowMillis(),
		Reason:        reason,
	}
	h.adapter.EmitToRoom(p.RoomID, OutUserLeft, leftPayload)
	_ = h.bus.Publish(context.Background(), p.RoomID, OutUserLeft, leftPayload, h.busInstanceID)

	if becameEmpty {
		metrics.RoomParticipants.DeleteLabelValues(p.RoomID)
		_ = h.bus.SetRem(context.Background(), roomOwnerKey(p.RoomID), h.busInstanceID)
		h.stopRoomSubscriptionLocked(p.RoomID)
		return
	}

	if hostID, hasHost := h.roomReg.Host(p.RoomID); hasHost && hostID == connID {
		h.promoteNextHost(p.RoomID, connID)
	}

	size := h.roomReg.Size(p.RoomID)
	metrics.RoomParticipants.WithLabelValues(p.RoomID).Set(float64(size))
	h.adapter.EmitToRoom(p.RoomID, OutParticipantCount, map[string]int{"count": size})
}
