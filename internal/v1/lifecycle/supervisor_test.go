package lifecycle

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wrightline/meshsignal/internal/v1/presence"
	"github.com/wrightline/meshsignal/internal/v1/registry"
	"github.com/wrightline/meshsignal/internal/v1/session"
	"github.com/wrightline/meshsignal/internal/v1/transport"
)

// newTestHub wires a Hub against a real HTTP test server, the same way
// cmd/hub/main.go wires the production one, so the supervisor exercises the
// hub through its real transport rather than package-internal helpers.
func newTestHub(t *testing.T) (*session.Hub, string) {
	t.Helper()
	adapter := transport.NewAdapter(1<<20, 1<<10)
	connReg := registry.NewConnectionRegistry()
	roomReg := registry.NewRoomRegistry()
	monitor := presence.NewMonitor(adapter)
	lp := transport.NewLongPollRegistry()
	hub := session.NewHub(connReg, roomReg, adapter, monitor, lp, nil, nil, nil, nil)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", hub.ServeWS)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomID, name string) {
	t.Helper()
	payload, _ := json.Marshal(session.JoinRoomPayload{RoomID: roomID, UserName: name})
	env := transport.Envelope{Event: session.EventJoinRoom, Payload: payload}
	require.NoError(t, conn.WriteJSON(env))

	require.Eventually(t, func() bool {
		_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		var got transport.Envelope
		if err := conn.ReadJSON(&got); err != nil {
			return false
		}
		return got.Event == session.OutCurrentParticipants
	}, time.Second, 10*time.Millisecond, "never observed current-participants for %q", name)
}

func TestSweepStaleRemovesDeadConnectionSilently(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url)
	joinRoom(t, conn, "R1", "Alice")

	participants, rooms := hub.Stats()
	require.Equal(t, 1, participants)
	require.Equal(t, 1, rooms)

	removed := hub.SweepStale(time.Now().Add(presence.StaleAfter + time.Minute))
	require.Equal(t, 1, removed)

	participants, rooms = hub.Stats()
	require.Equal(t, 0, participants)
	require.Equal(t, 0, rooms)

	require.Eventually(t, func() bool {
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, _, err := conn.ReadMessage()
		return err != nil
	}, time.Second, 10*time.Millisecond, "swept connection should have been force-closed")
}

func TestSweepStaleLeavesFreshConnectionsAlone(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url)
	joinRoom(t, conn, "R1", "Alice")

	removed := hub.SweepStale(time.Now())
	require.Equal(t, 0, removed)

	participants, rooms := hub.Stats()
	require.Equal(t, 1, participants)
	require.Equal(t, 1, rooms)
}

func TestSupervisorRunStopsOnContextCancel(t *testing.T) {
	hub, _ := newTestHub(t)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		NewSupervisor(hub).Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
