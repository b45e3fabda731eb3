package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestPublishSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	roomID := "room-1"

	sub := svc.Client().Subscribe(ctx, "meshsignal:room:"+roomID)
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	err := svc.Publish(ctx, roomID, "peer-signal", map[string]string{"sdp": "offer"}, "conn-1")
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, roomID, env.RoomID)
	assert.Equal(t, "peer-signal", env.Event)
	assert.Equal(t, "conn-1", env.SenderID)
}

func TestSetAddRemMembers(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	require.NoError(t, svc.SetAdd(ctx, "hosts:room-1", "pod-a"))
	require.NoError(t, svc.SetAdd(ctx, "hosts:room-1", "pod-b"))

	members, err := svc.SetMembers(ctx, "hosts:room-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pod-a", "pod-b"}, members)

	require.NoError(t, svc.SetRem(ctx, "hosts:room-1", "pod-a"))
	members, err = svc.SetMembers(ctx, "hosts:room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pod-b"}, members)
}

func TestNilServiceDegradesGracefully(t *testing.T) {
	var svc *Service
	assert.Nil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Publish(context.Background(), "room", "event", nil, "sender"))
	assert.NoError(t, svc.Close())
}
