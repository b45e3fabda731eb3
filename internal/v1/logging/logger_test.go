package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "", RedactEmail(""))
	assert.Equal(t, "***@example.com", RedactEmail("alice@example.com"))
	assert.Equal(t, "***", RedactEmail("not-an-email"))
}

func TestWithRoomAndConn(t *testing.T) {
	ctx := context.Background()
	ctx = WithRoom(ctx, "room-1")
	ctx = WithConn(ctx, "conn-1")

	assert.Equal(t, "room-1", ctx.Value(RoomIDKey))
	assert.Equal(t, "conn-1", ctx.Value(ConnIDKey))
}

func TestGetLoggerFallback(t *testing.T) {
	// Before Initialize is ever called in this test binary, GetLogger must
	// still return a usable logger rather than nil.
	assert.NotNil(t, GetLogger())
}
