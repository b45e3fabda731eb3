package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *RateLimiter {
	rl, err := NewRateLimiter("3-M", "2-M", nil)
	require.NoError(t, err)
	return rl
}

func TestCheckIPAllowsThenBlocks(t *testing.T) {
	rl := newTestLimiter(t)
	gin.SetMode(gin.TestMode)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
		assert.True(t, rl.CheckIP(c, "1.2.3.4"))
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.False(t, rl.CheckIP(c, "1.2.3.4"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCheckUserAllowsThenBlocks(t *testing.T) {
	rl := newTestLimiter(t)
	ctx := context.Background()

	assert.NoError(t, rl.CheckUser(ctx, "alice"))
	assert.NoError(t, rl.CheckUser(ctx, "alice"))
	assert.Error(t, rl.CheckUser(ctx, "alice"))
}

func TestCheckIPIsPerAddress(t *testing.T) {
	rl := newTestLimiter(t)
	gin.SetMode(gin.TestMode)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
		assert.True(t, rl.CheckIP(c, "9.9.9.9"))
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, rl.CheckIP(c, "8.8.8.8"))
}
