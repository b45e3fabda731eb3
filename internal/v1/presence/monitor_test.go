package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePinger struct {
	mu    sync.Mutex
	sent  int
	err   error
	after func()
}

func (f *fakePinger) SendPing(connID string, payload any) error {
	f.mu.Lock()
	f.sent++
	f.mu.Unlock()
	if f.after != nil {
		f.after()
	}
	return f.err
}

func (f *fakePinger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func TestStartAndStopIsDeterministic(t *testing.T) {
	pinger := &fakePinger{}
	mon := NewMonitor(pinger)

	mon.Start(context.Background(), "c1")
	_, ok := mon.Snapshot("c1")
	assert.True(t, ok)

	mon.Stop("c1")
	mon.Wait()

	_, ok = mon.Snapshot("c1")
	assert.False(t, ok)
}

func TestStopIsIdempotent(t *testing.T) {
	mon := NewMonitor(&fakePinger{})
	mon.Start(context.Background(), "c1")
	mon.Stop("c1")
	mon.Stop("c1")
	mon.Wait()
}

func TestRecordPongMarksHealthy(t *testing.T) {
	mon := NewMonitor(&fakePinger{})
	mon.Start(context.Background(), "c1")
	defer func() {
		mon.Stop("c1")
		mon.Wait()
	}()

	mon.RecordPong("c1")
	snap, ok := mon.Snapshot("c1")
	require.True(t, ok)
	assert.True(t, snap.Healthy)
}

func TestStaleSinceUnknownConnectionIsStale(t *testing.T) {
	mon := NewMonitor(&fakePinger{})
	assert.True(t, mon.StaleSince("never-started", time.Now()))
}

func TestStaleSinceFreshConnectionIsNotStale(t *testing.T) {
	mon := NewMonitor(&fakePinger{})
	mon.Start(context.Background(), "c1")
	defer func() {
		mon.Stop("c1")
		mon.Wait()
	}()

	assert.False(t, mon.StaleSince("c1", time.Now()))
	assert.True(t, mon.StaleSince("c1", time.Now().Add(StaleAfter+time.Minute)))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, minInterval, clamp(5*time.Second, minInterval, maxInterval))
	assert.Equal(t, maxInterval, clamp(time.Hour, minInterval, maxInterval))
	assert.Equal(t, 20*time.Second, clamp(20*time.Second, minInterval, maxInterval))
}
