// Package presence runs the per-connection adaptive health-ping loop.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/wrightline/meshsignal/internal/v1/logging"
	"go.uber.org/zap"
)

const (
	defaultInterval = 30 * time.Second
	minInterval     = 15 * time.Second
	maxInterval     = 60 * time.Second
	pongTimeout     = 15 * time.Second

	// StaleAfter is the lifecycle supervisor's sweep threshold: a connection
	// whose last ping is older than this is assumed dead.
	StaleAfter = 5 * time.Minute
)

// Record is the connection-health record the monitor maintains. Only the
// monitor writes to a given connection's record.
type Record struct {
	mu            sync.RWMutex
	ConnectedAt   time.Time
	LastPing      time.Time
	PingCount     int
	ReconnectCnt  int
	Healthy       bool
	LatestLatency time.Duration
}

// Snapshot is a read-only copy of a Record, safe to serialize.
type Snapshot struct {
	ConnectedAt   time.Time     `json:"connectedAt"`
	LastPing      time.Time     `json:"lastPing"`
	PingCount     int           `json:"pingCount"`
	ReconnectCnt  int           `json:"reconnectCount"`
	Healthy       bool          `json:"healthy"`
	LatestLatency int64         `json:"latestLatencyMs"`
}

func (r *Record) snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		ConnectedAt:   r.ConnectedAt,
		LastPing:      r.LastPing,
		PingCount:     r.PingCount,
		ReconnectCnt:  r.ReconnectCnt,
		Healthy:       r.Healthy,
		LatestLatency: r.LatestLatency.Milliseconds(),
	}
}

// Pinger is the narrow transport capability the monitor needs: the ability
// to push a ping payload to one connection.
type Pinger interface {
	SendPing(connID string, payload any) error
}

// Monitor owns one ping loop per live connection.
type Monitor struct {
	mu      sync.Mutex
	records map[string]*Record
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	pinger  Pinger
}

// NewMonitor builds a Monitor that sends pings through pinger.
func NewMonitor(pinger Pinger) *Monitor {
	return &Monitor{
		records: make(map[string]*Record),
		cancels: make(map[string]context.CancelFunc),
		pinger:  pinger,
	}
}

// Start begins the adaptive ping loop for connID. Safe to call once per
// connection; calling it twice for the same id is a caller bug.
func (m *Monitor) Start(ctx context.Context, connID string) {
	ctx, cancel := context.WithCancel(ctx)
	now := time.Now()
	rec := &Record{ConnectedAt: now, LastPing: now, Healthy: true}

	m.mu.Lock()
	m.records[connID] = rec
	m.cancels[connID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx, connID, rec)
}

// Stop cancels connID's ping loop and removes its record. Deterministic and
// idempotent so handleDisconnect can call it unconditionally.
func (m *Monitor) Stop(connID string) {
	m.mu.Lock()
	cancel, ok := m.cancels[connID]
	delete(m.cancels, connID)
	delete(m.records, connID)
	m.mu.Unlock()

	if ok {
		cancel()
	}
}

// Wait blocks until every loop started by Start has returned, used by tests
// and graceful shutdown to confirm no ping goroutine outlives the monitor.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Snapshot returns connID's current health record, used to answer a
// client-initiated ping with a pong.
func (m *Monitor) Snapshot(connID string) (Snapshot, bool) {
	m.mu.Lock()
	rec, ok := m.records[connID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

// KnownConnIDs returns every connection id the monitor currently holds a
// health record for, used by the lifecycle supervisor's stale sweep.
func (m *Monitor) KnownConnIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for id := range m.records {
		out = append(out, id)
	}
	return out
}

// StaleSince reports whether connID's last ping predates now-StaleAfter,
// used by the lifecycle supervisor's sweep.
func (m *Monitor) StaleSince(connID string, now time.Time) bool {
	m.mu.Lock()
	rec, ok := m.records[connID]
	m.mu.Unlock()
	if !ok {
		return true
	}
	snap := rec.snapshot()
	return now.Sub(snap.LastPing) > StaleAfter
}

func (m *Monitor) loop(ctx context.Context, connID string, rec *Record) {
	defer m.wg.Done()

	interval := defaultInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			sentAt := time.Now()
			rec.mu.Lock()
			rec.PingCount++
			rec.mu.Unlock()

			if err := m.pinger.SendPing(connID, map[string]any{
				"timestamp": sentAt.UnixMilli(),
			}); err != nil {
				logging.Warn(ctx, "failed to send health ping", zap.String("conn_id", connID), zap.Error(err))
			}

			interval = m.awaitPong(ctx, rec, sentAt, interval)
			timer.Reset(interval)
		}
	}
}

// awaitPong blocks until Pong is recorded for this connection or the pong
// timeout expires, adjusting and returning the next ping interval.
func (m *Monitor) awaitPong(ctx context.Context, rec *Record, sentAt time.Time, interval time.Duration) time.Duration {
	deadline := time.NewTimer(pongTimeout)
	defer deadline.Stop()

	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return interval
		case <-deadline.C:
			rec.mu.Lock()
			rec.Healthy = false
			rec.ReconnectCnt++
			rec.mu.Unlock()
			return clamp(interval-5*time.Second, minInterval, maxInterval)
		case <-poll.C:
			rec.mu.Lock()
			seen := rec.LastPing.After(sentAt)
			rec.mu.Unlock()
			if seen {
				latency := time.Now().Sub(sentAt)
				rec.mu.Lock()
				rec.LatestLatency = latency
				rec.mu.Unlock()
				switch {
				case latency < 100*time.Millisecond:
					interval = clamp(interval+5*time.Second, minInterval, maxInterval)
				case latency > time.Second:
					interval = clamp(interval-2*time.Second, minInterval, maxInterval)
				}
				return interval
			}
		}
	}
}

// RecordPong marks connID's most recent ping as answered. Called from the
// transport pong callback that Hub.greet installs, and by the router's ping
// handler when a client sends its own ping.
func (m *Monitor) RecordPong(connID string) {
	m.mu.Lock()
	rec, ok := m.records[connID]
	m.mu.Unlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.LastPing = time.Now()
	rec.Healthy = true
	rec.mu.Unlock()
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
