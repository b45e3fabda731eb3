// Package lifecycle runs the engine's background maintenance loops: the
// periodic stale-connection sweep, the health heartbeat log, and graceful
// shutdown.
package lifecycle

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/wrightline/meshsignal/internal/v1/logging"
	"github.com/wrightline/meshsignal/internal/v1/session"
)

const (
	sweepInterval  = 60 * time.Second
	healthInterval = 30 * time.Second

	// memoryThresholdBytes is the resident-memory level that triggers an
	// out-of-cycle sweep, approximated with runtime.MemStats.Sys since Go
	// exposes no direct RSS reading without a platform-specific syscall.
	memoryThresholdBytes = 500 * 1 << 20
)

// Supervisor owns the sweep and health-log tickers for one Hub.
type Supervisor struct {
	hub *session.Hub
}

// NewSupervisor builds a Supervisor for hub.
func NewSupervisor(hub *session.Hub) *Supervisor {
	return &Supervisor{hub: hub}
}

// Run blocks until ctx is cancelled, running the sweep and health-log loops
// on independent tickers.
func (s *Supervisor) Run(ctx context.Context) {
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()
	healthTicker := time.NewTicker(healthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			s.sweep(ctx)
		case <-healthTicker.C:
			if s.logHealth(ctx) {
				s.sweep(ctx)
			}
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	removed := s.hub.SweepStale(time.Now())
	if removed > 0 {
		logging.Info(ctx, "stale sweep removed participants", zap.Int("removed", removed))
	}
}

// logHealth emits the 30-second health line and reports whether resident
// memory has crossed memoryThresholdBytes, in which case the caller runs an
// out-of-cycle sweep.
func (s *Supervisor) logHealth(ctx context.Context) bool {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	participants, rooms := s.hub.Stats()
	logging.Info(ctx, "health",
		zap.Int("participants", participants),
		zap.Int("rooms", rooms),
		zap.Uint64("sys_bytes", mem.Sys),
		zap.Uint64("alloc_bytes", mem.Alloc),
	)

	return mem.Sys >= memoryThresholdBytes
}
