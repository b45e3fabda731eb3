package lifecycle

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wrightline/meshsignal/internal/v1/logging"
	"github.com/wrightline/meshsignal/internal/v1/session"
)

const (
	softDeadline     = 5 * time.Second
	hardDeadline     = 15 * time.Second
	expectedDowntime = 30 * time.Second

	drainPollInterval = 50 * time.Millisecond
)

// WaitForShutdownSignal blocks until SIGTERM, SIGINT, SIGUSR2, or SIGHUP is
// received, then runs the graceful shutdown sequence (spec.md §4.9) against
// hub and srv: snapshot, broadcast, drain with a 5-second soft deadline
// followed by a force-close, then stop the HTTP listener and exit 0. A
// 15-second hard deadline runs independently and calls exit(1) if the soft
// path hasn't finished by then. Never returns.
func WaitForShutdownSignal(hub *session.Hub, srv *http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2, syscall.SIGHUP)
	sig := <-quit

	ctx := context.Background()
	logging.Info(ctx, "shutdown signal received, starting graceful shutdown", zap.String("signal", sig.String()))

	hardTimer := time.AfterFunc(hardDeadline, func() {
		logging.Error(ctx, "hard shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	})
	defer hardTimer.Stop()

	hub.BroadcastShutdown(
		"The server is restarting. Please reconnect shortly.",
		hub.Snapshot(),
		expectedDowntime,
	)

	drainConnections(hub)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(ctx, "http server did not shut down cleanly", zap.Error(err))
	}

	logging.Info(ctx, "graceful shutdown complete")
	os.Exit(0)
}

// drainConnections waits up to softDeadline for clients to disconnect on
// their own, then force-closes whatever remains.
func drainConnections(hub *session.Hub) {
	deadline := time.NewTimer(softDeadline)
	defer deadline.Stop()
	poll := time.NewTicker(drainPollInterval)
	defer poll.Stop()

	for {
		if hub.LiveConnections() == 0 {
			return
		}
		select {
		case <-deadline.C:
			logging.Warn(context.Background(), "soft shutdown deadline reached, forcing remaining connections closed",
				zap.Int("remaining", hub.LiveConnections()))
			hub.CloseAllConnections()
			return
		case <-poll.C:
		}
	}
}
