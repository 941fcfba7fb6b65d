package broker

import (
	"context"
	"time"
)

// Watchdog periodically scans sessions for idleness and evicts those that
// have gone silent for longer than the configured idleThreshold, per spec.md
// §4.C6's session eviction policy.
type Watchdog struct {
	server        *Server
	checkInterval time.Duration
	idleThreshold time.Duration
}

// NewWatchdog returns a Watchdog that scans server every checkInterval,
// evicting sessions idle beyond idleThreshold.
func NewWatchdog(server *Server, checkInterval, idleThreshold time.Duration) *Watchdog {
	return &Watchdog{server: server, checkInterval: checkInterval, idleThreshold: idleThreshold}
}

// Run blocks, scanning on checkInterval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watchdog) sweep() {
	w.server.mu.RLock()
	idle := make([]*Session, 0)
	now := time.Now()
	for _, sess := range w.server.sessions {
		if now.Sub(sess.LastActivity()) > w.idleThreshold {
			idle = append(idle, sess)
		}
	}
	w.server.mu.RUnlock()

	for _, sess := range idle {
		logger.Warn("evicting idle session", "peer", sess.ID().Short(), "idleFor", now.Sub(sess.LastActivity()))
		sessionsEvictedTotal.Inc()
		w.server.Unregister(sess.ID())
	}
}
