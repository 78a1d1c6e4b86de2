package core

import (
	"context"
	"log/slog"
	"time"

	"squawk/internal/protocol"
)

// RunWatchdog periodically evicts sessions whose last ping is older than the
// configured deadline. Blocks until ctx is cancelled.
func RunWatchdog(ctx context.Context, r *Registry) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepStale(time.Now())
		}
	}
}

// SweepStale evicts every session silent past the ping deadline, as of now,
// and returns how many went. Evicted members leave their channel the same
// way a disconnect does; no notice is sent to the evictee itself, whose
// transport is simply closed.
func (r *Registry) SweepStale(now time.Time) int {
	r.mu.Lock()
	var victims []*sessionState
	for _, s := range r.sessions {
		if now.Sub(s.lastPing) > r.opts.PingDeadline {
			victims = append(victims, s)
		}
	}
	for _, s := range victims {
		if r.detachLocked(s) != "" {
			r.broadcastRegisteredLocked(protocol.Message{
				Type:     protocol.TypeChannels,
				Channels: r.snapshotChannelsLocked(),
			})
		}
		delete(r.sessions, s.id)
		close(s.send)
		slog.Info("session evicted", "session_id", s.id, "name", s.name, "silent_for", now.Sub(s.lastPing))
	}
	r.mu.Unlock()

	if n := len(victims); n > 0 {
		r.metrics.AddSessions(-n)
		r.metrics.CountEvictions(n)
		return n
	}
	return 0
}
