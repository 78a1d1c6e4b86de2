package main

import (
	"context"
	"log/slog"
	"time"

	"squawk/internal/core"
)

// RunMetrics logs relay throughput every interval until ctx is cancelled.
// Counters are windowed: each line covers only the interval since the last.
// Quiet intervals with no sessions and no traffic log nothing.
func RunMetrics(ctx context.Context, registry *core.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := registry.Stats()
			if stats.Sessions == 0 && stats.FramesIn == 0 {
				continue
			}
			slog.Info("relay stats",
				"sessions", stats.Sessions,
				"channels", stats.Channels,
				"frames_in", stats.FramesIn,
				"frames_mixed", stats.FramesMixed,
				"bytes_in", stats.BytesIn,
				"kbps_in", float64(stats.BytesIn)*8/interval.Seconds()/1000,
			)
		}
	}
}
