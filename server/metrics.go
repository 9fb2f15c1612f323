package main

import (
	"context"
	"log"
	"time"

	"voicechat/server/internal/session"
)

// RunMetrics logs the online session count every interval, skipping ticks
// with nobody online, until ctx is canceled. The registry and session table
// carry no byte/datagram counters (each session relays its own audio in the
// session layer, not accounted centrally), so this reports the one
// cross-cutting number the server authoritatively tracks.
func RunMetrics(ctx context.Context, srv *session.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := srv.OnlineCount(); n > 0 {
				log.Printf("[metrics] online=%d", n)
			}
		}
	}
}
