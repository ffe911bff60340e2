package main

import (
	"context"
	"log/slog"
	"time"

	"parley/server/internal/core"
)

type statsSource interface {
	Stats() core.Stats
}

// RunMetrics logs hub counters every interval until ctx is canceled. Idle
// ticks (no connections and no new kicks) are skipped.
func RunMetrics(ctx context.Context, hub statsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastKicks uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := hub.Stats()
			if st.Conns == 0 && st.Kicks == lastKicks {
				continue
			}
			slog.Info("metrics",
				"conns", st.Conns,
				"users", st.Users,
				"voice_rooms", st.VoiceRooms,
				"voice_members", st.VoiceMembers,
				"text_groups", st.TextGroups,
				"kicks", st.Kicks,
				"kicks_delta", st.Kicks-lastKicks,
			)
			lastKicks = st.Kicks
		}
	}
}
