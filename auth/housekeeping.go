package auth

import (
	"context"
	"time"
)

// SweepStats reports what one housekeeping pass removed.
type SweepStats struct {
	States   int
	Handoffs int
	Devices  int64
	Limiter  int
	Profiles int
}

// Sweep reclaims expired login states, hand-off tokens, devices and stale
// cached profiles. Store
// failures are logged and the rest of the pass still runs.
func (m *Manager) Sweep(ctx context.Context, now time.Time) SweepStats {
	stats := SweepStats{
		States:   m.states.Sweep(now),
		Handoffs: m.handoffs.Sweep(now),
		Limiter:  m.limiter.Sweep(),
		Profiles: m.sweepProfiles(now),
	}
	n, err := m.store.SweepDevices(ctx, now)
	if err != nil {
		m.logger.Warn("device sweep failed", "error", err)
	}
	stats.Devices = n
	return stats
}

// Run sweeps every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := m.Sweep(ctx, m.now())
			m.logger.Debug("housekeeping",
				"states", stats.States,
				"handoffs", stats.Handoffs,
				"devices", stats.Devices,
				"limiter_keys", stats.Limiter,
				"profiles", stats.Profiles,
			)
		case <-ctx.Done():
			return
		}
	}
}
