package sync

import (
	"context"
	"time"

	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fieldledger/fieldledger/internal/domain"
	"github.com/fieldledger/fieldledger/internal/infra/observability"
)

// Monitor tracks backend reachability and publishes online/offline
// transition events. The daemon wires offline→online transitions to a
// sync drain and a job cache staleness check.
type Monitor struct {
	gw       domain.Gateway
	notifier *Notifier
	log      zerolog.Logger
	interval time.Duration
	online   atomic.Bool
	probed   atomic.Bool // first probe has happened
}

// NewMonitor creates a connectivity monitor.
func NewMonitor(gw domain.Gateway, notifier *Notifier, interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		gw:       gw,
		notifier: notifier,
		log:      log.With().Str("component", "connectivity").Logger(),
		interval: interval,
	}
}

// Online returns the last observed connectivity state.
func (m *Monitor) Online() bool { return m.online.Load() }

// Check probes the backend once, records transitions, and returns the
// current state.
func (m *Monitor) Check(ctx context.Context) bool {
	now := m.gw.Online(ctx)
	prev := m.online.Swap(now)
	first := !m.probed.Swap(true)

	if now {
		observability.Online.Set(1)
	} else {
		observability.Online.Set(0)
	}

	if first || prev != now {
		if now {
			m.log.Info().Msg("backend reachable")
			m.notifier.Publish(Event{Kind: EventOnline})
		} else {
			m.log.Warn().Msg("backend unreachable, operating offline")
			m.notifier.Publish(Event{Kind: EventOffline})
		}
	}
	return now
}

// Watch probes on a fixed interval until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
