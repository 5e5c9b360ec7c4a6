package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StatusMonitor periodically checks controller and breaker states and logs changes
type StatusMonitor struct {
	controller ControllerInterface
	breakers   BreakerReporter
	log        zerolog.Logger

	mu           sync.Mutex
	lastRunning  bool
	lastBreakers map[string]string
}

// NewStatusMonitor creates a new status monitor. breakers may be nil.
func NewStatusMonitor(controller ControllerInterface, breakers BreakerReporter, log zerolog.Logger) *StatusMonitor {
	return &StatusMonitor{
		controller:   controller,
		breakers:     breakers,
		log:          log.With().Str("component", "status_monitor").Logger(),
		lastBreakers: make(map[string]string),
	}
}

// Start begins periodic status monitoring until ctx is cancelled
func (m *StatusMonitor) Start(ctx context.Context, interval time.Duration) {
	go m.monitor(ctx, interval)
}

func (m *StatusMonitor) monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.checkStatuses()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkStatuses()
		}
	}
}

// checkStatuses compares current states with the previous check and returns
// the number of transitions seen
func (m *StatusMonitor) checkStatuses() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := 0
	if m.controller != nil {
		running := m.controller.Running()
		if running != m.lastRunning {
			m.log.Info().Bool("running", running).Msg("Controller state changed")
			m.lastRunning = running
			seen++
		}
	}

	if m.breakers != nil {
		for venue, state := range m.breakers.BreakerStates() {
			current := state.String()
			previous, ok := m.lastBreakers[venue]
			if ok && previous == current {
				continue
			}
			if ok || current != "closed" {
				m.log.Warn().
					Str("venue", venue).
					Str("from", previous).
					Str("to", current).
					Msg("Circuit breaker changed")
				seen++
			}
			m.lastBreakers[venue] = current
		}
	}

	return seen
}
