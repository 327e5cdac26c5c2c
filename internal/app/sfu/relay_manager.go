package sfu

import (
	"sync"

	"github.com/dkeye/Cast/internal/core"
	"github.com/rs/zerolog/log"
)

// RelayManager keeps at most one TrackRelay, and therefore one open FrameSource,
// per source location.
type RelayManager struct {
	open  core.SourceOpener
	depth int

	mu     sync.RWMutex
	relays map[string]*TrackRelay
}

func NewRelayManager(open core.SourceOpener, depth int) *RelayManager {
	return &RelayManager{
		open:   open,
		depth:  depth,
		relays: make(map[string]*TrackRelay),
	}
}

// Relay returns the relay for location, creating it on first use.
func (m *RelayManager) Relay(location string) *TrackRelay {
	m.mu.RLock()
	relay, ok := m.relays[location]
	m.mu.RUnlock()
	if ok {
		return relay
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if relay, ok = m.relays[location]; ok {
		return relay
	}
	relay = NewTrackRelay(location, m.open, m.depth)
	m.relays[location] = relay
	log.Info().Str("module", "relay").Str("location", location).Msg("relay registered")
	return relay
}

// Stats returns a snapshot of every relay.
func (m *RelayManager) Stats() []RelayStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RelayStats, 0, len(m.relays))
	for _, r := range m.relays {
		out = append(out, r.Stats())
	}
	return out
}

// CloseAll stops every relay and forgets them.
func (m *RelayManager) CloseAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*TrackRelay)
	m.mu.Unlock()

	for location, r := range relays {
		r.Close()
		log.Info().Str("module", "relay").Str("location", location).Msg("relay stopped")
	}
}
