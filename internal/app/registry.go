package app

import (
	"errors"
	"sync"

	"github.com/dkeye/Cast/internal/core"
	"github.com/dkeye/Cast/internal/metrics"
	"github.com/rs/zerolog/log"
)

var (
	ErrManagerClosed    = errors.New("session manager closed")
	ErrDuplicateSession = errors.New("duplicate session id")
)

// Registry is the live session set. Every mutation happens under one lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*Session
	sealed   bool
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.SessionID]*Session)}
}

func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrManagerClosed
	}
	if _, ok := r.sessions[s.ID]; ok {
		return ErrDuplicateSession
	}
	r.sessions[s.ID] = s
	metrics.LiveSessions.Set(float64(len(r.sessions)))
	log.Info().Str("module", "app.registry").Str("sid", string(s.ID)).Int("live", len(r.sessions)).Msg("bound session")
	return nil
}

// Remove reports whether the session was still registered.
func (r *Registry) Remove(sid core.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; !ok {
		return false
	}
	delete(r.sessions, sid)
	metrics.LiveSessions.Set(float64(len(r.sessions)))
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Int("live", len(r.sessions)).Msg("unbind session")
	return true
}

func (r *Registry) Get(sid core.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Drain empties the set and refuses further registrations.
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	out := make([]*Session, 0, len(r.sessions))
	for sid, s := range r.sessions {
		out = append(out, s)
		delete(r.sessions, sid)
	}
	metrics.LiveSessions.Set(0)
	log.Info().Str("module", "app.registry").Int("drained", len(out)).Msg("registry drained")
	return out
}
