package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Cast/internal/core"
	"github.com/dkeye/Cast/internal/domain"
	"github.com/dkeye/Cast/internal/metrics"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// VideoRelay hands out independent subscriptions to the shared video source.
type VideoRelay interface {
	Subscribe() (core.Subscriber, error)
}

type Options struct {
	NegotiationTimeout time.Duration
	StreamID           string
}

const (
	defaultNegotiationTimeout = 10 * time.Second
	defaultStreamID           = "cast"
)

// SessionManager owns the live session set. All sessions share one relay.
type SessionManager struct {
	relay      VideoRelay
	transports core.TransportFactory
	policy     Policy
	opts       Options

	registry *Registry

	evictMu   sync.Mutex
	draining  bool
	evictions sync.WaitGroup
}

func NewSessionManager(relay VideoRelay, transports core.TransportFactory, policy Policy, opts Options) *SessionManager {
	if policy == nil {
		policy = SimplePolicy{}
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = defaultNegotiationTimeout
	}
	if opts.StreamID == "" {
		opts.StreamID = defaultStreamID
	}
	return &SessionManager{
		relay:      relay,
		transports: transports,
		policy:     policy,
		opts:       opts,
		registry:   NewRegistry(),
	}
}

// CreateSession answers a viewer offer with a new session streaming the shared source.
// On failure nothing is left registered and the error matches core.ErrNegotiation.
func (m *SessionManager) CreateSession(ctx context.Context, offer domain.SessionDescription) (*Session, domain.SessionDescription, error) {
	if err := offer.ValidateOffer(); err != nil {
		return nil, domain.SessionDescription{}, m.negotiationError("", err)
	}

	sub, err := m.relay.Subscribe()
	if err != nil {
		return nil, domain.SessionDescription{}, m.negotiationError("", err)
	}

	sid := core.SessionID(uuid.NewString())
	conn, err := m.transports.NewConnection(sid)
	if err != nil {
		sub.Release()
		return nil, domain.SessionDescription{}, m.negotiationError(sid, err)
	}
	if err := conn.AddVideoTrack(sub.Codec(), m.opts.StreamID); err != nil {
		sub.Release()
		conn.Close()
		return nil, domain.SessionDescription{}, m.negotiationError(sid, err)
	}

	s := newSession(sid, conn, sub)
	if err := m.registry.Add(s); err != nil {
		s.close()
		return nil, domain.SessionDescription{}, m.negotiationError(sid, err)
	}
	s.spawn(func() { m.supervise(s) })

	answer, err := m.negotiate(ctx, s, offer)
	if err != nil {
		if m.isDraining() {
			err = fmt.Errorf("%w: %w", ErrManagerClosed, err)
		}
		m.closeSession(s, metrics.ReasonError)
		return nil, domain.SessionDescription{}, m.negotiationError(sid, err)
	}
	if !s.spawn(s.pump) {
		return nil, domain.SessionDescription{}, m.negotiationError(sid, ErrManagerClosed)
	}

	metrics.SessionsCreated.Inc()
	s.logger.Info().Str("codec", sub.Codec()).Msg("session negotiated")
	return s, domain.SessionDescription{SDP: answer.SDP, Type: domain.TypeAnswer}, nil
}

func (m *SessionManager) negotiate(ctx context.Context, s *Session, offer domain.SessionDescription) (*webrtc.SessionDescription, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.NegotiationTimeout)
	defer cancel()
	// a concurrent close aborts the gathering wait
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.conn.Negotiate(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
}

func (m *SessionManager) negotiationError(sid core.SessionID, cause error) error {
	metrics.NegotiationErrors.Inc()
	log.Warn().Str("module", "app.sessions").Str("sid", string(sid)).Err(cause).Msg("negotiation failed")
	return fmt.Errorf("%w: %w", core.ErrNegotiation, cause)
}

// supervise applies transport state events to the session state machine and
// enforces the policy decision.
func (m *SessionManager) supervise(s *Session) {
	states := s.conn.States()
	for {
		select {
		case <-s.ctx.Done():
			return
		case next, ok := <-states:
			if !ok {
				return
			}
			prev, applied := s.sm.Apply(next)
			if !applied {
				s.logger.Debug().Stringer("from", prev).Stringer("to", next).Msg("ignored state transition")
				continue
			}
			s.logger.Info().Stringer("from", prev).Stringer("to", next).Msg("connection state")
			if m.policy.OnStateChange(s.ID, prev, next) == CloseSession {
				m.evict(s, metrics.ReasonFailed)
				return
			}
		}
	}
}

// evict closes s in the background. The supervisor calling it is itself waited
// on by close, so it must not block. Once CloseAll started, s is closed either by
// CloseAll or by whoever already removed it.
func (m *SessionManager) evict(s *Session, reason string) bool {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()
	if m.draining {
		return false
	}
	m.evictions.Add(1)
	go func() {
		defer m.evictions.Done()
		m.closeSession(s, reason)
	}()
	return true
}

func (m *SessionManager) isDraining() bool {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()
	return m.draining
}

func (m *SessionManager) closeSession(s *Session, reason string) {
	if m.registry.Remove(s.ID) {
		metrics.SessionsClosed.WithLabelValues(reason).Inc()
	}
	s.close()
}

// CloseSession tears s down. Safe to call any number of times from any goroutine.
func (m *SessionManager) CloseSession(s *Session) {
	m.closeSession(s, metrics.ReasonClient)
}

func (m *SessionManager) CloseByID(id core.SessionID) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return core.ErrSessionNotFound
	}
	m.CloseSession(s)
	return nil
}

func (m *SessionManager) Get(id core.SessionID) (*Session, bool) {
	return m.registry.Get(id)
}

func (m *SessionManager) List() []domain.SessionInfo {
	sessions := m.registry.Snapshot()
	out := make([]domain.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

func (m *SessionManager) Len() int {
	return m.registry.Len()
}

// CloseAll closes every session concurrently and refuses new ones. It returns
// ctx.Err() if teardown did not finish in time; the live set is empty either way.
func (m *SessionManager) CloseAll(ctx context.Context) error {
	sessions := m.registry.Drain()
	m.evictMu.Lock()
	m.draining = true
	m.evictMu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			metrics.SessionsClosed.WithLabelValues(metrics.ReasonShutdown).Inc()
			s.close()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		m.evictions.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("module", "app.sessions").Int("closed", len(sessions)).Msg("all sessions closed")
		return nil
	case <-ctx.Done():
		log.Warn().Str("module", "app.sessions").Int("closing", len(sessions)).Err(ctx.Err()).Msg("session teardown timed out")
		return ctx.Err()
	}
}
