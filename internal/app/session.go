package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Cast/internal/core"
	"github.com/dkeye/Cast/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session is one negotiated transport connection to one viewer. It uses the shared
// source through its subscriber but owns neither.
type Session struct {
	ID        core.SessionID
	CreatedAt time.Time

	conn   core.MediaConnection
	sub    core.Subscriber
	sm     *ConnectionStateMachine
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closing   bool
	wg        sync.WaitGroup
	closeOnce sync.Once

	sent atomic.Uint64
}

func newSession(sid core.SessionID, conn core.MediaConnection, sub core.Subscriber) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        sid,
		CreatedAt: time.Now(),
		conn:      conn,
		sub:       sub,
		sm:        NewConnectionStateMachine(),
		logger:    log.With().Str("module", "app.session").Str("sid", string(sid)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Session) State() core.ConnectionState { return s.sm.State() }

func (s *Session) Subscriber() core.Subscriber { return s.sub }

// Done is closed once the session started closing.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) Info() domain.SessionInfo {
	return domain.SessionInfo{
		ID:            string(s.ID),
		State:         s.State().String(),
		CreatedAt:     s.CreatedAt,
		FramesSent:    s.sent.Load(),
		FramesDropped: s.sub.Dropped(),
	}
}

// spawn runs fn as a session goroutine unless the session is already closing.
func (s *Session) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// pump copies frames from the subscriber to the transport until the track ends
// or the session closes.
func (s *Session) pump() {
	for {
		f, err := s.sub.NextFrame(s.ctx)
		if err != nil {
			switch {
			case s.ctx.Err() != nil, errors.Is(err, core.ErrSubscriberClosed):
			case errors.Is(err, core.ErrSourceExhausted):
				s.logger.Info().Uint64("sent", s.sent.Load()).Msg("video track ended")
			default:
				s.logger.Error().Err(err).Msg("video track failed")
			}
			return
		}
		if err := s.conn.WriteFrame(f); err != nil {
			s.logger.Warn().Err(err).Uint64("seq", f.Seq).Msg("write frame")
			continue
		}
		s.sent.Add(1)
	}
}

// close tears the session down once; concurrent callers wait for the first one.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		s.cancel()
		s.sub.Release()
		s.conn.Close()
		s.sm.Close()
		s.wg.Wait()
		s.logger.Info().Uint64("sent", s.sent.Load()).Msg("session closed")
	})
}
