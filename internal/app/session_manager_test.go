package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Cast/internal/app/sfu"
	"github.com/dkeye/Cast/internal/core"
	"github.com/dkeye/Cast/internal/domain"
)

func newTestManager(t *testing.T, relay VideoRelay, transports core.TransportFactory) *SessionManager {
	t.Helper()
	m := NewSessionManager(relay, transports, SimplePolicy{}, Options{NegotiationTimeout: 2 * time.Second})
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })
	return m
}

func mustCreate(t *testing.T, m *SessionManager) *Session {
	t.Helper()
	s, answer, err := m.CreateSession(context.Background(), testOffer())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if answer.Type != domain.TypeAnswer || answer.SDP == "" {
		t.Fatalf("answer = %+v", answer)
	}
	return s
}

func TestCreateSessionStreamsFrames(t *testing.T) {
	relay, _ := newTestRelay(t)
	transports := newFakeTransports()
	m := newTestManager(t, relay, transports)

	s := mustCreate(t, m)
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
	if got, ok := m.Get(s.ID); !ok || got != s {
		t.Fatal("Get did not return the created session")
	}

	conn := transports.conn(s.ID)
	if conn.mime != s.Subscriber().Codec() {
		t.Fatalf("track codec = %q, want %q", conn.mime, s.Subscriber().Codec())
	}
	waitFor(t, "frames", func() bool { return len(conn.written()) >= 10 })

	frames := conn.written()
	for i := 1; i < len(frames); i++ {
		if frames[i].Timestamp() <= frames[i-1].Timestamp() {
			t.Fatalf("timestamp went backwards at %d: %v <= %v", i, frames[i].Timestamp(), frames[i-1].Timestamp())
		}
		if frames[i].Seq <= frames[i-1].Seq {
			t.Fatalf("seq not increasing at %d", i)
		}
	}

	infos := m.List()
	if len(infos) != 1 || infos[0].ID != string(s.ID) || infos[0].State != "new" {
		t.Fatalf("List = %+v", infos)
	}
}

func TestCreateSessionRejectsBadOffer(t *testing.T) {
	tests := []struct {
		name  string
		offer domain.SessionDescription
		want  error
	}{
		{"empty sdp", domain.SessionDescription{Type: domain.TypeOffer}, domain.ErrSDPEmpty},
		{"answer type", domain.SessionDescription{SDP: testOfferSDP, Type: domain.TypeAnswer}, domain.ErrNotAnOffer},
		{"garbage", domain.SessionDescription{SDP: "not an sdp", Type: domain.TypeOffer}, domain.ErrSDPMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay, _ := newTestRelay(t)
			transports := newFakeTransports()
			m := newTestManager(t, relay, transports)
			mustCreate(t, m)

			_, _, err := m.CreateSession(context.Background(), tt.offer)
			if !errors.Is(err, core.ErrNegotiation) || !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want ErrNegotiation wrapping %v", err, tt.want)
			}
			if m.Len() != 1 {
				t.Fatalf("Len = %d, want 1", m.Len())
			}
			if transports.count() != 1 {
				t.Fatalf("transport created for a rejected offer")
			}
		})
	}
}

func TestCreateSessionSourceUnavailable(t *testing.T) {
	opens := 0
	relay := sfu.NewTrackRelay("missing.ivf", func(string) (core.FrameSource, error) {
		opens++
		return nil, fmt.Errorf("%w: no such file", core.ErrSourceUnavailable)
	}, 4)
	t.Cleanup(relay.Close)
	m := newTestManager(t, relay, newFakeTransports())

	for i := 0; i < 2; i++ {
		_, _, err := m.CreateSession(context.Background(), testOffer())
		if !errors.Is(err, core.ErrNegotiation) || !errors.Is(err, core.ErrSourceUnavailable) {
			t.Fatalf("err = %v", err)
		}
	}
	if opens != 2 {
		t.Fatalf("opens = %d, want a fresh attempt per negotiation", opens)
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0", m.Len())
	}
}

func TestCreateSessionTransportErrorReleasesSubscriber(t *testing.T) {
	relay, _ := newTestRelay(t)
	transports := newFakeTransports()
	transports.err = errTransport
	m := newTestManager(t, relay, transports)

	_, _, err := m.CreateSession(context.Background(), testOffer())
	if !errors.Is(err, core.ErrNegotiation) || !errors.Is(err, errTransport) {
		t.Fatalf("err = %v", err)
	}
	if n := relay.Stats().Subscribers; n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}

func TestCreateSessionNegotiateFailureCleansUp(t *testing.T) {
	relay, _ := newTestRelay(t)
	transports := newFakeTransports()
	transports.configure = func(c *fakeConn) { c.negotiateErr = errTransport }
	m := newTestManager(t, relay, transports)

	_, _, err := m.CreateSession(context.Background(), testOffer())
	if !errors.Is(err, core.ErrNegotiation) {
		t.Fatalf("err = %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0", m.Len())
	}
	for sid, c := range transports.conns {
		if c.closes.Load() == 0 {
			t.Fatalf("connection %s not closed", sid)
		}
	}
	if n := relay.Stats().Subscribers; n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	relay, _ := newTestRelay(t)
	transports := newFakeTransports()
	m := newTestManager(t, relay, transports)
	s := mustCreate(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.CloseSession(s)
		}()
	}
	wg.Wait()
	m.CloseSession(s)

	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0", m.Len())
	}
	if s.State() != core.StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("session context not cancelled")
	}
	if n := relay.Stats().Subscribers; n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}

	conn := transports.conn(s.ID)
	sent := len(conn.written())
	time.Sleep(20 * time.Millisecond)
	if len(conn.written()) != sent {
		t.Fatal("frames written after close")
	}
}

func TestCloseByID(t *testing.T) {
	relay, _ := newTestRelay(t)
	m := newTestManager(t, relay, newFakeTransports())
	s := mustCreate(t, m)

	if err := m.CloseByID("nope"); !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("unknown id: err = %v", err)
	}
	if err := m.CloseByID(s.ID); err != nil {
		t.Fatalf("CloseByID: %v", err)
	}
	if err := m.CloseByID(s.ID); !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("second CloseByID: err = %v", err)
	}
}

func TestFailedSessionIsEvictedAlone(t *testing.T) {
	relay, _ := newTestRelay(t)
	transports := newFakeTransports()
	m := newTestManager(t, relay, transports)

	sessions := []*Session{mustCreate(t, m), mustCreate(t, m), mustCreate(t, m)}
	failed := transports.conn(sessions[0].ID)
	failed.states <- core.StateConnecting
	failed.states <- core.StateFailed

	waitFor(t, "eviction", func() bool { return m.Len() == 2 })
	if _, ok := m.Get(sessions[0].ID); ok {
		t.Fatal("failed session still registered")
	}
	waitFor(t, "transport close", func() bool { return failed.closes.Load() > 0 })

	for _, s := range sessions[1:] {
		conn := transports.conn(s.ID)
		before := len(conn.written())
		waitFor(t, "frames on surviving session", func() bool { return len(conn.written()) > before+5 })
	}
}

func TestDisconnectedSessionStays(t *testing.T) {
	relay, _ := newTestRelay(t)
	transports := newFakeTransports()
	m := newTestManager(t, relay, transports)
	s := mustCreate(t, m)

	conn := transports.conn(s.ID)
	conn.states <- core.StateConnected
	conn.states <- core.StateDisconnected
	waitFor(t, "disconnected", func() bool { return s.State() == core.StateDisconnected })

	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
}

func TestInvalidTransitionIgnored(t *testing.T) {
	relay, _ := newTestRelay(t)
	transports := newFakeTransports()
	m := newTestManager(t, relay, transports)
	s := mustCreate(t, m)

	conn := transports.conn(s.ID)
	conn.states <- core.StateDisconnected // NEW -> DISCONNECTED is not allowed
	conn.states <- core.StateConnected
	waitFor(t, "connected", func() bool { return s.State() == core.StateConnected })
}

func TestCloseAll(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("%d sessions", n), func(t *testing.T) {
			relay, _ := newTestRelay(t)
			transports := newFakeTransports()
			m := newTestManager(t, relay, transports)
			for i := 0; i < n; i++ {
				mustCreate(t, m)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := m.CloseAll(ctx); err != nil {
				t.Fatalf("CloseAll: %v", err)
			}
			if m.Len() != 0 {
				t.Fatalf("Len = %d, want 0", m.Len())
			}
			for sid, c := range transports.conns {
				if c.closes.Load() == 0 {
					t.Fatalf("connection %s left open", sid)
				}
			}

			_, _, err := m.CreateSession(context.Background(), testOffer())
			if !errors.Is(err, ErrManagerClosed) {
				t.Fatalf("CreateSession after CloseAll: err = %v", err)
			}
		})
	}
}

func TestCloseAllDuringNegotiation(t *testing.T) {
	relay, _ := newTestRelay(t)
	transports := newFakeTransports()
	entered := make(chan struct{})
	transports.configure = func(c *fakeConn) {
		c.hold = make(chan struct{})
		c.entered = entered
	}
	m := newTestManager(t, relay, transports)

	errc := make(chan error, 1)
	go func() {
		_, _, err := m.CreateSession(context.Background(), testOffer())
		errc <- err
	}()
	<-entered

	if err := m.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, core.ErrNegotiation) || !errors.Is(err, ErrManagerClosed) {
			t.Fatalf("err = %v, want ErrNegotiation wrapping ErrManagerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("negotiation not aborted by CloseAll")
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0", m.Len())
	}
}

func TestSessionKeepsRunningAfterSourceEnds(t *testing.T) {
	src := make(chan *core.Frame)
	relay := sfu.NewTrackRelay("short.ivf", func(string) (core.FrameSource, error) {
		return &chanSource{frames: src}, nil
	}, 4)
	t.Cleanup(relay.Close)
	transports := newFakeTransports()
	m := newTestManager(t, relay, transports)

	s := mustCreate(t, m)
	src <- &core.Frame{Data: []byte{1}, PTS: 1, TimeBase: core.Rational{Num: 1, Den: 30}}
	close(src)

	conn := transports.conn(s.ID)
	waitFor(t, "frame", func() bool { return len(conn.written()) == 1 })
	waitFor(t, "relay end", func() bool { return relay.Stats().Err != "" })
	if m.Len() != 1 {
		t.Fatalf("Len = %d, session should stay after end of stream", m.Len())
	}

	late := mustCreate(t, m)
	if _, err := late.Subscriber().NextFrame(context.Background()); !errors.Is(err, core.ErrSourceExhausted) {
		t.Fatalf("late subscriber: err = %v, want ErrSourceExhausted", err)
	}
}

func TestShutdownCoordinator(t *testing.T) {
	relays := sfu.NewRelayManager(func(string) (core.FrameSource, error) {
		return &tickSource{interval: time.Millisecond}, nil
	}, 4)
	relay := relays.Relay("a.ivf")
	m := NewSessionManager(relay, newFakeTransports(), nil, Options{})
	for i := 0; i < 3; i++ {
		mustCreate(t, m)
	}

	c := NewShutdownCoordinator(m, relays, time.Second)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0", m.Len())
	}
	if relay.Stats().Running {
		t.Fatal("relay still running")
	}
	if len(relays.Stats()) != 0 {
		t.Fatal("relay manager still holds relays")
	}
}

// chanSource yields frames from a channel and is exhausted once it is closed.
type chanSource struct {
	frames chan *core.Frame
}

func (s *chanSource) NextFrame(ctx context.Context) (*core.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, core.ErrSourceExhausted
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanSource) Codec() string { return "video/VP8" }
func (s *chanSource) Close() error  { return nil }

func TestEvictAfterCloseAllIsRefused(t *testing.T) {
	relay, _ := newTestRelay(t)
	m := newTestManager(t, relay, newFakeTransports())
	if err := m.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	s := registrySession(t, "late")
	if m.evict(s, "failed") {
		t.Fatal("eviction scheduled after CloseAll")
	}
	select {
	case <-s.Done():
		t.Fatal("refused eviction closed the session")
	default:
	}
}

func TestFailuresRacingCloseAll(t *testing.T) {
	relay, _ := newTestRelay(t)
	transports := newFakeTransports()
	m := newTestManager(t, relay, transports)

	sessions := make([]*Session, 0, 12)
	for i := 0; i < cap(sessions); i++ {
		sessions = append(sessions, mustCreate(t, m))
	}
	for i, s := range sessions {
		transports.conn(s.ID).states <- core.StateFailed
		if i%3 == 0 {
			go m.CloseSession(s)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0", m.Len())
	}
	for _, s := range sessions {
		waitFor(t, "session closed", func() bool { return transports.conn(s.ID).closes.Load() > 0 })
	}
}
