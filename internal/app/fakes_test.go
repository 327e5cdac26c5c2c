package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Cast/internal/app/sfu"
	"github.com/dkeye/Cast/internal/core"
	"github.com/dkeye/Cast/internal/domain"
	"github.com/pion/webrtc/v4"
)

const testOfferSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func testOffer() domain.SessionDescription {
	return domain.SessionDescription{SDP: testOfferSDP, Type: domain.TypeOffer}
}

// tickSource produces frames forever, one every interval.
type tickSource struct {
	interval time.Duration
	pts      int64
	closed   atomic.Bool
}

func (s *tickSource) NextFrame(ctx context.Context) (*core.Frame, error) {
	select {
	case <-time.After(s.interval):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.pts++
	return &core.Frame{
		Data:     []byte{0x10, byte(s.pts)},
		PTS:      s.pts,
		TimeBase: core.Rational{Num: 1, Den: 30},
		Duration: time.Second / 30,
	}, nil
}

func (s *tickSource) Codec() string { return webrtc.MimeTypeVP8 }
func (s *tickSource) Close() error  { s.closed.Store(true); return nil }

func newTestRelay(t *testing.T) (*sfu.TrackRelay, *tickSource) {
	t.Helper()
	src := &tickSource{interval: time.Millisecond}
	relay := sfu.NewTrackRelay("test.ivf", func(string) (core.FrameSource, error) { return src, nil }, 8)
	t.Cleanup(relay.Close)
	return relay, src
}

type fakeConn struct {
	sid core.SessionID

	mu     sync.Mutex
	mime   string
	frames []*core.Frame

	negotiateErr error
	hold         chan struct{} // Negotiate blocks until closed or ctx is done
	entered      chan struct{}

	states    chan core.ConnectionState
	closes    atomic.Int32
	closeOnce sync.Once
}

func (c *fakeConn) AddVideoTrack(mimeType, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mime = mimeType
	return nil
}

func (c *fakeConn) Negotiate(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if c.entered != nil {
		close(c.entered)
	}
	if c.hold != nil {
		select {
		case <-c.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.negotiateErr != nil {
		return nil, c.negotiateErr
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-for-" + string(c.sid)}, nil
}

func (c *fakeConn) WriteFrame(f *core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) States() <-chan core.ConnectionState { return c.states }

func (c *fakeConn) Close() {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.states) })
}

func (c *fakeConn) written() []*core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*core.Frame(nil), c.frames...)
}

// fakeTransports hands out fakeConns and remembers them by session id.
type fakeTransports struct {
	mu    sync.Mutex
	conns map[core.SessionID]*fakeConn
	// configure, when set, adjusts every new connection before it is returned.
	configure func(*fakeConn)
	err       error
}

func newFakeTransports() *fakeTransports {
	return &fakeTransports{conns: make(map[core.SessionID]*fakeConn)}
}

func (f *fakeTransports) NewConnection(sid core.SessionID) (core.MediaConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{sid: sid, states: make(chan core.ConnectionState, 4)}
	if f.configure != nil {
		f.configure(c)
	}
	f.mu.Lock()
	f.conns[sid] = c
	f.mu.Unlock()
	return c, nil
}

func (f *fakeTransports) conn(sid core.SessionID) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[sid]
}

func (f *fakeTransports) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

var errTransport = errors.New("transport down")

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
