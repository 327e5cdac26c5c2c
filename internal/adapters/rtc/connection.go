package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Cast/internal/core"
	"github.com/dkeye/Cast/internal/metrics"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const stateBuffer = 16

var ErrNoVideoTrack = errors.New("no video track")

// WebRTCConnection adapts a pion PeerConnection to core.MediaConnection.
// ICE state callbacks are turned into events on the States channel.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	sid    core.SessionID
	logger zerolog.Logger

	track *webrtc.TrackLocalStaticSample

	mu        sync.Mutex
	closed    bool
	states    chan core.ConnectionState
	closeOnce sync.Once
}

var _ core.MediaConnection = (*WebRTCConnection)(nil)

func newWebRTCConnection(pc *webrtc.PeerConnection, sid core.SessionID) *WebRTCConnection {
	c := &WebRTCConnection{
		pc:     pc,
		sid:    sid,
		logger: log.With().Str("module", "webrtc").Str("sid", string(sid)).Logger(),
		states: make(chan core.ConnectionState, stateBuffer),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		if state, ok := mapICEState(s); ok {
			c.emit(state)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug().Str("peer_connection_state", s.String()).Msg("Peer state")
	})
	return c
}

func mapICEState(s webrtc.ICEConnectionState) (core.ConnectionState, bool) {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return core.StateNew, true
	case webrtc.ICEConnectionStateChecking:
		return core.StateConnecting, true
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return core.StateConnected, true
	case webrtc.ICEConnectionStateDisconnected:
		return core.StateDisconnected, true
	case webrtc.ICEConnectionStateFailed:
		return core.StateFailed, true
	case webrtc.ICEConnectionStateClosed:
		return core.StateClosed, true
	default:
		return core.StateNew, false
	}
}

// emit never blocks the pion callback: when the buffer is full the oldest event is dropped.
func (c *WebRTCConnection) emit(s core.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.states <- s:
			return
		default:
		}
		select {
		case old := <-c.states:
			c.logger.Warn().Str("dropped", old.String()).Msg("state buffer full")
		default:
		}
	}
}

func (c *WebRTCConnection) States() <-chan core.ConnectionState { return c.states }

func (c *WebRTCConnection) AddVideoTrack(mimeType, streamID string) error {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, "video", streamID)
	if err != nil {
		return err
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.track = track
	go c.readRTCP(sender)
	return nil
}

// readRTCP drains viewer feedback for sender until the transport closes.
func (c *WebRTCConnection) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				metrics.PictureLossIndications.Inc()
				c.logger.Debug().Msg("keyframe requested by viewer")
			case *rtcp.ReceiverReport:
				for _, r := range p.Reports {
					c.logger.Trace().
						Uint32("ssrc", r.SSRC).
						Uint8("fraction_lost", r.FractionLost).
						Uint32("jitter", r.Jitter).
						Msg("receiver report")
				}
			}
		}
	}
}

func (c *WebRTCConnection) Negotiate(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) WriteFrame(f *core.Frame) error {
	if c.track == nil {
		return ErrNoVideoTrack
	}
	return c.track.WriteSample(media.Sample{Data: f.Data, Duration: f.Duration})
}

func (c *WebRTCConnection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.states)
		c.mu.Unlock()

		if err := c.pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
	})
}
