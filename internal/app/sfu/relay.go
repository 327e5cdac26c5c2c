package sfu

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Cast/internal/core"
	"github.com/dkeye/Cast/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrRelayClosed = errors.New("relay closed")

// RelayStats is a snapshot of one relay.
type RelayStats struct {
	Location    string `json:"location"`
	Codec       string `json:"codec,omitempty"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Running     bool   `json:"running"`
	Err         string `json:"error,omitempty"`
}

// TrackRelay reads one FrameSource in a single loop and fans every frame out to
// its OutTracks. The source is opened by the first Subscribe.
type TrackRelay struct {
	location string
	open     core.SourceOpener
	depth    int
	logger   zerolog.Logger

	mu        sync.Mutex
	src       core.FrameSource
	codec     string
	outTracks map[string]*OutTrack
	err       error // terminal error of the read loop
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}

	seq       atomic.Uint64
	published atomic.Uint64
}

func NewTrackRelay(location string, open core.SourceOpener, depth int) *TrackRelay {
	return &TrackRelay{
		location:  location,
		open:      open,
		depth:     depth,
		logger:    log.With().Str("module", "relay").Str("location", location).Logger(),
		outTracks: make(map[string]*OutTrack),
	}
}

// Subscribe returns a new OutTrack receiving every frame produced from now on.
func (r *TrackRelay) Subscribe() (core.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: %w", core.ErrSourceUnavailable, ErrRelayClosed)
	}
	if r.src == nil && r.err == nil {
		src, err := r.open(r.location)
		if err != nil {
			r.logger.Error().Err(err).Msg("open source")
			return nil, err
		}
		r.src = src
		r.codec = src.Codec()

		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.done = make(chan struct{})
		r.logger.Info().Str("codec", r.codec).Msg("starting relay loop")
		go r.loop(ctx, src)
	}

	ot := NewOutTrack(uuid.NewString(), r.codec, r.depth, r.remove)
	if r.err != nil {
		ot.end(r.err)
		return ot, nil
	}
	r.outTracks[ot.id] = ot
	r.logger.Debug().Str("subscriber", ot.id).Int("subscribers", len(r.outTracks)).Msg("subscriber added")
	return ot, nil
}

// loop reads frames from the source and forwards them to all OutTracks.
func (r *TrackRelay) loop(ctx context.Context, src core.FrameSource) {
	defer close(r.done)
	defer func() {
		if err := src.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("close source")
		}
	}()

	for {
		f, err := src.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info().Msg("relay ctx done, ending all out tracks")
				err = core.ErrSourceExhausted
			} else {
				r.logger.Info().Err(err).Uint64("published", r.published.Load()).Msg("source ended, stopping relay")
			}
			r.finish(err)
			return
		}
		r.forward(f)
	}
}

func (r *TrackRelay) forward(f *core.Frame) {
	f.Seq = r.seq.Add(1)

	r.mu.Lock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.Unlock()

	for _, ot := range snapshot {
		if ot.GetState() != TrackStateOk {
			continue
		}
		ot.push(f)
	}
	r.published.Add(1)
	metrics.FramesRelayed.Inc()
}

func (r *TrackRelay) finish(err error) {
	r.mu.Lock()
	r.err = err
	snapshot := maps.Clone(r.outTracks)
	r.mu.Unlock()

	for _, ot := range snapshot {
		ot.end(err)
	}
}

func (r *TrackRelay) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outTracks, id)
	r.logger.Debug().Str("subscriber", id).Int("subscribers", len(r.outTracks)).Msg("subscriber removed")
}

// Close stops the read loop and ends every OutTrack. Idempotent.
func (r *TrackRelay) Close() {
	r.mu.Lock()
	r.closed = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *TrackRelay) Stats() RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RelayStats{
		Location:    r.location,
		Codec:       r.codec,
		Subscribers: len(r.outTracks),
		Published:   r.published.Load(),
		Running:     r.src != nil && r.err == nil,
	}
	if r.err != nil {
		st.Err = r.err.Error()
	}
	return st
}
