package sfu

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Cast/internal/core"
	"github.com/dkeye/Cast/internal/metrics"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateEnded
	TrackStateDelete
)

// OutTrack is one subscriber's buffered view of a TrackRelay.
// Frames are pushed only by the relay loop.
type OutTrack struct {
	id     string
	codec  string
	frames chan *core.Frame
	state  atomic.Int32 // Zero by default (TrackStateOk)

	err       error // valid once ended is closed
	ended     chan struct{}
	endOnce   sync.Once
	released  chan struct{}
	relOnce   sync.Once
	onRelease func(id string)

	dropped atomic.Uint64
}

var _ core.Subscriber = (*OutTrack)(nil)

func NewOutTrack(id, codec string, depth int, onRelease func(string)) *OutTrack {
	if depth < 1 {
		depth = 1
	}
	return &OutTrack{
		id:        id,
		codec:     codec,
		frames:    make(chan *core.Frame, depth),
		ended:     make(chan struct{}),
		released:  make(chan struct{}),
		onRelease: onRelease,
	}
}

func (ot *OutTrack) ID() string      { return ot.id }
func (ot *OutTrack) Codec() string   { return ot.codec }
func (ot *OutTrack) Dropped() uint64 { return ot.dropped.Load() }

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

// push enqueues f, evicting the oldest buffered frame when the buffer is full.
func (ot *OutTrack) push(f *core.Frame) {
	for {
		select {
		case ot.frames <- f:
			return
		default:
		}
		select {
		case <-ot.frames:
			ot.dropped.Add(1)
			metrics.SubscriberDrops.Inc()
		default:
		}
	}
}

// end marks the track as finished with err. Buffered frames stay readable.
func (ot *OutTrack) end(err error) {
	ot.endOnce.Do(func() {
		ot.err = err
		ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateEnded))
		close(ot.ended)
	})
}

func (ot *OutTrack) NextFrame(ctx context.Context) (*core.Frame, error) {
	if ot.GetState() == TrackStateDelete {
		return nil, core.ErrSubscriberClosed
	}
	select {
	case f := <-ot.frames:
		return f, nil
	default:
	}
	select {
	case f := <-ot.frames:
		return f, nil
	case <-ot.ended:
		select {
		case f := <-ot.frames:
			return f, nil
		default:
			return nil, ot.err
		}
	case <-ot.released:
		return nil, core.ErrSubscriberClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ot *OutTrack) Release() {
	ot.relOnce.Do(func() {
		ot.state.Store(int32(TrackStateDelete))
		close(ot.released)
		if ot.onRelease != nil {
			ot.onRelease(ot.id)
		}
	})
}
