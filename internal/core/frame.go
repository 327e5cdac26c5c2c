package core

import (
	"context"
	"time"
)

// Rational is a time base expressed as Num/Den seconds per tick.
type Rational struct {
	Num uint32
	Den uint32
}

// Duration converts ticks in this time base to wall-clock time.
func (r Rational) Duration(ticks int64) time.Duration {
	if r.Den == 0 {
		return 0
	}
	return time.Duration(ticks) * time.Second * time.Duration(r.Num) / time.Duration(r.Den)
}

// Frame is one encoded media frame.
// Frames are shared by pointer between subscribers and must not be modified after publication.
type Frame struct {
	Data     []byte
	PTS      int64
	TimeBase Rational
	Duration time.Duration
	// Seq is assigned by the relay, starting at 1.
	Seq uint64
}

// Timestamp returns the presentation time of the frame relative to the start of the source.
func (f *Frame) Timestamp() time.Duration {
	return f.TimeBase.Duration(f.PTS)
}

// FrameSource wraps one media origin. It has a single read cursor and is not safe
// for concurrent NextFrame calls.
type FrameSource interface {
	// NextFrame blocks until the next frame is due. It returns ErrSourceExhausted
	// when the origin has no more data.
	NextFrame(ctx context.Context) (*Frame, error)
	// Codec returns the MIME type of the frames, e.g. "video/VP8".
	Codec() string
	Close() error
}

// SourceOpener opens the origin at location.
type SourceOpener func(location string) (FrameSource, error)

// Subscriber is one consumer's tap into a shared FrameSource.
type Subscriber interface {
	ID() string
	// NextFrame has the blocking semantics of FrameSource.NextFrame. Errors from the
	// source are returned unchanged once the buffered frames are consumed.
	NextFrame(ctx context.Context) (*Frame, error)
	Codec() string
	// Dropped reports frames discarded because this subscriber fell behind.
	Dropped() uint64
	// Release detaches the subscriber. Idempotent.
	Release()
}
