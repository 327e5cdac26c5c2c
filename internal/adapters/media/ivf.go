package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dkeye/Cast/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

var fourCCMime = map[string]string{
	"VP80": webrtc.MimeTypeVP8,
	"VP90": webrtc.MimeTypeVP9,
	"AV01": webrtc.MimeTypeAV1,
}

type ivfSource struct {
	f        *os.File
	r        *ivfreader.IVFReader
	mime     string
	timeBase core.Rational
	pacer    pacer

	pending *core.Frame
	// ahead is the frame after pending; its pts gives pending's duration.
	ahead    *ivfFrame
	aheadErr error
	lastStep int64

	lastPTS int64
	read    bool
}

type ivfFrame struct {
	data []byte
	pts  int64
}

func newIVFSource(f *os.File, opts Options) (*ivfSource, error) {
	r, header, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, err
	}
	mime, ok := fourCCMime[header.FourCC]
	if !ok {
		return nil, fmt.Errorf("unsupported ivf fourcc %q", header.FourCC)
	}
	// the reader divides by the numerator on every frame
	if header.TimebaseNumerator == 0 {
		return nil, fmt.Errorf("invalid ivf time base %d/%d", header.TimebaseNumerator, header.TimebaseDenominator)
	}
	return &ivfSource{
		f:        f,
		r:        r,
		mime:     mime,
		timeBase: core.Rational{Num: header.TimebaseNumerator, Den: header.TimebaseDenominator},
		pacer:    pacer{realtime: opts.Realtime},
		lastStep: 1,
	}, nil
}

func (s *ivfSource) Codec() string { return s.mime }

// readFrame parses the next frame and returns its pts in time base ticks,
// forced strictly above the previous one.
func (s *ivfSource) readFrame() (*ivfFrame, error) {
	data, header, err := s.r.ParseNextFrame()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, core.ErrSourceExhausted
		}
		return nil, fmt.Errorf("%w: %v", core.ErrSourceExhausted, err)
	}
	pts := s.ticks(header.Timestamp)
	if s.read && pts <= s.lastPTS {
		pts = s.lastPTS + 1
	}
	s.lastPTS, s.read = pts, true
	return &ivfFrame{data: data, pts: pts}, nil
}

// ticks undoes the reader's pts*den/num scaling, rounding to the nearest tick.
func (s *ivfSource) ticks(scaled uint64) int64 {
	num, den := uint64(s.timeBase.Num), uint64(s.timeBase.Den)
	return int64((scaled*num + den/2) / den)
}

func (s *ivfSource) NextFrame(ctx context.Context) (*core.Frame, error) {
	if s.pending == nil {
		cur := s.ahead
		s.ahead = nil
		if cur == nil {
			if s.aheadErr != nil {
				return nil, s.aheadErr
			}
			var err error
			if cur, err = s.readFrame(); err != nil {
				return nil, err
			}
		}
		// the last frame keeps the previous frame interval
		if next, err := s.readFrame(); err != nil {
			s.aheadErr = err
		} else {
			s.ahead = next
			s.lastStep = next.pts - cur.pts
		}
		s.pending = &core.Frame{
			Data:     cur.data,
			PTS:      cur.pts,
			TimeBase: s.timeBase,
			Duration: s.timeBase.Duration(s.lastStep),
		}
	}
	if err := s.pacer.wait(ctx, s.pending.Timestamp()); err != nil {
		return nil, err
	}
	f := s.pending
	s.pending = nil
	return f, nil
}

func (s *ivfSource) Close() error { return s.f.Close() }
