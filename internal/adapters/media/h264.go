package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dkeye/Cast/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// h264Source groups Annex-B NAL units into access units: parameter sets and SEI
// are carried with the next coded slice.
type h264Source struct {
	f        *os.File
	r        *h264reader.H264Reader
	timeBase core.Rational
	duration time.Duration
	pacer    pacer

	pending *core.Frame
	index   int64

	// last parameter sets seen in the stream
	sps, pps []byte
}

func newH264Source(f *os.File, opts Options) (*h264Source, error) {
	r, err := h264reader.NewReader(f)
	if err != nil {
		return nil, err
	}
	return &h264Source{
		f:        f,
		r:        r,
		timeBase: core.Rational{Num: 1, Den: uint32(opts.FPS)},
		duration: time.Second / time.Duration(opts.FPS),
		pacer:    pacer{realtime: opts.Realtime},
	}, nil
}

func (s *h264Source) Codec() string { return webrtc.MimeTypeH264 }

func (s *h264Source) NextFrame(ctx context.Context) (*core.Frame, error) {
	if s.pending == nil {
		data, err := s.readAccessUnit()
		if err != nil {
			return nil, err
		}
		s.pending = &core.Frame{
			Data:     data,
			PTS:      s.index,
			TimeBase: s.timeBase,
			Duration: s.duration,
		}
		s.index++
	}
	if err := s.pacer.wait(ctx, s.pending.Timestamp()); err != nil {
		return nil, err
	}
	f := s.pending
	s.pending = nil
	return f, nil
}

// readAccessUnit returns the NAL units up to and including the next coded slice.
// IDR units missing their parameter sets get the most recent SPS and PPS, so a
// viewer joining mid-stream can start decoding at the next IDR.
func (s *h264Source) readAccessUnit() ([]byte, error) {
	var au []byte
	var hasSPS, hasPPS bool
	for {
		nal, err := s.r.NextNAL()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, core.ErrSourceExhausted
			}
			return nil, fmt.Errorf("%w: %v", core.ErrSourceExhausted, err)
		}
		switch nal.UnitType {
		case h264reader.NalUnitTypeSPS:
			s.sps, hasSPS = bytes.Clone(nal.Data), true
		case h264reader.NalUnitTypePPS:
			s.pps, hasPPS = bytes.Clone(nal.Data), true
		case h264reader.NalUnitTypeCodedSliceIdr:
			var head []byte
			if !hasSPS && s.sps != nil {
				head = appendNAL(head, s.sps)
			}
			if !hasPPS && s.pps != nil {
				head = appendNAL(head, s.pps)
			}
			au = append(head, au...)
		}
		au = appendNAL(au, nal.Data)
		switch nal.UnitType {
		case h264reader.NalUnitTypeCodedSliceNonIdr, h264reader.NalUnitTypeCodedSliceIdr:
			return au, nil
		}
	}
}

func appendNAL(dst, nal []byte) []byte {
	dst = append(dst, annexBStartCode...)
	return append(dst, nal...)
}

func (s *h264Source) Close() error { return s.f.Close() }
