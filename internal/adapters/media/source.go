// Package media reads encoded video files and exposes them as core.FrameSource.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/Cast/internal/core"
	"github.com/rs/zerolog/log"
)

const defaultFPS = 30

type Options struct {
	// FPS is used for containers without timing, such as raw H.264.
	FPS int
	// Realtime paces NextFrame to the presentation timestamps.
	Realtime bool
}

// Opener returns a core.SourceOpener bound to opts.
func Opener(opts Options) core.SourceOpener {
	return func(location string) (core.FrameSource, error) {
		return Open(location, opts)
	}
}

// Open opens location and picks a reader by file extension.
func Open(location string, opts Options) (core.FrameSource, error) {
	if opts.FPS <= 0 {
		opts.FPS = defaultFPS
	}
	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSourceUnavailable, err)
	}

	var src core.FrameSource
	switch ext := strings.ToLower(filepath.Ext(location)); ext {
	case ".ivf":
		src, err = newIVFSource(f, opts)
	case ".h264", ".264":
		src, err = newH264Source(f, opts)
	default:
		err = fmt.Errorf("unsupported container %q", ext)
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: %v", core.ErrSourceUnavailable, location, err)
	}
	log.Info().Str("module", "media").Str("location", location).Str("codec", src.Codec()).Msg("source opened")
	return src, nil
}

// pacer holds frames back until their presentation time.
type pacer struct {
	realtime bool
	start    time.Time
}

func (p *pacer) wait(ctx context.Context, at time.Duration) error {
	if !p.realtime {
		return ctx.Err()
	}
	if p.start.IsZero() {
		p.start = time.Now()
	}
	d := time.Until(p.start.Add(at))
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
