// Package capture hosts server-side frame producers. A capture engine sits
// behind a server source and pushes frames into it like any other producer.
package capture

import (
	"io"
	"time"

	"github.com/tarora2/svr/internal/broker"
	"github.com/tarora2/svr/internal/frame"
	"github.com/tarora2/svr/internal/logx"
	"github.com/tarora2/svr/internal/options"
)

// testPattern generates a moving gradient at a fixed rate. Descriptor
// options: width, height, fps, encoding.
type testPattern struct {
	stop chan struct{}
	done chan struct{}
}

// NewTestPattern starts the generator behind src. It owns a goroutine until
// closed.
func NewTestPattern(src *broker.Source, opts options.Options) (io.Closer, error) {
	props := &frame.Properties{
		Width:    opts.Int("width", 640),
		Height:   opts.Int("height", 480),
		Depth:    frame.DepthU8,
		Channels: 3,
	}
	fps := opts.Int("fps", 10)
	if fps <= 0 {
		fps = 10
	}

	if err := src.SetEncoding(opts.String("encoding", "jpeg")); err != nil {
		return nil, err
	}
	if err := src.SetFrameProperties(props); err != nil {
		return nil, err
	}

	tp := &testPattern{stop: make(chan struct{}), done: make(chan struct{})}
	go tp.run(src, props, fps)
	return tp, nil
}

func (tp *testPattern) run(src *broker.Source, props *frame.Properties, fps int) {
	defer close(tp.done)
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	f := frame.New(props)
	phase := 0
	for {
		select {
		case <-tp.stop:
			return
		case <-ticker.C:
			fillGradient(f, phase)
			phase++
			if err := src.SendFrame(f); err != nil {
				logx.Log.Warn().Err(err).Str("source", src.Name()).Msg("test pattern stopped")
				return
			}
		}
	}
}

func fillGradient(f *frame.Frame, phase int) {
	w := f.Props.Width
	for y := 0; y < f.Props.Height; y++ {
		for x := 0; x < w; x++ {
			off := (y*w + x) * 3
			f.Data[off+0] = uint8(x + phase)
			f.Data[off+1] = uint8(y + phase)
			f.Data[off+2] = uint8(x + y)
		}
	}
}

func (tp *testPattern) Close() error {
	close(tp.stop)
	<-tp.done
	return nil
}
