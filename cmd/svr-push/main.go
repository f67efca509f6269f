// svr-push connects to a broker, opens a client source and pushes moving
// gradient frames until interrupted. It doubles as a smoke tool against a
// running broker.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tarora2/svr/internal/client"
	"github.com/tarora2/svr/internal/frame"
	"github.com/tarora2/svr/internal/logx"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5520", "broker protocol address")
	name := flag.String("name", "push", "source name")
	descriptor := flag.String("encoding", "jpeg:q=80", "encoding descriptor")
	width := flag.Int("width", 640, "frame width")
	height := flag.Int("height", 480, "frame height")
	fps := flag.Int("fps", 10, "frames per second")
	flag.Parse()

	c, err := client.Dial(*addr, 5*time.Second)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("addr", *addr).Msg("dial")
	}
	defer c.Close()

	src, err := c.OpenSource(*name)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("source", *name).Msg("open source")
	}
	defer func() { _ = src.Close() }()

	if err := src.SetEncoding(*descriptor); err != nil {
		logx.Log.Fatal().Err(err).Str("descriptor", *descriptor).Msg("set encoding")
	}

	props := &frame.Properties{Width: *width, Height: *height, Depth: frame.DepthU8, Channels: 3}
	f := frame.New(props)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(time.Second / time.Duration(*fps))
	defer ticker.Stop()

	logx.Log.Info().Str("source", *name).Str("encoding", *descriptor).Msg("pushing frames")
	phase := 0
	for {
		select {
		case <-sig:
			return
		case <-c.Done():
			logx.Log.Warn().Msg("connection lost")
			return
		case <-ticker.C:
			fill(f, phase)
			phase++
			if err := src.SendFrame(f); err != nil {
				logx.Log.Error().Err(err).Msg("send frame")
				return
			}
		}
	}
}

func fill(f *frame.Frame, phase int) {
	w := f.Props.Width
	for y := 0; y < f.Props.Height; y++ {
		for x := 0; x < w; x++ {
			off := (y*w + x) * 3
			f.Data[off+0] = uint8(x + phase)
			f.Data[off+1] = uint8(y)
			f.Data[off+2] = uint8(phase)
		}
	}
}
