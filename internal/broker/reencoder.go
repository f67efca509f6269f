package broker

import (
	"bytes"
	"sync"
	"time"

	"github.com/tarora2/svr/internal/codec"
	"github.com/tarora2/svr/internal/frame"
	"github.com/tarora2/svr/internal/logx"
	"github.com/tarora2/svr/internal/metrics"
	"github.com/tarora2/svr/internal/options"
	"github.com/tarora2/svr/internal/svrerr"
)

// Reencoder converts a source's encoded byte stream into a stream's
// requested encoding. Implementations are owned by their stream and called
// under the stream lock.
type Reencoder interface {
	// Reencode consumes one chunk and returns any produced bytes. boundary
	// marks the chunk that ends a source frame. A transcoding reencoder
	// drains every complete frame on each call and uses boundary only to end
	// a discard after a decode failure; bytes of an incomplete frame still
	// held by its decoder are not flushed at a boundary.
	Reencode(in []byte, boundary bool) ([]byte, error)
	// Variant names the selected implementation, for inspection and metrics.
	Variant() string
}

// NativeFactory builds a codec-aware reencoder for a registered encoding
// pair. It must preserve frame-boundary semantics.
type NativeFactory func(inOpts, outOpts options.Options, props *frame.Properties) (Reencoder, error)

var (
	nativeMu    sync.RWMutex
	nativeTable = map[[2]string]NativeFactory{}
)

// RegisterNative installs a codec-native reencoder factory for the (in, out)
// encoding pair.
func RegisterNative(in, out string, f NativeFactory) {
	nativeMu.Lock()
	defer nativeMu.Unlock()
	nativeTable[[2]string{in, out}] = f
}

func lookupNative(in, out string) (NativeFactory, bool) {
	nativeMu.RLock()
	defer nativeMu.RUnlock()
	f, ok := nativeTable[[2]string{in, out}]
	return f, ok
}

// SelectReencoder picks the reencoder for a source/stream pair. Selection is
// deterministic: direct copy when encodings match, the encoding advertises
// FlagPassthrough and options are equivalent, then a registered codec-native
// factory, then full decode/encode.
func SelectReencoder(srcEnc codec.Encoding, srcOpts options.Options, dstEnc codec.Encoding, dstOpts options.Options, props *frame.Properties) (Reencoder, error) {
	if srcEnc.Name() == dstEnc.Name() && srcEnc.Flags()&codec.FlagPassthrough != 0 && srcEnc.Equiv(srcOpts, dstOpts) {
		return &directCopy{}, nil
	}
	if f, ok := lookupNative(srcEnc.Name(), dstEnc.Name()); ok {
		return f(srcOpts, dstOpts, props)
	}

	dec, err := srcEnc.NewDecoder(props, srcOpts)
	if err != nil {
		return nil, err
	}
	enc, err := dstEnc.NewEncoder(props, dstOpts)
	if err != nil {
		return nil, err
	}
	return &decodeEncode{dec: dec, enc: enc}, nil
}

// directCopy passes chunks through untouched. Selected when the subscriber
// asked for exactly what the source produces.
type directCopy struct{}

func (directCopy) Variant() string { return "direct" }

func (directCopy) Reencode(in []byte, boundary bool) ([]byte, error) {
	return in, nil
}

// decodeEncode drives a full decoder/encoder pair sharing the stream's
// bound frame shape.
type decodeEncode struct {
	dec    codec.Decoder
	enc    codec.Encoder
	out    bytes.Buffer
	desync bool
}

func (*decodeEncode) Variant() string { return "transcode" }

func (r *decodeEncode) Reencode(in []byte, boundary bool) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.ObserveReencode("transcode", time.Since(start)) }()

	// After a decode failure the engine discards input up to the next frame
	// boundary and resynchronises there.
	if r.desync {
		if boundary {
			r.desync = false
		}
		return nil, nil
	}

	if err := r.dec.WriteData(in); err != nil {
		logx.Log.Warn().Err(err).Msg("reencoder decode desync, discarding to next boundary")
		r.desync = !boundary
		return nil, nil
	}

	r.out.Reset()
	for r.dec.FrameReady() {
		f, err := r.dec.ReadFrame()
		if err != nil {
			logx.Log.Warn().Err(err).Msg("reencoder frame read failed, discarding to next boundary")
			r.desync = !boundary
			return nil, nil
		}
		if err := r.enc.Encode(f); err != nil {
			return nil, svrerr.Wrap(svrerr.ErrInternal, "reencode")
		}
		for r.enc.DataReady() > 0 {
			chunk := make([]byte, r.enc.DataReady())
			n := r.enc.ReadData(chunk)
			if n < 0 {
				return nil, svrerr.Wrap(svrerr.ErrInternal, "encoder returned negative length")
			}
			r.out.Write(chunk[:n])
		}
	}
	if r.out.Len() == 0 {
		return nil, nil
	}
	produced := make([]byte, r.out.Len())
	copy(produced, r.out.Bytes())
	return produced, nil
}
