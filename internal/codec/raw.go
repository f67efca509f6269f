package codec

import (
	"github.com/tarora2/svr/internal/frame"
	"github.com/tarora2/svr/internal/options"
	"github.com/tarora2/svr/internal/svrerr"
)

func init() {
	Register(rawEncoding{})
}

// rawEncoding transports frames as-is: the encoded form of a frame is its
// uncompressed bytes. Frame boundaries fall every FrameSize bytes.
type rawEncoding struct{}

func (rawEncoding) Name() string { return "raw" }

func (rawEncoding) Flags() Flags {
	return FlagPassthrough | FlagLossless | FlagBoundaryAfterDrain
}

func (rawEncoding) Equiv(a, b options.Options) bool {
	// Raw output is shaped by frame properties alone.
	return true
}

func (rawEncoding) NewEncoder(props *frame.Properties, opts options.Options) (Encoder, error) {
	if !props.Valid() {
		return nil, svrerr.Wrap(svrerr.ErrInvalidArgument, "raw encoder properties")
	}
	return &rawEncoder{props: props.Clone()}, nil
}

func (rawEncoding) NewDecoder(props *frame.Properties, opts options.Options) (Decoder, error) {
	if !props.Valid() {
		return nil, svrerr.Wrap(svrerr.ErrInvalidArgument, "raw decoder properties")
	}
	return &rawDecoder{props: props.Clone()}, nil
}

type rawEncoder struct {
	props   *frame.Properties
	pending []byte
}

func (e *rawEncoder) Encode(f *frame.Frame) error {
	if !f.Matches(e.props) {
		return svrerr.Wrap(svrerr.ErrInvalidArgument, "frame shape mismatch")
	}
	e.pending = append(e.pending, f.Data...)
	return nil
}

func (e *rawEncoder) DataReady() int { return len(e.pending) }

func (e *rawEncoder) ReadData(buf []byte) int {
	n := copy(buf, e.pending)
	e.pending = e.pending[:copy(e.pending, e.pending[n:])]
	return n
}

type rawDecoder struct {
	props   *frame.Properties
	pending []byte
}

func (d *rawDecoder) WriteData(data []byte) error {
	d.pending = append(d.pending, data...)
	return nil
}

func (d *rawDecoder) FrameReady() bool {
	return len(d.pending) >= d.props.FrameSize()
}

func (d *rawDecoder) ReadFrame() (*frame.Frame, error) {
	size := d.props.FrameSize()
	if len(d.pending) < size {
		return nil, svrerr.Wrap(svrerr.ErrInvalidState, "no frame pending")
	}
	f := frame.New(d.props)
	copy(f.Data, d.pending[:size])
	d.pending = d.pending[:copy(d.pending, d.pending[size:])]
	return f, nil
}
