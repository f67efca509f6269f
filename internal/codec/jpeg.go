package codec

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/tarora2/svr/internal/frame"
	"github.com/tarora2/svr/internal/options"
	"github.com/tarora2/svr/internal/svrerr"
)

func init() {
	Register(jpegEncoding{})
}

const jpegDefaultQuality = 80

// jpegEncoding carries frames as a sequence of self-delimited JFIF images,
// one per frame. Only 8-bit frames with one or three channels are supported.
type jpegEncoding struct{}

func (jpegEncoding) Name() string { return "jpeg" }

func (jpegEncoding) Flags() Flags {
	return FlagPassthrough | FlagBoundaryAfterDrain
}

func (jpegEncoding) Equiv(a, b options.Options) bool {
	return a.Int("q", jpegDefaultQuality) == b.Int("q", jpegDefaultQuality)
}

func jpegCheckProps(props *frame.Properties) error {
	if !props.Valid() || props.Depth != frame.DepthU8 || (props.Channels != 1 && props.Channels != 3) {
		return svrerr.Wrap(svrerr.ErrInvalidArgument, "jpeg supports u8 frames with 1 or 3 channels")
	}
	return nil
}

func (jpegEncoding) NewEncoder(props *frame.Properties, opts options.Options) (Encoder, error) {
	if err := jpegCheckProps(props); err != nil {
		return nil, err
	}
	return &jpegEncoder{
		props:   props.Clone(),
		quality: opts.Int("q", jpegDefaultQuality),
	}, nil
}

func (jpegEncoding) NewDecoder(props *frame.Properties, opts options.Options) (Decoder, error) {
	if err := jpegCheckProps(props); err != nil {
		return nil, err
	}
	return &jpegDecoder{props: props.Clone()}, nil
}

type jpegEncoder struct {
	props   *frame.Properties
	quality int
	pending []byte
}

func (e *jpegEncoder) Encode(f *frame.Frame) error {
	if !f.Matches(e.props) {
		return svrerr.Wrap(svrerr.ErrInvalidArgument, "frame shape mismatch")
	}

	var img image.Image
	rect := image.Rect(0, 0, e.props.Width, e.props.Height)
	switch e.props.Channels {
	case 1:
		gray := image.NewGray(rect)
		copy(gray.Pix, f.Data)
		img = gray
	case 3:
		rgba := image.NewRGBA(rect)
		for i, j := 0, 0; i < len(f.Data); i, j = i+3, j+4 {
			rgba.Pix[j+0] = f.Data[i+0]
			rgba.Pix[j+1] = f.Data[i+1]
			rgba.Pix[j+2] = f.Data[i+2]
			rgba.Pix[j+3] = 0xff
		}
		img = rgba
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return svrerr.Wrap(svrerr.ErrInternal, "jpeg encode")
	}
	e.pending = append(e.pending, buf.Bytes()...)
	return nil
}

func (e *jpegEncoder) DataReady() int { return len(e.pending) }

func (e *jpegEncoder) ReadData(buf []byte) int {
	n := copy(buf, e.pending)
	e.pending = e.pending[:copy(e.pending, e.pending[n:])]
	return n
}

type jpegDecoder struct {
	props   *frame.Properties
	pending []byte
}

// jfifEnd locates the end of the first complete JFIF image in data, scanning
// for the EOI marker. Returns -1 when the image is still incomplete.
func jfifEnd(data []byte) int {
	for i := 2; i+1 < len(data); i++ {
		if data[i] == 0xff && data[i+1] == 0xd9 {
			return i + 2
		}
	}
	return -1
}

func (d *jpegDecoder) WriteData(data []byte) error {
	d.pending = append(d.pending, data...)
	return nil
}

func (d *jpegDecoder) FrameReady() bool {
	return jfifEnd(d.pending) >= 0
}

func (d *jpegDecoder) ReadFrame() (*frame.Frame, error) {
	end := jfifEnd(d.pending)
	if end < 0 {
		return nil, svrerr.Wrap(svrerr.ErrInvalidState, "no frame pending")
	}
	img, err := jpeg.Decode(bytes.NewReader(d.pending[:end]))
	d.pending = d.pending[:copy(d.pending, d.pending[end:])]
	if err != nil {
		return nil, svrerr.Wrap(svrerr.ErrInvalidArgument, "jpeg decode")
	}

	f := frame.New(d.props)
	bounds := img.Bounds()
	if bounds.Dx() != d.props.Width || bounds.Dy() != d.props.Height {
		return nil, svrerr.Wrap(svrerr.ErrInvalidArgument, "decoded shape mismatch")
	}
	switch d.props.Channels {
	case 1:
		for y := 0; y < d.props.Height; y++ {
			for x := 0; x < d.props.Width; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				// ITU-R BT.601 luma
				f.Data[y*d.props.Width+x] = uint8((299*(r>>8) + 587*(g>>8) + 114*(b>>8)) / 1000)
			}
		}
	case 3:
		for y := 0; y < d.props.Height; y++ {
			for x := 0; x < d.props.Width; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				off := (y*d.props.Width + x) * 3
				f.Data[off+0] = uint8(r >> 8)
				f.Data[off+1] = uint8(g >> 8)
				f.Data[off+2] = uint8(b >> 8)
			}
		}
	}
	return f, nil
}
