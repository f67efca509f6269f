// Package frame defines the uncompressed frame container shared by sources,
// streams and codec engines.
package frame

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tarora2/svr/internal/svrerr"
)

// Depth identifies the sample type of a frame channel.
type Depth int

const (
	DepthU8 Depth = iota
	DepthS8
	DepthU16
	DepthS16
	DepthS32
	DepthF32
	DepthF64
)

// Size returns the byte width of one sample.
func (d Depth) Size() int {
	switch d {
	case DepthU8, DepthS8:
		return 1
	case DepthU16, DepthS16:
		return 2
	case DepthS32, DepthF32:
		return 4
	case DepthF64:
		return 8
	}
	return 0
}

func (d Depth) String() string {
	switch d {
	case DepthU8:
		return "u8"
	case DepthS8:
		return "s8"
	case DepthU16:
		return "u16"
	case DepthS16:
		return "s16"
	case DepthS32:
		return "s32"
	case DepthF32:
		return "f32"
	case DepthF64:
		return "f64"
	}
	return "unknown"
}

// Properties describes the fixed shape of the frames a source produces.
// Once installed on a source it never changes.
type Properties struct {
	Width    int
	Height   int
	Depth    Depth
	Channels int
}

// Clone returns a copy of p.
func (p *Properties) Clone() *Properties {
	c := *p
	return &c
}

// Equal reports whether two shapes match exactly.
func (p *Properties) Equal(other *Properties) bool {
	if p == nil || other == nil {
		return p == other
	}
	return *p == *other
}

// FrameSize returns the byte length of one uncompressed frame.
func (p *Properties) FrameSize() int {
	return p.Width * p.Height * p.Channels * p.Depth.Size()
}

// Valid reports whether the shape describes a non-empty frame.
func (p *Properties) Valid() bool {
	return p != nil && p.Width > 0 && p.Height > 0 && p.Channels > 0 && p.Depth.Size() > 0
}

// Format renders the shape in the wire form "w,h,depth,channels".
func (p *Properties) Format() string {
	return fmt.Sprintf("%d,%d,%d,%d", p.Width, p.Height, int(p.Depth), p.Channels)
}

// ParseProperties parses the wire form produced by Format.
func ParseProperties(s string) (*Properties, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, svrerr.Wrap(svrerr.ErrParse, "frame properties %q", s)
	}
	vals := make([]int, 4)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, svrerr.Wrap(svrerr.ErrParse, "frame properties %q", s)
		}
		vals[i] = n
	}
	p := &Properties{Width: vals[0], Height: vals[1], Depth: Depth(vals[2]), Channels: vals[3]}
	if !p.Valid() {
		return nil, svrerr.Wrap(svrerr.ErrInvalidArgument, "frame properties %q", s)
	}
	return p, nil
}

// Frame is one uncompressed picture. Data is laid out row-major, channels
// interleaved, len(Data) == Props.FrameSize().
type Frame struct {
	Props *Properties
	Data  []byte
}

// New allocates a zeroed frame of the given shape.
func New(props *Properties) *Frame {
	return &Frame{Props: props.Clone(), Data: make([]byte, props.FrameSize())}
}

// Matches reports whether the frame's shape equals props.
func (f *Frame) Matches(props *Properties) bool {
	return f != nil && f.Props.Equal(props) && len(f.Data) == props.FrameSize()
}
