// Package codec defines the encoding registry and the streaming
// encoder/decoder contracts. Codec engines are stateful, bound to a fixed
// frame shape, and owned by a single source or stream; they are not safe for
// concurrent use.
package codec

import (
	"sort"
	"sync"

	"github.com/tarora2/svr/internal/frame"
	"github.com/tarora2/svr/internal/options"
	"github.com/tarora2/svr/internal/svrerr"
)

// Flags advertise codec capabilities used by the reencoder planner.
type Flags uint8

const (
	// FlagPassthrough means byte-exact passthrough between identical
	// encodings is possible.
	FlagPassthrough Flags = 1 << 0
	// FlagInterframe means the codec exploits inter-frame redundancy, so
	// chunks are only meaningful from a frame boundary.
	FlagInterframe Flags = 1 << 1
	// FlagLossless means decode(encode(f)) reproduces f exactly.
	FlagLossless Flags = 1 << 2
	// FlagBoundaryAfterDrain means the encoder cannot emit explicit frame
	// boundaries; the caller asserts one when a drain empties the engine.
	FlagBoundaryAfterDrain Flags = 1 << 3
)

// Encoder is a push-in/pull-out engine: one uncompressed frame in, encoded
// bytes out.
type Encoder interface {
	// Encode pushes one frame matching the bound properties.
	Encode(f *frame.Frame) error
	// DataReady returns the number of encoded bytes pending.
	DataReady() int
	// ReadData drains up to len(buf) pending bytes and returns the count.
	ReadData(buf []byte) int
}

// Decoder is the dual of Encoder: encoded bytes in, frames out.
type Decoder interface {
	// WriteData feeds encoded bytes into the engine.
	WriteData(data []byte) error
	// FrameReady reports whether a complete frame can be read.
	FrameReady() bool
	// ReadFrame returns the next decoded frame.
	ReadFrame() (*frame.Frame, error)
}

// Encoding is a named codec factory.
type Encoding interface {
	Name() string
	Flags() Flags
	NewEncoder(props *frame.Properties, opts options.Options) (Encoder, error)
	NewDecoder(props *frame.Properties, opts options.Options) (Decoder, error)
	// Equiv reports whether two option sets produce byte-compatible output,
	// making direct copy legal.
	Equiv(a, b options.Options) bool
}

var (
	mu       sync.RWMutex
	registry = map[string]Encoding{}
)

// Register adds an encoding to the process-wide registry. Registration
// happens at startup, before any network traffic.
func Register(e Encoding) {
	mu.Lock()
	defer mu.Unlock()
	registry[e.Name()] = e
}

// Get looks up an encoding by name.
func Get(name string) (Encoding, error) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := registry[name]
	if !ok {
		return nil, svrerr.Wrap(svrerr.ErrNoSuchEncoding, "encoding %q", name)
	}
	return e, nil
}

// Names returns the registered encoding names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByDescriptor parses an option descriptor and resolves its encoding.
func ByDescriptor(descriptor string) (Encoding, options.Options, error) {
	opts, err := options.Parse(descriptor)
	if err != nil {
		return nil, nil, svrerr.Wrap(svrerr.ErrParse, "descriptor %q", descriptor)
	}
	e, err := Get(opts.Name())
	if err != nil {
		return nil, nil, err
	}
	return e, opts, nil
}
