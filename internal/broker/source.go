package broker

import (
	"io"
	"sort"

	"github.com/tarora2/svr/internal/codec"
	"github.com/tarora2/svr/internal/frame"
	"github.com/tarora2/svr/internal/logx"
	"github.com/tarora2/svr/internal/metrics"
	"github.com/tarora2/svr/internal/options"
	"github.com/tarora2/svr/internal/svrerr"
)

// SourceKind distinguishes client-fed sources from server-side captures.
type SourceKind string

const (
	SourceClient SourceKind = "client"
	SourceServer SourceKind = "server"
)

// Prefix returns the listing prefix for the kind ("c:" or "s:").
func (k SourceKind) Prefix() string {
	if k == SourceServer {
		return "s:"
	}
	return "c:"
}

// binding is the (encoding, options, properties) triple a stream's reencoder
// is built against. gen changes whenever any of the three does; streams
// compare generations to rebuild lazily.
type binding struct {
	enc   codec.Encoding
	opts  options.Options
	props *frame.Properties
	gen   uint64
}

// Source is a named ingress: it owns the current encoding, its encoder
// engine, the pinned frame shape and the set of attached streams. All
// mutation happens under the source lock.
type Source struct {
	Lockable

	name  string
	kind  SourceKind
	owner string // session id of the opening client; empty for server sources

	props        *frame.Properties
	encoding     codec.Encoding
	encodingOpts options.Options
	encoder      codec.Encoder
	gen          uint64

	streams map[string]*Stream

	payloadSize  int
	payload      []byte
	closed       bool
	atFrameStart bool

	// server-source capture engine, closed with the source
	capture io.Closer

	framesIn uint64
	bytesIn  uint64
}

func newSource(name string, kind SourceKind, owner string, payloadSize int) *Source {
	return &Source{
		name:         name,
		kind:         kind,
		owner:        owner,
		streams:      make(map[string]*Stream),
		payloadSize:  payloadSize,
		payload:      make([]byte, payloadSize),
		atFrameStart: true,
	}
}

// Name returns the source name.
func (s *Source) Name() string { return s.name }

// Kind returns the source kind.
func (s *Source) Kind() SourceKind { return s.kind }

// SetEncoding parses the descriptor, resolves the encoding and replaces the
// source's encoding and options. An existing encoder is discarded; the next
// frame rebuilds it. Attached streams observe the generation change and
// rebuild their reencoders lazily.
func (s *Source) SetEncoding(descriptor string) error {
	enc, opts, err := codec.ByDescriptor(descriptor)
	if err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()
	if s.closed {
		return svrerr.Wrap(svrerr.ErrInvalidState, "source %q closed", s.name)
	}
	s.encoding = enc
	s.encodingOpts = opts
	s.encoder = nil
	s.gen++
	return nil
}

// SetFrameProperties installs or replaces the pinned frame shape. An encoder
// built for a different shape is discarded.
func (s *Source) SetFrameProperties(props *frame.Properties) error {
	if !props.Valid() {
		return svrerr.Wrap(svrerr.ErrInvalidArgument, "frame properties")
	}

	s.Lock()
	defer s.Unlock()
	if s.closed {
		return svrerr.Wrap(svrerr.ErrInvalidState, "source %q closed", s.name)
	}
	if s.props.Equal(props) {
		return nil
	}
	s.props = props.Clone()
	s.encoder = nil
	s.gen++
	return nil
}

// Properties returns a copy of the pinned shape, or nil.
func (s *Source) Properties() *frame.Properties {
	s.Lock()
	defer s.Unlock()
	if s.props == nil {
		return nil
	}
	return s.props.Clone()
}

func (s *Source) bindingLocked() binding {
	return binding{enc: s.encoding, opts: s.encodingOpts, props: s.props, gen: s.gen}
}

// orderedStreamsLocked returns attached streams sorted by id. Delivery takes
// stream locks in this order; every multi-stream path must do the same.
func (s *Source) orderedStreamsLocked() []*Stream {
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Stream, len(ids))
	for i, id := range ids {
		out[i] = s.streams[id]
	}
	return out
}

func (s *Source) fanOutLocked(chunk []byte, boundary bool) {
	b := s.bindingLocked()
	frameStart := s.atFrameStart
	for _, st := range s.orderedStreamsLocked() {
		st.Lock()
		st.deliverLocked(chunk, boundary, frameStart, b)
		st.Unlock()
	}
	s.atFrameStart = boundary
}

// SendFrame is the hot path for frames produced in-process (server-source
// capture engines). With the source lock held it pins properties
// on first use, rejects shape mismatches, lazily constructs the encoder,
// pushes the frame and drains the encoder in payload-sized chunks, handing
// each chunk to every attached stream.
func (s *Source) SendFrame(f *frame.Frame) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return svrerr.Wrap(svrerr.ErrInvalidState, "source %q closed", s.name)
	}
	if s.encoding == nil {
		return svrerr.Wrap(svrerr.ErrInvalidState, "source %q has no encoding", s.name)
	}

	if s.props == nil {
		if !f.Props.Valid() {
			return svrerr.Wrap(svrerr.ErrInvalidArgument, "frame properties")
		}
		s.props = f.Props.Clone()
		s.gen++
	}
	if !f.Matches(s.props) {
		logx.Log.Warn().Str("source", s.name).Msg("frame shape changed")
		return svrerr.Wrap(svrerr.ErrInvalidArgument, "frame shape mismatch")
	}

	if s.encoder == nil {
		enc, err := s.encoding.NewEncoder(s.props, s.encodingOpts)
		if err != nil {
			return err
		}
		s.encoder = enc
	}

	if err := s.encoder.Encode(f); err != nil {
		return err
	}

	boundaryAfterDrain := s.encoding.Flags()&codec.FlagBoundaryAfterDrain != 0
	for s.encoder.DataReady() > 0 {
		n := s.encoder.ReadData(s.payload)
		if n < 0 {
			logx.Log.Fatal().Str("source", s.name).Msg("encoder returned negative length")
		}
		boundary := boundaryAfterDrain && s.encoder.DataReady() == 0
		s.bytesIn += uint64(n)
		s.fanOutLocked(s.payload[:n], boundary)
	}

	s.framesIn++
	metrics.RecordFrame(s.name)
	return nil
}

// SendEncodedChunk is the Data fast path: the producer is a remote client
// that already encoded, so the chunk fans out without touching an encoder.
// The boundary flag comes from the wire.
func (s *Source) SendEncodedChunk(chunk []byte, boundary bool) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return svrerr.Wrap(svrerr.ErrInvalidState, "source %q closed", s.name)
	}
	if s.encoding == nil || s.props == nil {
		return svrerr.Wrap(svrerr.ErrInvalidState, "source %q not configured", s.name)
	}

	s.bytesIn += uint64(len(chunk))
	if boundary {
		s.framesIn++
		metrics.RecordFrame(s.name)
	}
	s.fanOutLocked(chunk, boundary)
	return nil
}

func (s *Source) attachStream(st *Stream) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return svrerr.Wrap(svrerr.ErrInvalidState, "source %q closed", s.name)
	}
	s.streams[st.id] = st
	return nil
}

func (s *Source) detachStream(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.streams, id)
}

// close transitions the source to closed, orphans every attached stream and
// releases the encoder, the shape and any capture engine.
func (s *Source) close() {
	s.Lock()
	if s.closed {
		s.Unlock()
		return
	}
	s.closed = true
	capture := s.capture
	s.capture = nil

	for _, st := range s.orderedStreamsLocked() {
		st.Lock()
		st.orphanLocked()
		st.Unlock()
	}
	s.streams = make(map[string]*Stream)
	s.encoder = nil
	s.props = nil
	s.Unlock()

	if capture != nil {
		if err := capture.Close(); err != nil {
			logx.Log.Warn().Err(err).Str("source", s.name).Msg("capture close")
		}
	}
	logx.Log.Info().Str("source", s.name).Msg("source closed")
}

// SourceInfo is the inspection snapshot of one source.
type SourceInfo struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Owner    string `json:"owner,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Shape    string `json:"shape,omitempty"`
	Streams  int    `json:"streams"`
	FramesIn uint64 `json:"frames_in"`
	BytesIn  uint64 `json:"bytes_in"`
}

func (s *Source) info() SourceInfo {
	s.Lock()
	defer s.Unlock()
	in := SourceInfo{
		Name:     s.name,
		Kind:     string(s.kind),
		Owner:    s.owner,
		Streams:  len(s.streams),
		FramesIn: s.framesIn,
		BytesIn:  s.bytesIn,
	}
	if s.encoding != nil {
		in.Encoding = s.encoding.Name()
	}
	if s.props != nil {
		in.Shape = s.props.Format()
	}
	return in
}
