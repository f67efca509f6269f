package client

import (
	"github.com/tarora2/svr/internal/codec"
	"github.com/tarora2/svr/internal/frame"
	"github.com/tarora2/svr/internal/options"
	"github.com/tarora2/svr/internal/proto"
	"github.com/tarora2/svr/internal/svrerr"
)

const payloadBufferSize = 4 * 1024

// Source is a client-fed frame source. The client encodes locally and ships
// encoded chunks; the broker fans them out.
type Source struct {
	c    *Client
	name string

	encoding     codec.Encoding
	encodingOpts options.Options
	encoder      codec.Encoder
	props        *frame.Properties

	payload []byte
}

// OpenSource registers a new client source. The encoding defaults to jpeg,
// falling back to raw when jpeg is unavailable.
func (c *Client) OpenSource(name string) (*Source, error) {
	if err := c.request("Source.open", "client", name); err != nil {
		return nil, err
	}
	s := &Source{
		c:       c,
		name:    name,
		payload: make([]byte, payloadBufferSize),
	}
	if err := s.SetEncoding("jpeg"); err != nil {
		if err := s.SetEncoding("raw"); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name returns the source name.
func (s *Source) Name() string { return s.name }

// SetEncoding sets the source encoding from an option descriptor. The
// encoding is validated locally before the broker is asked to switch.
func (s *Source) SetEncoding(descriptor string) error {
	enc, opts, err := codec.ByDescriptor(descriptor)
	if err != nil {
		return err
	}
	if err := s.c.request("Source.setEncoding", s.name, descriptor); err != nil {
		return err
	}
	s.encoding = enc
	s.encodingOpts = opts
	s.encoder = nil
	return nil
}

// SetFrameProperties pins the frame shape. Called implicitly from the first
// SendFrame when omitted.
func (s *Source) SetFrameProperties(props *frame.Properties) error {
	if !props.Valid() {
		return svrerr.Wrap(svrerr.ErrInvalidArgument, "frame properties")
	}
	if err := s.c.request("Source.setFrameProperties", s.name, props.Format()); err != nil {
		return err
	}
	s.props = props.Clone()
	s.encoder = nil
	return nil
}

// SendFrame encodes one frame and ships the encoded bytes. The frame must
// match the pinned shape; the shape is derived from the first frame when
// not set explicitly.
func (s *Source) SendFrame(f *frame.Frame) error {
	if s.encoding == nil {
		return svrerr.Wrap(svrerr.ErrInvalidState, "source %q has no encoding", s.name)
	}

	if s.props == nil {
		if err := s.SetFrameProperties(f.Props); err != nil {
			return err
		}
	}
	if !f.Matches(s.props) {
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
		m := proto.New("Data", s.name)
		m.Payload = append(m.Payload[:0], s.payload[:n]...)
		if boundaryAfterDrain && s.encoder.DataReady() == 0 {
			m.Flags |= proto.FlagBoundary
		}
		if err := s.c.sess.Send(m); err != nil {
			proto.Release(m)
			return err
		}
	}
	return nil
}

// Close closes and destroys the source, orphaning any attached streams.
func (s *Source) Close() error {
	return s.c.request("Source.close", s.name)
}
