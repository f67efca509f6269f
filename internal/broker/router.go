package broker

import (
	"time"

	"github.com/tarora2/svr/internal/logx"
	"github.com/tarora2/svr/internal/metrics"
	"github.com/tarora2/svr/internal/proto"
	"github.com/tarora2/svr/internal/svrerr"
)

// HandlerFunc executes one verb. Extra result components are appended to
// the response after the status code.
type HandlerFunc func(sess *Session, m *proto.Message) (extra []string, err error)

// Router maps the leading message component to a handler and owns the Data
// fast path. Handlers run on the session's read goroutine.
type Router struct {
	broker   *Broker
	handlers map[string]HandlerFunc
}

// NewRouter builds the verb table over a broker.
func NewRouter(b *Broker) *Router {
	r := &Router{broker: b, handlers: make(map[string]HandlerFunc)}
	r.handlers["Source.open"] = r.handleSourceOpen
	r.handlers["Source.close"] = r.handleSourceClose
	r.handlers["Source.setEncoding"] = r.handleSourceSetEncoding
	r.handlers["Source.setFrameProperties"] = r.handleSourceSetProps
	r.handlers["Source.getSourcesList"] = r.handleSourcesList
	r.handlers["Stream.open"] = r.handleStreamOpen
	r.handlers["Stream.close"] = r.handleStreamClose
	r.handlers["Stream.setEncoding"] = r.handleStreamSetEncoding
	r.handlers["Stream.pause"] = r.handleStreamPause
	r.handlers["Stream.resume"] = r.handleStreamResume
	r.handlers["Stream.attach"] = r.handleStreamAttach
	r.handlers["Stream.detach"] = r.handleStreamDetach
	return r
}

// Dispatch routes one inbound request. Data messages never elicit a
// response; every other verb carrying a non-zero request id answers with a
// status code.
func (r *Router) Dispatch(sess *Session, m *proto.Message) {
	verb := m.Verb()
	if verb == "Data" {
		r.handleData(sess, m)
		proto.Release(m)
		return
	}

	start := time.Now()
	h, ok := r.handlers[verb]
	var (
		extra []string
		err   error
	)
	if !ok {
		logx.Log.Warn().Str("client_id", sess.ID()).Str("verb", verb).Msg("unknown verb")
		err = svrerr.Wrap(svrerr.ErrInvalidArgument, "unknown verb %q", verb)
	} else {
		extra, err = h(sess, m)
	}
	metrics.ObserveVerb(verb, time.Since(start))

	if err != nil {
		logx.Log.Debug().Err(err).Str("client_id", sess.ID()).Str("verb", verb).Msg("verb failed")
	}
	if m.RequestID == 0 {
		proto.Release(m)
		return
	}
	resp := proto.Response(m, svrerr.CodeOf(err), extra...)
	proto.Release(m)
	if pushErr := sess.Send(resp); pushErr != nil {
		proto.Release(resp)
	}
}

// handleData feeds an encoded chunk into the named source. The producer
// must own the source; the boundary flag travels with the chunk.
func (r *Router) handleData(sess *Session, m *proto.Message) {
	name := m.Component(1)
	src, err := r.broker.GetSource(name)
	if err != nil {
		logx.Log.Warn().Str("client_id", sess.ID()).Str("source", name).Msg("data for unknown source")
		return
	}
	if src.Kind() != SourceClient || src.owner != sess.ID() {
		logx.Log.Warn().Str("client_id", sess.ID()).Str("source", name).Msg("data from non-owner")
		return
	}
	if err := src.SendEncodedChunk(m.Payload, m.IsBoundary()); err != nil {
		logx.Log.Warn().Err(err).Str("source", name).Msg("data rejected")
	}
}

// Source.open arguments: kind, name, then for server sources the capture
// descriptor.
func (r *Router) handleSourceOpen(sess *Session, m *proto.Message) ([]string, error) {
	kind := SourceKind(m.Component(1))
	name := m.Component(2)
	switch kind {
	case SourceClient:
		return nil, r.broker.OpenSource(sess.ID(), kind, name, "")
	case SourceServer:
		return nil, r.broker.OpenSource("", kind, name, m.Component(3))
	}
	return nil, svrerr.Wrap(svrerr.ErrInvalidArgument, "source kind %q", m.Component(1))
}

func (r *Router) handleSourceClose(sess *Session, m *proto.Message) ([]string, error) {
	return nil, r.broker.CloseSource(m.Component(1), sess.ID())
}

func (r *Router) handleSourceSetEncoding(sess *Session, m *proto.Message) ([]string, error) {
	return nil, r.broker.SetSourceEncoding(m.Component(1), sess.ID(), m.Component(2))
}

func (r *Router) handleSourceSetProps(sess *Session, m *proto.Message) ([]string, error) {
	return nil, r.broker.SetSourceProperties(m.Component(1), sess.ID(), m.Component(2))
}

func (r *Router) handleSourcesList(sess *Session, m *proto.Message) ([]string, error) {
	return r.broker.SourcesList(), nil
}

// Stream.open arguments: id, source name, requested encoding descriptor.
func (r *Router) handleStreamOpen(sess *Session, m *proto.Message) ([]string, error) {
	return nil, r.broker.OpenStream(sess, m.Component(1), m.Component(2), m.Component(3))
}

func (r *Router) handleStreamClose(sess *Session, m *proto.Message) ([]string, error) {
	return nil, r.broker.CloseStream(m.Component(1), sess.ID())
}

func (r *Router) handleStreamSetEncoding(sess *Session, m *proto.Message) ([]string, error) {
	st, err := r.broker.GetStream(m.Component(1), sess.ID())
	if err != nil {
		return nil, err
	}
	return nil, st.SetEncoding(m.Component(2))
}

func (r *Router) handleStreamPause(sess *Session, m *proto.Message) ([]string, error) {
	st, err := r.broker.GetStream(m.Component(1), sess.ID())
	if err != nil {
		return nil, err
	}
	return nil, st.Pause()
}

func (r *Router) handleStreamResume(sess *Session, m *proto.Message) ([]string, error) {
	st, err := r.broker.GetStream(m.Component(1), sess.ID())
	if err != nil {
		return nil, err
	}
	return nil, st.Resume()
}

func (r *Router) handleStreamAttach(sess *Session, m *proto.Message) ([]string, error) {
	return nil, r.broker.AttachStream(m.Component(1), sess.ID(), m.Component(2))
}

func (r *Router) handleStreamDetach(sess *Session, m *proto.Message) ([]string, error) {
	return nil, r.broker.DetachStream(m.Component(1), sess.ID())
}
