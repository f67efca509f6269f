package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tarora2/svr/internal/logx"
	"github.com/tarora2/svr/internal/metrics"
	"github.com/tarora2/svr/internal/proto"
	"github.com/tarora2/svr/internal/svrerr"
)

// Transport carries discrete protocol messages over some byte transport.
// Implementations exist for plain TCP and websocket.
type Transport interface {
	ReadMessage() (*proto.Message, error)
	WriteMessage(m *proto.Message) error
	Close() error
}

const defaultOutboxLimit = 256

// Session is the per-connected-peer state: an outbox feeding the transport,
// the pending-response table for requests this side originated, and the
// identity that sources and streams are owned under.
type Session struct {
	id      string
	tr      Transport
	handler func(*Session, *proto.Message)
	cleanup func(sessionID string)

	out *outbox

	pendingMu sync.Mutex
	pending   map[uint32]chan *proto.Message

	nextID         atomic.Uint32
	requestTimeout time.Duration

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps a transport. The router may be nil for client-side
// sessions; those install their own handler with SetHandler.
func NewSession(tr Transport, router *Router, requestTimeout time.Duration) *Session {
	s := &Session{
		id:             uuid.NewString(),
		tr:             tr,
		out:            newOutbox(defaultOutboxLimit),
		pending:        make(map[uint32]chan *proto.Message),
		requestTimeout: requestTimeout,
		done:           make(chan struct{}),
	}
	if router != nil {
		s.handler = router.Dispatch
		s.cleanup = router.broker.CleanupSession
	}
	return s
}

// SetHandler installs the inbound message handler. The handler owns the
// message and must release it. Call before Serve.
func (s *Session) SetHandler(h func(*Session, *proto.Message)) {
	s.handler = h
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Closing reports whether teardown has begun.
func (s *Session) Closing() bool { return s.closing.Load() }

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Serve pumps the transport until the peer disconnects: one writer
// goroutine drains the outbox while the calling goroutine reads and
// dispatches inbound messages. It returns after cleanup completes.
func (s *Session) Serve() {
	metrics.ClientConnected(1)
	logx.Log.Info().Str("client_id", s.id).Msg("session connected")

	go func() {
		for {
			m, ok := s.out.pop()
			if !ok {
				return
			}
			err := s.tr.WriteMessage(m)
			proto.Release(m)
			if err != nil {
				s.CloseAsync(svrerr.PeerDisconnected, "write failed")
				return
			}
		}
	}()

	for {
		m, err := s.tr.ReadMessage()
		if err != nil {
			break
		}
		s.dispatch(m)
		if s.closing.Load() {
			break
		}
	}

	s.shutdown()
	metrics.ClientConnected(-1)
	logx.Log.Info().Str("client_id", s.id).Msg("session disconnected")
}

func (s *Session) dispatch(m *proto.Message) {
	if m.IsResponse() {
		s.resolvePending(m)
		return
	}
	if s.handler == nil {
		proto.Release(m)
		return
	}
	s.handler(s, m)
}

func (s *Session) resolvePending(m *proto.Message) {
	s.pendingMu.Lock()
	ch, ok := s.pending[m.RequestID]
	if ok {
		delete(s.pending, m.RequestID)
	}
	s.pendingMu.Unlock()
	if !ok {
		logx.Log.Warn().Uint32("request_id", m.RequestID).Msg("response with no pending request")
		proto.Release(m)
		return
	}
	ch <- m
}

// SendRequest transmits m and blocks until the correlated response arrives,
// the timeout expires, or the connection fails. The caller releases the
// returned response; a nil response means the peer disconnected.
func (s *Session) SendRequest(m *proto.Message) (*proto.Message, error) {
	id := s.nextID.Add(1)
	if id == 0 {
		id = s.nextID.Add(1)
	}
	m.RequestID = id

	ch := make(chan *proto.Message, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	if err := s.out.pushWait(m, s.requestTimeout); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(s.requestTimeout):
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return nil, svrerr.Wrap(svrerr.ErrTimeout, "request %d", id)
	case <-s.done:
		return nil, svrerr.Wrap(svrerr.ErrPeerDisconnected, "request %d", id)
	}
}

// Send enqueues a message without expecting a response, blocking while the
// outbox is full.
func (s *Session) Send(m *proto.Message) error {
	return s.out.pushWait(m, s.requestTimeout)
}

// EnqueueData implements sink.
func (s *Session) EnqueueData(m *proto.Message) bool {
	return s.out.push(m)
}

// EnqueueDataWait implements sink.
func (s *Session) EnqueueDataWait(m *proto.Message, timeout time.Duration) error {
	return s.out.pushWait(m, timeout)
}

// EvictOldestData implements sink.
func (s *Session) EvictOldestData(streamID string) bool {
	return s.out.evictOldestData(streamID)
}

// CloseAsync begins teardown without blocking; usable with broker locks
// held.
func (s *Session) CloseAsync(code svrerr.Code, reason string) {
	if s.closing.Swap(true) {
		return
	}
	logx.Log.Info().Str("client_id", s.id).Str("reason", reason).Stringer("code", code).Msg("closing session")
	go func() {
		_ = s.tr.Close()
		s.out.close()
	}()
}

// Close tears the session down and waits for the read loop to finish
// cleanup.
func (s *Session) Close() {
	s.CloseAsync(svrerr.Success, "close requested")
	<-s.done
}

// shutdown runs exactly once when the read loop exits: owned sources and
// streams are destroyed, pending requests fail with a synthetic response.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		_ = s.tr.Close()
		s.out.close()

		if s.cleanup != nil {
			s.cleanup(s.id)
		}

		s.pendingMu.Lock()
		pending := s.pending
		s.pending = make(map[uint32]chan *proto.Message)
		s.pendingMu.Unlock()
		for _, ch := range pending {
			ch <- nil
		}

		close(s.done)
	})
}
