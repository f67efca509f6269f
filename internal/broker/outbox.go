package broker

import (
	"sync"
	"time"

	"github.com/tarora2/svr/internal/proto"
	"github.com/tarora2/svr/internal/svrerr"
)

// outbox is the bounded per-session transmit queue. It sits last in the lock
// order, so it may be taken with source and stream locks held.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*proto.Message
	limit  int
	closed bool
}

func newOutbox(limit int) *outbox {
	o := &outbox{limit: limit}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// push enqueues without blocking; false means the queue is full or closed.
func (o *outbox) push(m *proto.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || len(o.queue) >= o.limit {
		return false
	}
	o.queue = append(o.queue, m)
	o.cond.Broadcast()
	return true
}

// pushWait blocks until space frees, the timeout expires or the outbox
// closes.
func (o *outbox) pushWait(m *proto.Message, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	o.mu.Lock()
	defer o.mu.Unlock()
	for !o.closed && len(o.queue) >= o.limit {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return svrerr.Wrap(svrerr.ErrTimeout, "outbox full")
		}
		timer := time.AfterFunc(remaining, o.cond.Broadcast)
		o.cond.Wait()
		timer.Stop()
	}
	if o.closed {
		return svrerr.Wrap(svrerr.ErrPeerDisconnected, "outbox closed")
	}
	o.queue = append(o.queue, m)
	o.cond.Broadcast()
	return nil
}

// evictOldestData removes the oldest queued Data message belonging to the
// stream and marks the next one, if any, for resynchronisation. Returns
// true only when a following message was marked; false when the queue holds
// nothing for the stream or nothing of the stream follows the evicted
// message. The caller then marks its next chunk instead.
func (o *outbox) evictOldestData(streamID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, m := range o.queue {
		if m.Verb() == "Data" && m.Component(1) == streamID {
			evicted := m
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			proto.Release(evicted)
			for _, rest := range o.queue[i:] {
				if rest.Verb() == "Data" && rest.Component(1) == streamID {
					rest.Flags |= proto.FlagResync
					return true
				}
			}
			return false
		}
	}
	return false
}

// pop blocks until a message is available or the outbox closes.
func (o *outbox) pop() (*proto.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) == 0 && !o.closed {
		o.cond.Wait()
	}
	if len(o.queue) == 0 {
		return nil, false
	}
	m := o.queue[0]
	o.queue = o.queue[1:]
	o.cond.Broadcast()
	return m, true
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for _, m := range o.queue {
		proto.Release(m)
	}
	o.queue = nil
	o.cond.Broadcast()
}
