package broker

import (
	"time"

	"github.com/tarora2/svr/internal/codec"
	"github.com/tarora2/svr/internal/logx"
	"github.com/tarora2/svr/internal/metrics"
	"github.com/tarora2/svr/internal/options"
	"github.com/tarora2/svr/internal/proto"
	"github.com/tarora2/svr/internal/svrerr"
)

// StreamState is the per-subscriber delivery state.
type StreamState string

const (
	StreamFlowing  StreamState = "flowing"
	StreamPaused   StreamState = "paused"
	StreamOrphaned StreamState = "orphaned"
	StreamClosed   StreamState = "closed"
)

// DropPolicy is the rule applied when the subscriber cannot keep up.
type DropPolicy string

const (
	DropBlock  DropPolicy = "block"
	DropNewest DropPolicy = "drop_newest"
	DropOldest DropPolicy = "drop_oldest"
)

// ParseDropPolicy validates a policy name; the empty string selects the
// default, drop_newest.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch DropPolicy(s) {
	case "":
		return DropNewest, nil
	case DropBlock, DropNewest, DropOldest:
		return DropPolicy(s), nil
	}
	return "", svrerr.Wrap(svrerr.ErrInvalidArgument, "drop policy %q", s)
}

// sink is the subscriber-facing half of a client session: the stream hands
// reencoded chunks to it under the stream lock. Implementations honour the
// lock order Source -> Stream -> outbox.
type sink interface {
	ID() string
	// EnqueueData enqueues without blocking; false means the outbox is full.
	EnqueueData(m *proto.Message) bool
	// EnqueueDataWait blocks until space frees or the timeout expires.
	EnqueueDataWait(m *proto.Message, timeout time.Duration) error
	// EvictOldestData drops the oldest queued Data message for the stream
	// and marks the following one for resynchronisation. False when nothing
	// was queued for the stream or no message of the stream follows the
	// evicted one.
	EvictOldestData(streamID string) bool
	// CloseAsync tears the session down without waiting; safe to call with
	// broker locks held.
	CloseAsync(code svrerr.Code, reason string)
}

// Stream is a per-subscriber egress bound to one source by name. It owns the
// reencoder bridging the source's encoding to the requested one. All
// mutation happens under the stream lock; delivery is driven by the source.
type Stream struct {
	Lockable

	id         string
	subscriber sink
	sourceName string

	encoding     codec.Encoding
	encodingOpts options.Options

	reenc    Reencoder
	boundGen uint64

	state        StreamState
	dropPolicy   DropPolicy
	blockTimeout time.Duration

	dropping bool // discarding until the next frame start
	resync   bool // next delivered chunk carries the resync flag

	bytesOut      uint64
	chunksDropped uint64
}

func newStream(id string, subscriber sink, sourceName string, enc codec.Encoding, opts options.Options, policy DropPolicy, blockTimeout time.Duration) *Stream {
	return &Stream{
		id:           id,
		subscriber:   subscriber,
		sourceName:   sourceName,
		encoding:     enc,
		encodingOpts: opts,
		state:        StreamFlowing,
		dropPolicy:   policy,
		blockTimeout: blockTimeout,
		dropping:     true, // align delivery with the next frame start
	}
}

// ID returns the stream id.
func (st *Stream) ID() string { return st.id }

// State returns the current delivery state.
func (st *Stream) State() StreamState {
	st.Lock()
	defer st.Unlock()
	return st.state
}

// SetEncoding replaces the requested encoding; the reencoder is rebuilt on
// the next delivery.
func (st *Stream) SetEncoding(descriptor string) error {
	enc, opts, err := codec.ByDescriptor(descriptor)
	if err != nil {
		return err
	}
	st.Lock()
	defer st.Unlock()
	if st.state == StreamClosed {
		return svrerr.Wrap(svrerr.ErrInvalidState, "stream %q closed", st.id)
	}
	st.encoding = enc
	st.encodingOpts = opts
	st.reenc = nil
	return nil
}

// Pause suspends delivery. A paused stream drops chunks; it does not buffer.
func (st *Stream) Pause() error {
	st.Lock()
	defer st.Unlock()
	switch st.state {
	case StreamFlowing:
		st.state = StreamPaused
		return nil
	case StreamPaused:
		return nil
	}
	return svrerr.Wrap(svrerr.ErrInvalidState, "stream %q is %s", st.id, st.state)
}

// Resume restores delivery after a pause. Resuming mid-frame would hand the
// subscriber a tail, so delivery restarts at the next boundary.
func (st *Stream) Resume() error {
	st.Lock()
	defer st.Unlock()
	switch st.state {
	case StreamPaused:
		st.state = StreamFlowing
		st.dropping = true
		st.reenc = nil
		return nil
	case StreamFlowing:
		return nil
	}
	return svrerr.Wrap(svrerr.ErrInvalidState, "stream %q is %s", st.id, st.state)
}

// orphanLocked marks the stream orphaned after its source closed. The
// stream stays reachable to its subscriber until explicitly closed.
func (st *Stream) orphanLocked() {
	if st.state == StreamClosed {
		return
	}
	st.state = StreamOrphaned
	st.reenc = nil
}

func (st *Stream) closeLocked() {
	st.state = StreamClosed
	st.reenc = nil
}

// deliverLocked runs one source chunk through the reencoder and enqueues any
// produced bytes to the subscriber. Called by the source with both the
// source lock and the stream lock held. frameStart marks the first chunk of
// a frame; a dropping stream realigns there.
func (st *Stream) deliverLocked(chunk []byte, boundary, frameStart bool, b binding) {
	if st.state != StreamFlowing {
		return
	}

	if st.dropping {
		if !frameStart {
			st.chunksDropped++
			return
		}
		st.dropping = false
	}

	if st.reenc == nil || st.boundGen != b.gen {
		if b.enc == nil || !b.props.Valid() {
			return
		}
		re, err := SelectReencoder(b.enc, b.opts, st.encoding, st.encodingOpts, b.props)
		if err != nil {
			logx.Log.Warn().Err(err).Str("stream_id", st.id).Msg("reencoder rebuild failed")
			st.chunksDropped++
			return
		}
		st.reenc = re
		st.boundGen = b.gen
	}

	out, err := st.reenc.Reencode(chunk, boundary)
	if err != nil {
		logx.Log.Warn().Err(err).Str("stream_id", st.id).Msg("reencode failed")
		st.chunksDropped++
		return
	}
	if len(out) == 0 && !boundary {
		return
	}

	m := proto.New("Data", st.id)
	m.Payload = append(m.Payload[:0], out...)
	if boundary {
		m.Flags |= proto.FlagBoundary
	}
	if st.resync {
		m.Flags |= proto.FlagResync
		st.resync = false
	}

	switch st.dropPolicy {
	case DropBlock:
		if err := st.subscriber.EnqueueDataWait(m, st.blockTimeout); err != nil {
			proto.Release(m)
			st.chunksDropped++
			metrics.RecordDrop(string(st.dropPolicy), "timeout")
			logx.Log.Warn().Str("stream_id", st.id).Msg("block policy timeout, closing subscriber")
			st.closeLocked()
			st.subscriber.CloseAsync(svrerr.PeerDisconnected, "outbox blocked past timeout")
			return
		}
	case DropOldest:
		if !st.subscriber.EnqueueData(m) {
			if !st.subscriber.EvictOldestData(st.id) {
				st.resync = true
			}
			if !st.subscriber.EnqueueData(m) {
				proto.Release(m)
				st.chunksDropped++
				st.resync = true
				metrics.RecordDrop(string(st.dropPolicy), "full")
				return
			}
			metrics.RecordDrop(string(st.dropPolicy), "evicted")
		}
	default: // DropNewest
		if !st.subscriber.EnqueueData(m) {
			proto.Release(m)
			st.chunksDropped++
			st.resync = true // an earlier chunk of this frame may have been delivered
			metrics.RecordDrop(string(st.dropPolicy), "full")
			if !boundary {
				st.dropping = true
			}
			return
		}
	}

	st.bytesOut += uint64(len(out))
	metrics.RecordStreamBytes(st.id, len(out))
}

// StreamInfo is the inspection snapshot of one stream.
type StreamInfo struct {
	ID            string `json:"id"`
	Subscriber    string `json:"subscriber"`
	Source        string `json:"source"`
	Encoding      string `json:"encoding"`
	State         string `json:"state"`
	DropPolicy    string `json:"drop_policy"`
	BytesOut      uint64 `json:"bytes_out"`
	ChunksDropped uint64 `json:"chunks_dropped"`
}

func (st *Stream) info() StreamInfo {
	st.Lock()
	defer st.Unlock()
	return StreamInfo{
		ID:            st.id,
		Subscriber:    st.subscriber.ID(),
		Source:        st.sourceName,
		Encoding:      st.encoding.Name(),
		State:         string(st.state),
		DropPolicy:    string(st.dropPolicy),
		BytesOut:      st.bytesOut,
		ChunksDropped: st.chunksDropped,
	}
}
