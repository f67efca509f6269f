// Package proto implements the discrete message layer of the broker
// protocol: ordered text components plus an optional opaque payload,
// correlated request/response, and the TLV wire codec.
package proto

import (
	"strconv"
	"sync"

	"github.com/tarora2/svr/internal/svrerr"
)

// Flag bits carried in the message header.
const (
	// FlagResponse marks a message as the response to a request.
	FlagResponse uint8 = 1 << 0
	// FlagBoundary marks a Data chunk as the last chunk of a frame.
	FlagBoundary uint8 = 1 << 1
	// FlagResync tells the subscriber that preceding bytes were dropped
	// mid-frame and decoding must restart at this chunk.
	FlagResync uint8 = 1 << 2
)

// Message is one discrete protocol message. Components are UTF-8 strings;
// the first component of a request is the verb. Payload is opaque and only
// used by Data messages.
type Message struct {
	Components []string
	Payload    []byte
	RequestID  uint32
	Flags      uint8
}

var msgPool = sync.Pool{
	New: func() interface{} { return &Message{} },
}

// New returns a pooled message with the given components. Release returns it
// to the pool once the caller is done with it.
func New(components ...string) *Message {
	m := msgPool.Get().(*Message)
	m.Components = append(m.Components[:0], components...)
	m.Payload = m.Payload[:0]
	m.RequestID = 0
	m.Flags = 0
	return m
}

// Release recycles a message. The message and its payload must not be used
// after the call.
func Release(m *Message) {
	if m == nil {
		return
	}
	m.Components = m.Components[:0]
	m.Payload = m.Payload[:0]
	msgPool.Put(m)
}

// Verb returns the leading component, or an empty string.
func (m *Message) Verb() string {
	if len(m.Components) == 0 {
		return ""
	}
	return m.Components[0]
}

// Component returns component i, or an empty string when absent.
func (m *Message) Component(i int) string {
	if i < 0 || i >= len(m.Components) {
		return ""
	}
	return m.Components[i]
}

// IsResponse reports whether the response flag is set.
func (m *Message) IsResponse() bool { return m.Flags&FlagResponse != 0 }

// IsBoundary reports whether the chunk ends a frame.
func (m *Message) IsBoundary() bool { return m.Flags&FlagBoundary != 0 }

// SetPayload points the message payload at buf[:n].
func (m *Message) SetPayload(buf []byte, n int) {
	m.Payload = buf[:n]
}

// Response builds the response to req. Component 0 carries the status code;
// extra components follow.
func Response(req *Message, code svrerr.Code, extra ...string) *Message {
	resp := New(strconv.Itoa(int(code)))
	resp.Components = append(resp.Components, extra...)
	resp.RequestID = req.RequestID
	resp.Flags = FlagResponse
	return resp
}

// ResponseCode extracts the status code from a response message.
func ResponseCode(resp *Message) svrerr.Code {
	if resp == nil {
		return svrerr.PeerDisconnected
	}
	n, err := strconv.Atoi(resp.Component(0))
	if err != nil {
		return svrerr.Internal
	}
	return svrerr.Code(n)
}
