package client

import (
	"github.com/google/uuid"
)

// Stream is a subscription to a broker source.
type Stream struct {
	c  *Client
	id string
}

// OpenStream subscribes to a source with the requested encoding descriptor.
// fn is invoked from the session's read goroutine for every delivered
// chunk; it must not block.
func (c *Client) OpenStream(sourceName, descriptor string, fn DataFunc) (*Stream, error) {
	id := uuid.NewString()

	c.mu.Lock()
	c.streams[id] = fn
	c.mu.Unlock()

	if err := c.request("Stream.open", id, sourceName, descriptor); err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
		return nil, err
	}
	return &Stream{c: c, id: id}, nil
}

// ID returns the stream id.
func (st *Stream) ID() string { return st.id }

// SetEncoding changes the requested encoding mid-stream.
func (st *Stream) SetEncoding(descriptor string) error {
	return st.c.request("Stream.setEncoding", st.id, descriptor)
}

// Pause suspends delivery; chunks produced while paused are dropped.
func (st *Stream) Pause() error {
	return st.c.request("Stream.pause", st.id)
}

// Resume restores delivery from the next frame boundary.
func (st *Stream) Resume() error {
	return st.c.request("Stream.resume", st.id)
}

// Attach rebinds the stream to another source.
func (st *Stream) Attach(sourceName string) error {
	return st.c.request("Stream.attach", st.id, sourceName)
}

// Detach unbinds the stream; it stays open but orphaned.
func (st *Stream) Detach() error {
	return st.c.request("Stream.detach", st.id)
}

// Close destroys the stream.
func (st *Stream) Close() error {
	err := st.c.request("Stream.close", st.id)
	st.c.mu.Lock()
	delete(st.c.streams, st.id)
	st.c.mu.Unlock()
	return err
}
