// Package client is the library side of the broker protocol: it opens
// sources, pushes frames, and subscribes to streams over a single
// connection.
package client

import (
	"net"
	"sync"
	"time"

	"github.com/tarora2/svr/internal/broker"
	"github.com/tarora2/svr/internal/codec"
	"github.com/tarora2/svr/internal/proto"
	"github.com/tarora2/svr/internal/svrerr"
)

// DataFunc receives the payload of one Data chunk for a subscribed stream.
// boundary marks the last chunk of a frame; resync means preceding bytes
// were dropped and decoding must restart here.
type DataFunc func(payload []byte, boundary, resync bool)

// Client is one connection to a broker.
type Client struct {
	sess *broker.Session

	mu      sync.Mutex
	streams map[string]DataFunc
}

// Dial connects to a broker's protocol port.
func Dial(addr string, requestTimeout time.Duration) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, svrerr.Wrap(svrerr.ErrPeerDisconnected, "dial %s", addr)
	}
	c := &Client{
		sess:    broker.NewSession(broker.NewTCPTransport(conn), nil, requestTimeout),
		streams: make(map[string]DataFunc),
	}
	c.sess.SetHandler(c.handle)
	go c.sess.Serve()
	return c, nil
}

// Close tears the connection down.
func (c *Client) Close() {
	c.sess.Close()
}

// Done is closed once the connection has shut down.
func (c *Client) Done() <-chan struct{} { return c.sess.Done() }

func (c *Client) handle(_ *broker.Session, m *proto.Message) {
	if m.Verb() == "Data" {
		c.mu.Lock()
		fn := c.streams[m.Component(1)]
		c.mu.Unlock()
		if fn != nil {
			fn(m.Payload, m.IsBoundary(), m.Flags&proto.FlagResync != 0)
		}
	}
	proto.Release(m)
}

// request sends a verb and maps the response status to an error.
func (c *Client) request(components ...string) error {
	_, err := c.requestExtra(components...)
	return err
}

func (c *Client) requestExtra(components ...string) ([]string, error) {
	resp, err := c.sess.SendRequest(proto.New(components...))
	if err != nil {
		return nil, err
	}
	defer proto.Release(resp)
	if resp == nil {
		return nil, svrerr.Wrap(svrerr.ErrPeerDisconnected, "%s", components[0])
	}
	if code := proto.ResponseCode(resp); code != svrerr.Success {
		return nil, svrerr.Wrap(svrerr.FromCode(code), "%s", components[0])
	}
	extra := append([]string(nil), resp.Components[1:]...)
	return extra, nil
}

// OpenServerSource opens a server-side source described by descriptor.
func (c *Client) OpenServerSource(name, descriptor string) error {
	return c.request("Source.open", "server", name, descriptor)
}

// CloseServerSource closes a server source by name.
func (c *Client) CloseServerSource(name string) error {
	return c.request("Source.close", name)
}

// SourcesList returns all source names, prefixed "c:" or "s:" by kind.
func (c *Client) SourcesList() ([]string, error) {
	return c.requestExtra("Source.getSourcesList")
}

// ListEncodings returns the encodings this client can produce locally.
func (c *Client) ListEncodings() []string {
	return codec.Names()
}
