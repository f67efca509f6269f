package broker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"

	"github.com/coder/websocket"

	"github.com/tarora2/svr/internal/proto"
)

// tcpTransport frames messages straight onto a TCP connection.
type tcpTransport struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewTCPTransport wraps a stream connection in the TLV message codec.
func NewTCPTransport(conn net.Conn) Transport {
	return &tcpTransport{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64*1024),
		w:    bufio.NewWriterSize(conn, 64*1024),
	}
}

func (t *tcpTransport) ReadMessage() (*proto.Message, error) {
	return proto.Read(t.r)
}

func (t *tcpTransport) WriteMessage(m *proto.Message) error {
	if err := proto.Write(t.w, m); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// wsTransport carries one TLV frame per binary websocket message. Sessions
// behave identically on either transport.
type wsTransport struct {
	conn *websocket.Conn
	ctx  context.Context
}

// NewWSTransport wraps an accepted websocket connection.
func NewWSTransport(ctx context.Context, conn *websocket.Conn) Transport {
	conn.SetReadLimit(proto.MaxMessageSize)
	return &wsTransport{conn: conn, ctx: ctx}
}

func (t *wsTransport) ReadMessage() (*proto.Message, error) {
	typ, data, err := t.conn.Read(t.ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, errors.New("expected binary websocket message")
	}
	return proto.Read(bytes.NewReader(data))
}

func (t *wsTransport) WriteMessage(m *proto.Message) error {
	buf, err := m.AppendWire(nil)
	if err != nil {
		return err
	}
	return t.conn.Write(t.ctx, websocket.MessageBinary, buf)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
