package server

import (
	"context"
	"errors"
	"net"

	"github.com/tarora2/svr/internal/broker"
	"github.com/tarora2/svr/internal/config"
	"github.com/tarora2/svr/internal/logx"
)

// Listener accepts TLV protocol connections and runs one session per peer.
type Listener struct {
	ln     net.Listener
	router *broker.Router
	cfg    config.ServerConfig
}

// Listen binds the protocol port.
func Listen(router *broker.Router, cfg config.ServerConfig) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, router: router, cfg: cfg}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until the context is cancelled or the listener
// closes.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			sess := broker.NewSession(broker.NewTCPTransport(conn), l.router, l.cfg.RequestTimeout)
			logx.Log.Info().Str("client_id", sess.ID()).Str("remote_addr", conn.RemoteAddr().String()).Msg("client connected")
			sess.Serve()
		}()
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
